/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/netbridge/pkg/session"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

type reportJSON struct {
	ID       string      `json:"id"`
	Backend  string      `json:"backend"`
	Started  time.Time   `json:"started"`
	Finished time.Time   `json:"finished"`
	Duration float64     `json:"duration"` // seconds
	Summary  Summary     `json:"summary"`
	Entries  []entryJSON `json:"entries"`
}

type entryJSON struct {
	Role       string          `json:"role"`
	Outcome    session.Outcome `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	LogPath    string          `json:"logPath,omitempty"`
	TopologyID string          `json:"topologyID,omitempty"`
	Duration   float64         `json:"duration"` // seconds
}

func formatJSON(r *Report) (string, error) {
	out := reportJSON{
		ID:       r.ID,
		Backend:  r.Backend,
		Started:  r.Started,
		Finished: r.Finished,
		Duration: r.Finished.Sub(r.Started).Seconds(),
		Summary:  r.Summary(),
		Entries:  make([]entryJSON, 0, len(r.Entries)),
	}

	for _, e := range r.Entries {
		ej := entryJSON{Role: e.Role, Outcome: e.Outcome(), Error: e.Error()}
		if e.Result != nil {
			ej.LogPath = e.Result.LogPath()
			ej.TopologyID = e.Result.TopologyID()
			ej.Duration = e.Result.Duration().Seconds()
		}
		out.Entries = append(out.Entries, ej)
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	return string(b), nil
}

func formatText(r *Report, color bool) string {
	var sb strings.Builder

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	sb.WriteString("NETWORK INTEGRATION TEST REPORT\n")
	sb.WriteString(strings.Repeat("=", 80) + "\n\n")

	sb.WriteString(fmt.Sprintf("Run ID:    %s\n", r.ID))
	sb.WriteString(fmt.Sprintf("Backend:   %s\n", r.Backend))
	sb.WriteString(fmt.Sprintf("Started:   %s\n", r.Started.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Duration:  %.2fs\n\n", r.Finished.Sub(r.Started).Seconds()))

	sb.WriteString("ROLES\n")
	sb.WriteString(strings.Repeat("-", 5) + "\n")
	for i, e := range r.Entries {
		sb.WriteString(fmt.Sprintf("[%d/%d] %s %s", i+1, len(r.Entries), formatOutcome(e.Outcome(), color), e.Role))
		if e.Result != nil {
			sb.WriteString(fmt.Sprintf(" (%.2fs)", e.Result.Duration().Seconds()))
		}
		sb.WriteString("\n")
		if msg := e.Error(); msg != "" && e.Outcome() != session.Passed {
			sb.WriteString(fmt.Sprintf("  Error: %s\n", msg))
		}
		if e.Result != nil && e.Result.LogPath() != "" {
			sb.WriteString(fmt.Sprintf("  Log:   %s\n", e.Result.LogPath()))
		}
	}
	sb.WriteString("\n")

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	sb.WriteString(formatSummary(r) + "\n")
	sb.WriteString(strings.Repeat("=", 80) + "\n")

	return sb.String()
}

func formatSummary(r *Report) string {
	s := r.Summary()
	parts := []string{fmt.Sprintf("%d passed", s.Passed)}
	if s.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", s.Failed))
	}
	if s.Errored > 0 {
		parts = append(parts, fmt.Sprintf("%d errored", s.Errored))
	}
	if s.Interrupted > 0 {
		parts = append(parts, fmt.Sprintf("%d interrupted", s.Interrupted))
	}
	return fmt.Sprintf("%d roles: %s in %.2fs", s.Total, strings.Join(parts, ", "), r.Finished.Sub(r.Started).Seconds())
}

// formatOutcome formats an outcome, with ANSI colors when color is set.
func formatOutcome(o session.Outcome, color bool) string {
	var label, code string
	switch o {
	case session.Passed:
		label, code = "✓ PASSED", colorGreen
	case session.Failed:
		label, code = "✗ FAILED", colorRed
	case session.Errored:
		label, code = "⚠ ERRORED", colorYellow
	default:
		label, code = "⚠ "+strings.ToUpper(string(o)), colorYellow
	}
	if !color {
		return label
	}
	return code + label + colorReset
}
