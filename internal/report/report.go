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

// Package report summarizes the sessions of a run.
package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/netbridge/internal/util/logging"
	"github.com/alexandremahdhaoui/netbridge/pkg/session"
)

// Format specifies the output format for reports
type Format string

const (
	// FormatJSON produces JSON-formatted reports
	FormatJSON Format = "json"
	// FormatText produces human-readable text reports
	FormatText Format = "text"
)

// OutcomeInterrupted is reported for roles whose session was interrupted
// and therefore produced no result.
const OutcomeInterrupted session.Outcome = "interrupted"

var ErrUnsupportedFormat = errors.New("unsupported report format")

// Entry is the result of one role.
type Entry struct {
	Role   string
	Result *session.Result
	// Err is set when the session did not produce a result.
	Err error
}

// Outcome returns the outcome of the entry.
func (e Entry) Outcome() session.Outcome {
	if e.Result == nil {
		if errors.Is(e.Err, session.ErrInterrupted) {
			return OutcomeInterrupted
		}
		return session.Errored
	}
	return e.Result.Outcome()
}

// Error returns the error message of the entry, if any.
func (e Entry) Error() string {
	switch {
	case e.Result != nil && e.Result.Err() != nil:
		return e.Result.Err().Error()
	case e.Result == nil && e.Err != nil:
		return e.Err.Error()
	}
	return ""
}

// Summary counts entries per outcome.
type Summary struct {
	Total       int `json:"total"`
	Passed      int `json:"passed"`
	Failed      int `json:"failed"`
	Errored     int `json:"errored"`
	Interrupted int `json:"interrupted"`
}

// Report is the report of one run.
type Report struct {
	ID       string
	Backend  string
	Started  time.Time
	Finished time.Time
	Entries  []Entry
}

// New returns an empty report started now.
func New(id, backend string) *Report {
	return &Report{ID: id, Backend: backend, Started: time.Now()}
}

// Add records the outcome of role. res is nil when the session was
// interrupted or could not start.
func (r *Report) Add(role string, res *session.Result, err error) {
	r.Entries = append(r.Entries, Entry{Role: role, Result: res, Err: err})
}

// Finish marks the end of the run.
func (r *Report) Finish() {
	r.Finished = time.Now()
}

// Summary returns the per-outcome counts.
func (r *Report) Summary() Summary {
	s := Summary{Total: len(r.Entries)}
	for _, e := range r.Entries {
		switch e.Outcome() {
		case session.Passed:
			s.Passed++
		case session.Failed:
			s.Failed++
		case OutcomeInterrupted:
			s.Interrupted++
		default:
			s.Errored++
		}
	}
	return s
}

// Passed is true when every entry passed. An empty report did not pass.
func (r *Report) Passed() bool {
	s := r.Summary()
	return s.Total > 0 && s.Passed == s.Total
}

// Reporter writes reports to the artifacts directory and summaries to out.
type Reporter struct {
	artifactDir string
	out         io.Writer

	// githubActions wraps grouped output in ::group:: workflow commands.
	githubActions bool
	// color enables ANSI colors in what is printed to out.
	color bool
}

// NewReporter creates a new reporter. GitHub Actions grouping is enabled
// when GITHUB_ACTIONS is "true". Printed reports are colored when out is a
// terminal.
func NewReporter(artifactDir string, out io.Writer) *Reporter {
	return &Reporter{
		artifactDir:   artifactDir,
		out:           out,
		githubActions: os.Getenv("GITHUB_ACTIONS") == "true",
		color:         logging.IsTerminal(out),
	}
}

// GenerateReport renders r in the given format.
func (rp *Reporter) GenerateReport(r *Report, format Format) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(r)
	case FormatText:
		return formatText(r, false), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// WriteReport generates a report and writes it to the artifacts directory.
func (rp *Reporter) WriteReport(r *Report, format Format) (string, error) {
	content, err := rp.GenerateReport(r, format)
	if err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}

	if err := os.MkdirAll(rp.artifactDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	filename := "report.txt"
	if format == FormatJSON {
		filename = "report.json"
	}

	reportPath := filepath.Join(rp.artifactDir, filename)
	if err := os.WriteFile(reportPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}

	return reportPath, nil
}

// PrintReport prints the text report of r.
func (rp *Reporter) PrintReport(r *Report) {
	fmt.Fprint(rp.out, formatText(r, rp.color))
}

// PrintSummary prints the one-line summary of r.
func (rp *Reporter) PrintSummary(r *Report) {
	fmt.Fprintln(rp.out, formatSummary(r))
}

// Group runs fn between GitHub Actions group markers when running in
// GitHub Actions, and plainly otherwise.
func (rp *Reporter) Group(title string, fn func()) {
	if !rp.githubActions {
		fn()
		return
	}
	fmt.Fprintf(rp.out, "::group::%s\n", title)
	defer fmt.Fprintln(rp.out, "::endgroup::")
	fn()
}
