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

// Package ansible writes an Ansible project for one integration test target
// and runs it with ansible-playbook.
package ansible

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/netbridge/pkg/inventory"
)

var ErrWriteProject = errors.New("failed to write ansible project")

// Mode values of the network test parameters.
const (
	ModePlayback = "playback"
	ModeRecord   = "record"

	// ModeEnvKey selects the test mode.
	ModeEnvKey = "ANSIBLE_NETWORK_TEST_MODE"

	matchThreshold = 0.90
)

// Project is the set of files of one ansible-playbook run.
type Project struct {
	Dir           string
	Role          string
	InventoryPath string
	PlaybookPath  string
	VarsPath      string
	LogPath       string
	// ArtifactPath receives a JSON summary of the run.
	ArtifactPath string
}

// NewProject returns the project of role in dir. Nothing is written.
func NewProject(dir, role string) Project {
	return Project{
		Dir:           dir,
		Role:          role,
		InventoryPath: filepath.Join(dir, "inventory.json"),
		PlaybookPath:  filepath.Join(dir, "site.json"),
		VarsPath:      filepath.Join(dir, "vars.json"),
		LogPath:       filepath.Join(dir, "ansible.log"),
		ArtifactPath:  filepath.Join(dir, "playbook-artifact.json"),
	}
}

// Play is one play of a playbook.
type Play struct {
	Hosts       string `json:"hosts"`
	GatherFacts bool   `json:"gather_facts"`
	Tasks       []Task `json:"tasks"`
}

type Task struct {
	Name        string      `json:"name"`
	IncludeRole IncludeRole `json:"include_role"`
}

type IncludeRole struct {
	Name string `json:"name"`
}

// Playbook returns a playbook running role against hosts.
func Playbook(hosts, role string) []Play {
	return []Play{{
		Hosts:       hosts,
		GatherFacts: false,
		Tasks: []Task{{
			Name:        fmt.Sprintf("Run role %s", role),
			IncludeRole: IncludeRole{Name: role},
		}},
	}}
}

// TestParameters are passed to the role as ansible_network_test_parameters.
type TestParameters struct {
	FixtureDirectory string  `json:"fixture_directory"`
	MatchThreshold   float64 `json:"match_threshold"`
	Mode             string  `json:"mode"`
}

// TestVars returns the extra vars of a test run. An empty mode is read
// from ANSIBLE_NETWORK_TEST_MODE and defaults to playback.
func TestVars(fixtureDir, mode string) map[string]any {
	if mode == "" {
		mode = ModeFromEnv()
	}
	return map[string]any{
		"ansible_network_test_parameters": TestParameters{
			FixtureDirectory: fixtureDir,
			MatchThreshold:   matchThreshold,
			Mode:             strings.ToLower(mode),
		},
	}
}

// ModeFromEnv returns the lowercased ANSIBLE_NETWORK_TEST_MODE or playback.
func ModeFromEnv() string {
	if mode := os.Getenv(ModeEnvKey); mode != "" {
		return strings.ToLower(mode)
	}
	return ModePlayback
}

// WriteProject writes the inventory and the playbook of role to dir.
// rolePath is the include_role name, usually the absolute path of the role.
func WriteProject(dir, rolePath string, record *inventory.Record, hosts string) (Project, error) {
	p := NewProject(dir, filepath.Base(rolePath))

	if record == nil {
		return Project{}, errors.Join(ErrWriteProject, errors.New("inventory is nil"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Project{}, errors.Join(ErrWriteProject, err)
	}
	// the inventory holds device credentials
	if err := writeJSON(p.InventoryPath, record, 0o600); err != nil {
		return Project{}, err
	}
	if err := writeJSON(p.PlaybookPath, Playbook(hosts, rolePath), 0o644); err != nil {
		return Project{}, err
	}
	return p, nil
}

// WriteVars writes the extra vars of the project.
func WriteVars(p Project, vars map[string]any) error {
	return writeJSON(p.VarsPath, vars, 0o644)
}

func writeJSON(path string, v any, perm os.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Join(ErrWriteProject, fmt.Errorf("marshal %s: %w", filepath.Base(path), err))
	}
	if err := os.WriteFile(path, b, perm); err != nil {
		return errors.Join(ErrWriteProject, err)
	}
	return nil
}
