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

package ansible

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexandremahdhaoui/netbridge/pkg/execcontext"
	"github.com/alexandremahdhaoui/netbridge/pkg/session"
	"github.com/alexandremahdhaoui/netbridge/pkg/suite"
	"github.com/go-logr/logr"
)

var ErrPlaybook = errors.New("ansible-playbook failed")

// ansible-playbook exit codes.
const (
	exitHostFailed  = 2
	exitInterrupted = 99
)

// interruptGrace is how long ansible-playbook is given to stop after
// SIGINT before it is killed.
const interruptGrace = 10 * time.Second

// Runner runs projects with ansible-playbook.
type Runner struct {
	Binary string
	// TargetsDir is the integration tests path holding the roles. Fixture
	// directories are resolved next to it.
	TargetsDir string
	// Mode is the test mode. Empty reads ANSIBLE_NETWORK_TEST_MODE.
	Mode string
	// Hosts is the host pattern of the playbook. Defaults to all.
	Hosts string
	// Output also receives the playbook output when set.
	Output io.Writer

	execCtx execcontext.Context
	log     logr.Logger
}

// NewRunner returns a Runner. envs are added to the ansible-playbook
// environment.
func NewRunner(targetsDir string, envs map[string]string, log logr.Logger) *Runner {
	return &Runner{
		Binary:     "ansible-playbook",
		TargetsDir: targetsDir,
		Hosts:      "all",
		execCtx:    execcontext.New(envs, nil),
		log:        log.WithName("ansible"),
	}
}

// Run runs the project. A playbook with failed hosts returns an error
// wrapping session.ErrTestFailed; a cancelled context or an interrupted
// playbook returns an error wrapping session.ErrInterrupted.
func (r *Runner) Run(ctx context.Context, p Project) error {
	logFile, err := os.OpenFile(p.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	var out io.Writer = logFile
	if r.Output != nil {
		out = io.MultiWriter(logFile, r.Output)
	}

	args := []string{"-i", p.InventoryPath, p.PlaybookPath}
	if _, err := os.Stat(p.VarsPath); err == nil {
		args = append(args, "-e", "@"+p.VarsPath)
	}

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	execcontext.ApplyToCmd(r.execCtx, cmd)
	cmd.Dir = p.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	cmd.WaitDelay = interruptGrace

	line := execcontext.FormatCmd(r.execCtx, append([]string{r.Binary}, args...)...)
	log := r.log.WithValues("role", p.Role)
	log.Info("running playbook", "cmd", line, "log", p.LogPath)

	started := time.Now()
	runErr := cmd.Run()
	finished := time.Now()

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	if err := writeArtifact(p.ArtifactPath, artifact{
		Command:  line,
		Role:     p.Role,
		ExitCode: exitCode,
		Started:  started,
		Finished: finished,
		Duration: finished.Sub(started).Seconds(),
		LogPath:  p.LogPath,
	}); err != nil {
		log.Error(err, "failed to write playbook artifact")
	}

	log.Info("playbook finished", "exitCode", exitCode, "elapsed", finished.Sub(started).String())

	switch {
	case runErr == nil:
		return nil
	case ctx.Err() != nil:
		return errors.Join(session.ErrInterrupted, ctx.Err())
	case exitCode == exitInterrupted:
		return fmt.Errorf("%w: exit code %d", session.ErrInterrupted, exitCode)
	case exitCode == exitHostFailed:
		return fmt.Errorf("%w: %s: one or more hosts failed, see %s", session.ErrTestFailed, p.Role, p.LogPath)
	default:
		return errors.Join(ErrPlaybook, fmt.Errorf("%s: exit code %d, see %s", p.Role, exitCode, p.LogPath), runErr)
	}
}

// SessionFunc returns a session running target. The project is written to
// workDir/<role>.
func (r *Runner) SessionFunc(target suite.Target, workDir string) session.SessionFunc {
	return func(ctx context.Context, env session.Environment) error {
		p, err := r.Prepare(target, workDir, env)
		if err != nil {
			return err
		}
		return r.Run(ctx, p)
	}
}

// Prepare writes the project of target.
func (r *Runner) Prepare(target suite.Target, workDir string, env session.Environment) (Project, error) {
	hosts := r.Hosts
	if hosts == "" {
		hosts = "all"
	}

	p, err := WriteProject(filepath.Join(workDir, target.Role), target.Path, env.Inventory, hosts)
	if err != nil {
		return Project{}, err
	}

	fixtureDir, err := suite.FixtureDir(r.TargetsDir, target.Role)
	if err != nil {
		return Project{}, err
	}
	if err := WriteVars(p, TestVars(fixtureDir, r.Mode)); err != nil {
		return Project{}, err
	}
	return p, nil
}

type artifact struct {
	Command  string    `json:"command"`
	Role     string    `json:"role"`
	ExitCode int       `json:"exitCode"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Duration float64   `json:"duration"` // seconds
	LogPath  string    `json:"logPath"`
}

func writeArtifact(path string, a artifact) error {
	return writeJSON(path, a, 0o644)
}
