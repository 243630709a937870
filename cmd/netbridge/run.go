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

package main

import (
	"context"
	"path/filepath"

	"github.com/alexandremahdhaoui/netbridge/internal/report"
	"github.com/alexandremahdhaoui/netbridge/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/netbridge/pkg/ansible"
	"github.com/alexandremahdhaoui/netbridge/pkg/inventory"
	"github.com/alexandremahdhaoui/netbridge/pkg/session"
	"github.com/alexandremahdhaoui/netbridge/pkg/suite"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		testsPath string
		labFile   string
		roles     []string
	)

	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"ansible-network-integration"},
		Short:   "Run the integration test roles of a collection",
		Long: `Run discovers the roles under --integration-tests-path and runs them in
one session: a lab is acquired, its inventory is written, every role is
played with ansible-playbook in turn, and the lab is released whatever
happens. Each role gets its own outcome. Reports and metrics are written
to the artifacts directory.

The command exits with 1 when a role failed or errored, and with 130 when
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if testsPath != "" {
				a.config.IntegrationTestsPath = testsPath
			}
			if labFile != "" {
				a.config.LabFile = labFile
			}
			if len(roles) > 0 {
				a.config.Roles = roles
			}
			if err := a.config.ValidateRun(); err != nil {
				return err
			}

			code, err := a.run(cmd)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&testsPath, "integration-tests-path", "", "directory holding one sub-directory per integration test role")
	flags.StringVar(&labFile, "cml-lab", "", "lab definition file: a CML topology or a netbridge libvirt lab")
	flags.StringArrayVar(&roles, "role", nil, "run only the roles matching this name or glob (repeatable)")
	_ = cmd.MarkFlagRequired("integration-tests-path")

	return cmd
}

// run runs every selected role and returns the exit code of the run.
func (a *app) run(cmd *cobra.Command) (int, error) {
	cfg := a.config

	targetsDir, err := filepath.Abs(cfg.IntegrationTestsPath)
	if err != nil {
		return 0, err
	}
	targets, err := suite.Discover(targetsDir)
	if err != nil {
		return 0, err
	}
	targets, err = suite.Select(targets, cfg.Roles)
	if err != nil {
		return 0, err
	}

	gs := gracefulshutdown.New("netbridge", a.log)
	ctx := gs.Context()

	provisioner, closeProvisioner, err := a.newProvisioner()
	if err != nil {
		return gs.Shutdown(0), err
	}
	defer closeProvisioner()

	collector := session.New(provisioner, a.materializer(), a.log,
		session.WithBackend(cfg.Backend),
		session.WithRecorder(a.metrics),
		session.WithStore(a.store),
	)

	runner := ansible.NewRunner(targetsDir, nil, a.log)
	runner.Mode = cfg.TestMode
	runner.Output = cmd.OutOrStdout()

	rep := report.New(uuid.NewString(), cfg.Backend)
	reporter := report.NewReporter(cfg.ArtifactsDir, cmd.OutOrStdout())
	workDir := filepath.Join(cfg.ArtifactsDir, rep.ID)

	cases := make([]session.Case, 0, len(targets))
	for _, target := range targets {
		fn := runner.SessionFunc(target, workDir)
		cases = append(cases, session.Case{
			Name:    target.Role,
			LogPath: ansible.NewProject(filepath.Join(workDir, target.Role), target.Role).LogPath,
			Run: func(ctx context.Context, env session.Environment) (err error) {
				reporter.Group(target.Role, func() { err = fn(ctx, env) })
				return err
			},
		})
	}

	reported := make(map[string]bool, len(cases))
	suiteFn := collector.Cases(cases, func(tc session.Case, res *session.Result, err error) {
		reported[tc.Name] = true
		if err != nil {
			a.log.Error(err, "role did not complete", "role", tc.Name)
		}
		rep.Add(tc.Name, res, err)
	})

	spec := session.Spec{
		Lab:            cfg.LabSpec(),
		ReleaseTimeout: cfg.ReleaseTimeout.Duration,
		LogPath:        workDir,
	}

	a.log.Info("starting run", "run", rep.ID, "backend", cfg.Backend, "roles", len(targets), "artifacts", workDir)

	_, sessionErr := a.runSession(ctx, gs, collector, spec, suiteFn)
	if sessionErr != nil {
		a.log.Error(sessionErr, "session did not complete")
	}
	// roles that never ran, because the lab could not be acquired or
	// materialized, share the session error
	for _, tc := range cases {
		if !reported[tc.Name] {
			rep.Add(tc.Name, nil, sessionErr)
		}
	}
	rep.Finish()

	a.writeArtifacts(reporter, rep)
	reporter.PrintReport(rep)

	code := 0
	if !rep.Passed() {
		code = 1
	}
	return gs.Shutdown(code), nil
}

// runSession runs one session, holding the shutdown wait group so that an
// interrupted process waits for the release of the lab.
func (a *app) runSession(
	ctx context.Context,
	gs *gracefulshutdown.GracefulShutdown,
	collector *session.Collector,
	spec session.Spec,
	fn session.SessionFunc,
) (*session.Result, error) {
	gs.WaitGroup().Add(1)
	defer gs.WaitGroup().Done()

	return collector.Run(ctx, spec, fn)
}

func (a *app) writeArtifacts(reporter *report.Reporter, rep *report.Report) {
	for _, format := range []report.Format{report.FormatJSON, report.FormatText} {
		path, err := reporter.WriteReport(rep, format)
		if err != nil {
			a.log.Error(err, "failed to write report", "format", format)
			continue
		}
		a.log.Info("report written", "path", path)
	}

	if err := a.metrics.WriteToTextfile(filepath.Join(a.config.ArtifactsDir, "metrics.prom")); err != nil {
		a.log.Error(err, "failed to write metrics")
	}
}

func (a *app) materializer() inventory.Materializer {
	return inventory.Materializer{RequiredRoles: a.config.InventoryRoles()}
}
