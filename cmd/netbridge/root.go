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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alexandremahdhaoui/netbridge/internal/config"
	"github.com/alexandremahdhaoui/netbridge/internal/metrics"
	"github.com/alexandremahdhaoui/netbridge/internal/util/logging"
	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	"github.com/alexandremahdhaoui/netbridge/pkg/store"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

// exitError carries the exit code of a command that reported its own
// failure, such as a run with failed roles.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// app holds what the subcommands share. It is populated by the root
// command before any subcommand runs.
type app struct {
	configPath   string
	artifactsDir string
	backend      string
	verbose      bool

	config  *config.Config
	log     logr.Logger
	metrics *metrics.Metrics
	store   store.Store

	// logOutput receives the log lines. Defaults to stderr.
	logOutput io.Writer
	// provision replaces the configured backend when set.
	provision func() (lab.Provisioner, func(), error)
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "netbridge",
		Short: "Run Ansible network integration tests against virtual labs",
		Long: `netbridge provisions a virtual network lab on Cisco Modeling Labs or
libvirt, generates the Ansible inventory of its devices, runs the
integration test roles of a collection against it, and always tears the
lab down afterwards.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	cmd.SetVersionTemplate(`{{printf "netbridge version %s\n" .Version}}`)

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to the configuration file (defaults to $"+config.ConfigPathEnvKey+")")
	flags.StringVar(&a.artifactsDir, "artifacts-dir", "", "directory receiving projects, logs, reports and metrics")
	flags.StringVar(&a.backend, "backend", "", "lab backend: cml or libvirt")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable development logging")

	cmd.AddCommand(
		newRunCmd(a),
		newAcquireCmd(a),
		newReleaseCmd(a),
		newInventoryCmd(a),
		newListCmd(a),
		newVersionCmd(),
	)

	return cmd
}

// init loads the configuration, applies the flags and sets up logging,
// metrics and the topology store. The configuration is validated by the
// commands that talk to a backend.
func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.artifactsDir != "" {
		cfg.ArtifactsDir = a.artifactsDir
	}
	if a.backend != "" {
		cfg.Backend = a.backend
	}
	if a.verbose {
		cfg.DevelopmentMode = true
	}
	a.config = cfg

	opts := logging.DefaultOptions()
	opts.Development = cfg.DevelopmentMode
	if cfg.DevelopmentMode {
		opts.Level = slog.LevelDebug
	}
	if a.logOutput != nil {
		opts.Output = a.logOutput
	}
	a.log = logging.Setup(opts).WithName("netbridge")

	a.metrics = metrics.New()

	st, err := store.NewJSONStore(cfg.StoreDir)
	if err != nil {
		return err
	}
	a.store = st

	return nil
}

// execute runs the CLI and returns the process exit code.
func execute(args []string) int {
	cmd := newRootCmd(&app{})
	cmd.SetArgs(args)

	err := cmd.Execute()
	if err == nil {
		return 0
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}
