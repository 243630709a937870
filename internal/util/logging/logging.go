// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides shared logging utilities for netbridge.
// It sets log/slog as the default logger and returns a logr.Logger backed by
// controller-runtime's zap integration, which is what every component
// receives by injection.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

const (
	// WorkerIDEnvKey identifies the worker when several netbridge processes
	// share a CI job.
	WorkerIDEnvKey = "NETBRIDGE_WORKER_ID"
	// xdistWorkerEnvKey is set by pytest-xdist when netbridge is invoked from
	// a pytest worker.
	xdistWorkerEnvKey = "PYTEST_XDIST_WORKER"
	defaultWorkerID   = "gw0"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (more verbose, human-readable).
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Output is where log lines are written. Defaults to os.Stderr so that
	// stdout stays usable for command output.
	Output io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
		Output:      os.Stderr,
	}
}

// WorkerID returns the id of the current worker.
func WorkerID() string {
	if id := os.Getenv(WorkerIDEnvKey); id != "" {
		return id
	}
	if id := os.Getenv(xdistWorkerEnvKey); id != "" {
		return id
	}
	return defaultWorkerID
}

// Setup configures both the standard library slog logger and controller-runtime logger.
// This must be called early in main().
//
// The returned logger is tagged with the worker id.
func Setup(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	if opts.Development {
		handler = tint.NewHandler(out, &tint.Options{
			Level:      opts.Level,
			TimeFormat: time.Kitchen,
			NoColor:    !IsTerminal(out),
		})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: opts.Level})
	}
	slog.SetDefault(slog.New(handler).With("worker", WorkerID()))

	zapOpts := zap.Options{
		Development: opts.Development,
		DestWriter:  out,
	}
	if opts.Level <= slog.LevelDebug {
		zapOpts.Development = true
	}
	logger := zap.New(zap.UseFlagOptions(&zapOpts)).WithValues("worker", WorkerID())
	ctrl.SetLogger(logger)

	return logger
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetupDefault sets up logging with default options.
func SetupDefault() logr.Logger {
	return Setup(DefaultOptions())
}

// SetupDevelopment sets up logging in development mode.
func SetupDevelopment() logr.Logger {
	return Setup(Options{
		Development: true,
		Level:       slog.LevelDebug,
		Output:      os.Stderr,
	})
}
