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

package gracefulshutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/go-logr/logr"
)

// ExitInterrupted is the exit code of a process stopped by a signal.
const ExitInterrupted = 130

// GracefulShutdown turns the first SIGINT or SIGTERM into a cancelled
// context so that running sessions stop and their labs are released. A
// second signal exits immediately.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string
	log    logr.Logger

	stopOnce    sync.Once
	wg          *sync.WaitGroup
	interrupted atomic.Bool

	signals <-chan os.Signal
	stop    func()
	done    chan struct{}

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// New creates a GracefulShutdown listening for SIGINT and SIGTERM.
func New(name string, log logr.Logger) *GracefulShutdown {
	return NewWithExit(name, log, os.Exit)
}

// NewWithExit creates a GracefulShutdown with a custom exit function.
// This is primarily useful for testing where os.Exit() would terminate the test process.
func NewWithExit(name string, log logr.Logger, exitFunc func(int)) *GracefulShutdown {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)

	gs := newWithSignals(name, log, sigs, exitFunc)
	gs.stop = func() { signal.Stop(sigs) }
	return gs
}

func newWithSignals(name string, log logr.Logger, sigs <-chan os.Signal, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := context.WithCancel(context.Background())

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		log:      log,
		wg:       &sync.WaitGroup{},
		signals:  sigs,
		stop:     func() {},
		done:     make(chan struct{}),
		exitFunc: exitFunc,
	}

	go gs.watch()

	return gs
}

func (s *GracefulShutdown) watch() {
	select {
	case sig := <-s.signals:
		s.interrupted.Store(true)
		s.log.Info("interrupt received, releasing labs: interrupt again to exit now", "name", s.name, "signal", sig.String())
		s.cancel()
	case <-s.done:
		return
	}

	select {
	case sig := <-s.signals:
		s.log.Info("second interrupt received, exiting without cleanup", "name", s.name, "signal", sig.String())
		s.exitFunc(ExitInterrupted)
	case <-s.done:
	}
}

// Context returns the context of the graceful shutdown.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the cancel function of the graceful shutdown.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// WaitGroup returns the wait group tracking work that must finish before
// the process exits, such as lab releases.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}

// Interrupted reports whether a signal was received.
func (s *GracefulShutdown) Interrupted() bool {
	return s.interrupted.Load()
}

// Shutdown cancels the context, waits for the wait group, stops listening
// for signals and returns the exit code the process should use: code, or
// ExitInterrupted if a signal was received.
func (s *GracefulShutdown) Shutdown(code int) int {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.done)
		s.stop()
	})

	if s.Interrupted() {
		return ExitInterrupted
	}
	return code
}
