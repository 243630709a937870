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

// Package session runs a test session inside a scoped lab acquisition and
// classifies its outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/netbridge/pkg/inventory"
	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	"github.com/go-logr/logr"
)

var (
	// ErrTestFailed is wrapped by a SessionFunc error when the tests ran
	// and at least one of them failed.
	ErrTestFailed = errors.New("test session failed")
	// ErrInterrupted is wrapped by a SessionFunc error when the session was
	// aborted by the test framework. It propagates out of Collector.Run.
	ErrInterrupted = errors.New("test session interrupted")
	// ErrPanic wraps a panic raised by a SessionFunc.
	ErrPanic = errors.New("test session panicked")
)

// DefaultReleaseTimeout bounds the teardown of a topology.
const DefaultReleaseTimeout = 5 * time.Minute

// Environment is what a session runs against.
type Environment struct {
	Topology  *lab.Topology
	Inventory *inventory.Record
}

// SessionFunc runs the tests. See ErrTestFailed and ErrInterrupted for how
// its error is classified.
type SessionFunc func(ctx context.Context, env Environment) error

// Spec describes one session.
type Spec struct {
	Lab lab.Spec
	// ReleaseTimeout bounds the release of the topology. The release
	// context is detached from the session context so that it still runs
	// after an interrupt.
	ReleaseTimeout time.Duration
	// LogPath references the session output in the Result.
	LogPath string
}

// Materializer builds the inventory of a topology.
type Materializer interface {
	Materialize(topology *lab.Topology) (*inventory.Record, error)
}

// Recorder records session metrics.
type Recorder interface {
	ObserveProvision(backend string, d time.Duration, err error)
	ObserveSession(outcome string)
}

// TopologyStore records live topologies.
type TopologyStore interface {
	Save(topology *lab.Topology) error
	Delete(id string) error
}

// Option configures a Collector.
type Option func(*Collector)

func WithRecorder(r Recorder) Option {
	return func(c *Collector) { c.recorder = r }
}

func WithStore(s TopologyStore) Option {
	return func(c *Collector) { c.store = s }
}

// WithBackend sets the backend label of the provisioning metrics.
func WithBackend(name string) Option {
	return func(c *Collector) { c.backend = name }
}

// Collector runs sessions: acquire, materialize, run, release.
type Collector struct {
	provisioner  lab.Provisioner
	materializer Materializer
	log          logr.Logger

	backend  string
	recorder Recorder
	store    TopologyStore
	now      func() time.Time
}

func New(provisioner lab.Provisioner, materializer Materializer, log logr.Logger, opts ...Option) *Collector {
	c := &Collector{
		provisioner:  provisioner,
		materializer: materializer,
		log:          log.WithName("session"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run acquires a topology, runs fn against it and releases the topology
// exactly once, whatever fn does.
//
// Acquisition and materialization errors are returned as is and no Result
// is produced; an acquisition cut short by ctx wraps ErrInterrupted. An
// interrupted session returns its error after release.
// Otherwise the outcome of fn is reported in the Result: a nil error is
// Passed, an ErrTestFailed is Failed, and any other error or a panic is
// Errored.
func (c *Collector) Run(ctx context.Context, spec Spec, fn SessionFunc) (*Result, error) {
	start := c.now()

	topology, err := c.provisioner.Acquire(ctx, spec.Lab)
	c.observeProvision(c.now().Sub(start), err)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrInterrupted) {
			err = errors.Join(ErrInterrupted, err)
		}
		c.log.Error(err, "failed to acquire lab")
		return nil, err
	}

	log := c.log.WithValues("topology", topology.ID)
	c.saveTopology(log, topology)

	var once sync.Once
	release := func() {
		once.Do(func() {
			timeout := spec.ReleaseTimeout
			if timeout <= 0 {
				timeout = DefaultReleaseTimeout
			}
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()

			log.Info("releasing lab")
			if err := lab.ReleaseChecked(rctx, c.provisioner, topology); err != nil {
				log.Info("lab teardown failed, its record is kept for netbridge release", "error", err.Error())
				return
			}
			c.deleteTopology(log, topology)
		})
	}
	defer release()

	record, err := c.materializer.Materialize(topology)
	if err != nil {
		log.Error(err, "failed to materialize inventory")
		return nil, err
	}

	log.Info("running session", "hosts", record.Hosts())
	err = c.runSession(ctx, log, fn, Environment{Topology: topology, Inventory: record})
	release()
	finished := c.now()

	if err != nil && (errors.Is(err, ErrInterrupted) || ctx.Err() != nil) {
		if !errors.Is(err, ErrInterrupted) {
			err = errors.Join(ErrInterrupted, err)
		}
		log.Info("session interrupted", "error", err.Error())
		c.observeSession("interrupted")
		return nil, err
	}

	outcome := classify(err)
	log.Info("session finished", "outcome", outcome, "elapsed", finished.Sub(start).String())
	c.observeSession(string(outcome))
	return NewResult(outcome, err, spec.LogPath, topology.ID, start, finished), nil
}

// classify returns the outcome of a session or case that was not
// interrupted.
func classify(err error) Outcome {
	switch {
	case err == nil:
		return Passed
	case errors.Is(err, ErrTestFailed):
		return Failed
	default:
		return Errored
	}
}

func (c *Collector) runSession(ctx context.Context, log logr.Logger, fn SessionFunc, env Environment) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(nil, "session panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx, env)
}

func (c *Collector) observeProvision(d time.Duration, err error) {
	if c.recorder != nil {
		c.recorder.ObserveProvision(c.backend, d, err)
	}
}

func (c *Collector) observeSession(outcome string) {
	if c.recorder != nil {
		c.recorder.ObserveSession(outcome)
	}
}

func (c *Collector) saveTopology(log logr.Logger, topology *lab.Topology) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(topology); err != nil {
		log.Error(err, "failed to record topology")
	}
}

func (c *Collector) deleteTopology(log logr.Logger, topology *lab.Topology) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(topology.ID); err != nil {
		log.Error(err, "failed to forget topology")
	}
}
