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

// Package metrics holds the Prometheus collectors of a netbridge run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "netbridge"

// Metrics is a registry-scoped set of collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	provisionDuration *prometheus.HistogramVec
	provisionErrors   *prometheus.CounterVec
	sessions          *prometheus.CounterVec
	teardownFailures  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		provisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Time spent acquiring a lab topology.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"backend"}),
		provisionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_errors_total",
			Help:      "Number of failed lab acquisitions.",
		}, []string{"backend"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Number of test sessions by outcome.",
		}, []string{"outcome"}),
		teardownFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_failures_total",
			Help:      "Number of lab releases that did not complete.",
		}, []string{"backend"}),
	}

	m.registry.MustRegister(m.provisionDuration, m.provisionErrors, m.sessions, m.teardownFailures)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveProvision(backend string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.provisionDuration.WithLabelValues(backend).Observe(d.Seconds())
	if err != nil {
		m.provisionErrors.WithLabelValues(backend).Inc()
	}
}

func (m *Metrics) ObserveSession(outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTeardownFailure(backend string) {
	if m == nil {
		return
	}
	m.teardownFailures.WithLabelValues(backend).Inc()
}

// WriteToTextfile writes the metrics in the text exposition format, for the
// node exporter textfile collector.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
