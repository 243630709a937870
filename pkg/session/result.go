package session

import (
	"encoding/json"
	"time"
)

// Outcome is the outcome of a test session.
type Outcome string

const (
	Passed  Outcome = "passed"
	Failed  Outcome = "failed"
	Errored Outcome = "errored"
)

// Result is the immutable result of one session.
type Result struct {
	outcome    Outcome
	err        error
	logPath    string
	topologyID string
	started    time.Time
	finished   time.Time
}

// NewResult returns a Result. It is exported for reporters and tests; the
// Collector is the only producer during a run.
func NewResult(outcome Outcome, err error, logPath, topologyID string, started, finished time.Time) *Result {
	return &Result{
		outcome:    outcome,
		err:        err,
		logPath:    logPath,
		topologyID: topologyID,
		started:    started,
		finished:   finished,
	}
}

func (r *Result) Outcome() Outcome        { return r.outcome }
func (r *Result) Err() error              { return r.err }
func (r *Result) LogPath() string         { return r.logPath }
func (r *Result) TopologyID() string      { return r.topologyID }
func (r *Result) Started() time.Time      { return r.started }
func (r *Result) Finished() time.Time     { return r.finished }
func (r *Result) Duration() time.Duration { return r.finished.Sub(r.started) }

type resultJSON struct {
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	LogPath    string    `json:"logPath,omitempty"`
	TopologyID string    `json:"topologyID"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
	Duration   float64   `json:"duration"` // seconds
}

// MarshalJSON implements json.Marshaler.
func (r *Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Outcome:    r.outcome,
		LogPath:    r.logPath,
		TopologyID: r.topologyID,
		Started:    r.started,
		Finished:   r.finished,
		Duration:   r.Duration().Seconds(),
	}
	if r.err != nil {
		out.Error = r.err.Error()
	}
	return json.Marshal(out)
}
