package session

import (
	"context"
	"errors"
	"fmt"
)

// Case is one test case of a session, such as one role of a collection.
type Case struct {
	Name string
	// LogPath references the case output in its Result.
	LogPath string
	Run     SessionFunc
}

// CaseReporter receives the outcome of every case, in order. res is nil
// when the case was interrupted or never ran; err then wraps
// ErrInterrupted.
type CaseReporter func(tc Case, res *Result, err error)

// Cases returns a SessionFunc running cases one after the other against the
// topology of a single session. Each case is classified on its own, like a
// session: a nil error is Passed, an ErrTestFailed is Failed, and any other
// error or a panic is Errored. Once interrupted, the remaining cases are
// reported interrupted without running.
//
// The returned error wraps ErrInterrupted after an interrupt and
// ErrTestFailed when a case did not pass.
func (c *Collector) Cases(cases []Case, report CaseReporter) SessionFunc {
	if report == nil {
		report = func(Case, *Result, error) {}
	}

	return func(ctx context.Context, env Environment) error {
		var topologyID string
		if env.Topology != nil {
			topologyID = env.Topology.ID
		}

		var (
			interrupted     error
			failed, errored int
		)
		for _, tc := range cases {
			if interrupted == nil && ctx.Err() != nil {
				interrupted = errors.Join(ErrInterrupted, ctx.Err())
			}
			if interrupted != nil {
				report(tc, nil, interrupted)
				continue
			}

			log := c.log.WithValues("topology", topologyID, "case", tc.Name)
			log.Info("running case")
			started := c.now()
			err := c.runSession(ctx, log, tc.Run, env)
			finished := c.now()

			if err != nil && (errors.Is(err, ErrInterrupted) || ctx.Err() != nil) {
				if !errors.Is(err, ErrInterrupted) {
					err = errors.Join(ErrInterrupted, err)
				}
				log.Info("case interrupted", "error", err.Error())
				interrupted = err
				report(tc, nil, err)
				continue
			}

			outcome := classify(err)
			switch outcome {
			case Failed:
				failed++
			case Errored:
				errored++
			}
			log.Info("case finished", "outcome", outcome, "elapsed", finished.Sub(started).String())
			report(tc, NewResult(outcome, err, tc.LogPath, topologyID, started, finished), nil)
		}

		switch {
		case interrupted != nil:
			return interrupted
		case failed > 0 || errored > 0:
			return fmt.Errorf("%w: %d of %d cases failed, %d errored", ErrTestFailed, failed, len(cases), errored)
		}
		return nil
	}
}
