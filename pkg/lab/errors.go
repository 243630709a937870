package lab

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBackendUnreachable indicates the lab backend could not be contacted.
	ErrBackendUnreachable = errors.New("lab backend unreachable")
	// ErrTimeout indicates the topology was not ready in time.
	ErrTimeout = errors.New("lab provisioning timed out")
	// ErrInvalidSpec indicates the lab spec cannot be provisioned.
	ErrInvalidSpec = errors.New("invalid lab spec")
)

// ProvisionError is returned by Provisioner.Acquire.
type ProvisionError struct {
	Backend string
	Op      string
	Err     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s lab: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the acquisition failed because it ran out of time.
func (e *ProvisionError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout) || errors.Is(e.Err, context.DeadlineExceeded)
}

// NewProvisionError wraps err for the given backend and operation. A context
// deadline is reported as ErrTimeout.
func NewProvisionError(backend, op string, err error) *ProvisionError {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = errors.Join(ErrTimeout, err)
	}
	return &ProvisionError{Backend: backend, Op: op, Err: err}
}
