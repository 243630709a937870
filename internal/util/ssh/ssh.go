package ssh

import (
	"context"

	"github.com/alexandremahdhaoui/netbridge/pkg/execcontext"
)

// Runner defines the interface for executing commands on a remote host.
type Runner interface {
	Run(ctx context.Context, execCtx execcontext.Context, cmd ...string) (stdout, stderr string, err error)
}
