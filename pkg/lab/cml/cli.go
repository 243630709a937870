package cml

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/alexandremahdhaoui/netbridge/pkg/execcontext"
)

// ErrCommand indicates the cml command exited with an error.
var ErrCommand = errors.New("cml command failed")

// CLI runs the cml command line client.
type CLI interface {
	Run(ctx context.Context, args ...string) (stdout, stderr string, err error)
}

// ExecCLI runs the cml binary found in PATH (or in the active virtualenv)
// with the controller credentials in its environment.
type ExecCLI struct {
	Binary  string
	execCtx execcontext.Context
}

// NewExecCLI returns a CLI authenticated against host.
func NewExecCLI(host, username, password string, verifyCert bool) *ExecCLI {
	verify := "False"
	if verifyCert {
		verify = "True"
	}
	return &ExecCLI{
		Binary: "cml",
		execCtx: execcontext.New(map[string]string{
			"VIRL_HOST":       host,
			"VIRL_USERNAME":   username,
			"VIRL_PASSWORD":   password,
			"CML_VERIFY_CERT": verify,
		}, nil),
	}
}

// Run implements CLI.
func (c *ExecCLI) Run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	execcontext.ApplyToCmd(c.execCtx, cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), stderr.String(), errors.Join(
			ErrCommand,
			fmt.Errorf("%s %s: %s", c.Binary, strings.Join(args, " "), strings.TrimSpace(stderr.String())),
			err,
		)
	}
	return stdout.String(), stderr.String(), nil
}
