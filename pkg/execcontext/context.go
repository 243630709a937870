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

// Package execcontext carries the environment and command prefix applied to
// every external command netbridge runs, locally or over SSH.
package execcontext

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

// VirtualEnvKey is the variable set by an activated Python virtualenv. Tools
// such as cml and ansible-playbook are usually installed there.
const VirtualEnvKey = "VIRTUAL_ENV"

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// WithEnvs returns a copy of ctx whose environment is extended by envs.
// Keys in envs win over keys already present in ctx.
func WithEnvs(ctx Context, envs map[string]string) Context {
	merged := ctx.Envs()
	if merged == nil {
		merged = make(map[string]string, len(envs))
	}
	maps.Copy(merged, envs)
	return New(merged, ctx.PrependCmd())
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Environ returns the process environment with the virtualenv bin directory
// prepended to PATH when a virtualenv is active, followed by the envs of ctx.
// The result is suitable for exec.Cmd.Env.
func Environ(ctx Context) []string {
	base := os.Environ()
	if venv := os.Getenv(VirtualEnvKey); venv != "" {
		path := filepath.Join(venv, "bin") + string(os.PathListSeparator) + os.Getenv("PATH")
		base = slices.DeleteFunc(base, func(kv string) bool {
			return strings.HasPrefix(kv, "PATH=")
		})
		base = append(base, "PATH="+path)
	}

	envs := ctx.Envs()
	keys := slices.Sorted(maps.Keys(envs))
	for _, k := range keys {
		base = append(base, fmt.Sprintf("%s=%s", k, envs[k]))
	}
	return base
}

// ApplyToCmd sets the environment of cmd and rewrites it so that it runs
// behind the prepend command of ctx (e.g. "sudo").
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	cmd.Env = Environ(ctx)

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
}

// FormatCmd renders cmd as a single shell line, used when the command runs on
// a remote host.
func FormatCmd(ctx Context, cmd ...string) string {
	var sb strings.Builder

	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		fmt.Fprintf(&sb, "%s=%q ", k, envs[k])
	}

	for _, s := range ctx.PrependCmd() {
		safelyAppendToCmd(&sb, s)
	}

	for _, s := range cmd {
		safelyAppendToCmd(&sb, s)
	}

	return strings.TrimSpace(sb.String())
}

var unquotable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"|":  {},
	"&":  {},
}

func safelyAppendToCmd(sb *strings.Builder, s string) {
	if _, ok := unquotable[s]; ok {
		fmt.Fprintf(sb, "%s ", s)
		return
	}
	fmt.Fprintf(sb, "%q ", s)
}
