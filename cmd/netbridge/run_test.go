//go:build unit

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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/netbridge/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/netbridge/internal/util/testutil"
	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	"github.com/alexandremahdhaoui/netbridge/pkg/store"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAnsiblePlaybook fails the hosts of any playbook including the
// ios_broken role.
const fakeAnsiblePlaybook = `#!/bin/sh
case "$(cat "$3")" in
*ios_broken*)
	echo "fatal: [appliance]: FAILED!"
	exit 2
	;;
esac
echo "ok: [appliance]"
`

// fakeProvisioner hands out appliance topologies and counts the calls it
// receives. acquireHook runs before a topology is returned.
type fakeProvisioner struct {
	mu          sync.Mutex
	acquired    []string
	released    []string
	acquireHook func(ctx context.Context) error
	releaseErr  error
}

func (f *fakeProvisioner) Acquire(ctx context.Context, _ lab.Spec) (*lab.Topology, error) {
	if f.acquireHook != nil {
		if err := f.acquireHook(ctx); err != nil {
			return nil, err
		}
	}

	topology := testutil.NewApplianceTopology(lab.NewTopologyID())
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, topology.ID)
	return topology, nil
}

func (f *fakeProvisioner) Release(ctx context.Context, topology *lab.Topology) {
	_ = f.ReleaseChecked(ctx, topology)
}

func (f *fakeProvisioner) ReleaseChecked(_ context.Context, topology *lab.Topology) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, topology.ID)
	return f.releaseErr
}

type runReport struct {
	Summary struct {
		Total       int `json:"total"`
		Passed      int `json:"passed"`
		Failed      int `json:"failed"`
		Errored     int `json:"errored"`
		Interrupted int `json:"interrupted"`
	} `json:"summary"`
	Entries []struct {
		Role       string `json:"role"`
		Outcome    string `json:"outcome"`
		Error      string `json:"error"`
		TopologyID string `json:"topologyID"`
	} `json:"entries"`
}

// setupRun returns an app whose runs use p, the fake ansible-playbook and
// an integration tests path holding roles.
func setupRun(t *testing.T, p *fakeProvisioner, roles ...string) *app {
	t.Helper()
	setupConfig(t)
	t.Setenv("ANSIBLE_NETWORK_TEST_MODE", "")
	t.Setenv("GITHUB_ACTIONS", "")

	binDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "ansible-playbook"), []byte(fakeAnsiblePlaybook), 0o755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	targetsDir := filepath.Join(t.TempDir(), "tests", "integration", "targets")
	for _, role := range roles {
		require.NoError(t, os.MkdirAll(filepath.Join(targetsDir, role, "tasks"), 0o755))
	}

	a := &app{
		logOutput: io.Discard,
		backend:   lab.BackendLibvirt,
		provision: func() (lab.Provisioner, func(), error) { return p, func() {}, nil },
	}
	require.NoError(t, a.init())
	a.config.IntegrationTestsPath = targetsDir
	a.config.LabFile = filepath.Join(targetsDir, "lab.yaml")
	a.config.NetworkOS = testutil.NetworkOS
	require.NoError(t, a.config.ValidateRun())

	return a
}

func readRunReport(t *testing.T, a *app) runReport {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(a.config.ArtifactsDir, "report.json"))
	require.NoError(t, err)

	var r runReport
	require.NoError(t, json.Unmarshal(b, &r))
	return r
}

func runApp(t *testing.T, a *app) int {
	t.Helper()
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	code, err := a.run(cmd)
	require.NoError(t, err)
	return code
}

func assertStoreEmpty(t *testing.T, a *app) {
	t.Helper()
	topologies, err := a.store.List()
	require.NoError(t, err)
	assert.Empty(t, topologies)
}

func TestRun_Passed(t *testing.T) {
	p := &fakeProvisioner{}
	a := setupRun(t, p, "ios_vlans", "ios_interfaces")

	assert.Equal(t, 0, runApp(t, a))

	require.Len(t, p.acquired, 1)
	assert.Equal(t, p.acquired, p.released)
	assertStoreEmpty(t, a)

	r := readRunReport(t, a)
	assert.Equal(t, 2, r.Summary.Total)
	assert.Equal(t, 2, r.Summary.Passed)
	for _, e := range r.Entries {
		assert.Equal(t, "passed", e.Outcome, e.Role)
		assert.Equal(t, p.acquired[0], e.TopologyID, e.Role)
	}

	for _, name := range []string{"report.json", "report.txt", "metrics.prom"} {
		assert.FileExists(t, filepath.Join(a.config.ArtifactsDir, name))
	}
}

func TestRun_FailedRole(t *testing.T) {
	p := &fakeProvisioner{}
	a := setupRun(t, p, "ios_broken", "ios_vlans")

	assert.Equal(t, 1, runApp(t, a))

	// one lab serves every role
	require.Len(t, p.acquired, 1)
	assert.Equal(t, p.acquired, p.released)
	assertStoreEmpty(t, a)

	r := readRunReport(t, a)
	require.Len(t, r.Entries, 2)
	assert.Equal(t, "ios_broken", r.Entries[0].Role)
	assert.Equal(t, "failed", r.Entries[0].Outcome)
	assert.Contains(t, r.Entries[0].Error, "one or more hosts failed")
	assert.Equal(t, "ios_vlans", r.Entries[1].Role)
	assert.Equal(t, "passed", r.Entries[1].Outcome)
	assert.Equal(t, 1, r.Summary.Failed)
	assert.Equal(t, 1, r.Summary.Passed)
}

func TestRun_AcquireFailed(t *testing.T) {
	p := &fakeProvisioner{acquireHook: func(context.Context) error {
		return lab.NewProvisionError(lab.BackendLibvirt, "define network", errors.New("connection refused"))
	}}
	a := setupRun(t, p, "ios_vlans", "ios_interfaces")

	assert.Equal(t, 1, runApp(t, a))
	assert.Empty(t, p.released)

	r := readRunReport(t, a)
	assert.Equal(t, 2, r.Summary.Errored)
	for _, e := range r.Entries {
		assert.Contains(t, e.Error, "connection refused", e.Role)
	}
}

func TestRun_InterruptedDuringAcquire(t *testing.T) {
	p := &fakeProvisioner{acquireHook: func(ctx context.Context) error {
		require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			return errors.New("interrupt was not delivered")
		}
		return lab.NewProvisionError(lab.BackendLibvirt, "wait for leases", ctx.Err())
	}}
	a := setupRun(t, p, "ios_vlans", "ios_interfaces")

	assert.Equal(t, gracefulshutdown.ExitInterrupted, runApp(t, a))
	assertStoreEmpty(t, a)

	r := readRunReport(t, a)
	assert.Equal(t, 2, r.Summary.Interrupted)
	for _, e := range r.Entries {
		assert.Equal(t, "interrupted", e.Outcome, e.Role)
	}
}

func TestReleaseCommand_TeardownFailureKeepsTopology(t *testing.T) {
	storeDir := setupConfig(t)
	for k, v := range map[string]string{
		"VIRL_HOST": "cml.example.com", "VIRL_USERNAME": "admin", "VIRL_PASSWORD": "secret",
		"CML_SSH_USER": "sysadmin", "CML_SSH_PASSWORD": "secret",
	} {
		t.Setenv(k, v)
	}
	topology := saveTopology(t, storeDir)

	release := func(p *fakeProvisioner) (string, error) {
		var out bytes.Buffer
		cmd := newRootCmd(&app{
			logOutput: io.Discard,
			provision: func() (lab.Provisioner, func(), error) { return p, func() {}, nil },
		})
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"release", topology.ID})
		err := cmd.Execute()
		return out.String(), err
	}

	st, err := store.NewJSONStore(storeDir)
	require.NoError(t, err)

	_, err = release(&fakeProvisioner{releaseErr: errors.New("domain busy")})
	require.ErrorContains(t, err, "domain busy")
	_, err = st.Load(topology.ID)
	assert.NoError(t, err, "the topology must stay in the store")

	out, err := release(&fakeProvisioner{})
	require.NoError(t, err)
	assert.Equal(t, "released "+topology.ID+"\n", out)
	_, err = st.Load(topology.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
