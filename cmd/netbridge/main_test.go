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
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/netbridge/internal/config"
	"github.com/alexandremahdhaoui/netbridge/internal/util/testutil"
	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	"github.com/alexandremahdhaoui/netbridge/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupConfig writes a configuration using a temporary store and returns
// the store directory.
func setupConfig(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"VIRL_HOST", "VIRL_USERNAME", "VIRL_PASSWORD", "CML_SSH_USER", "CML_SSH_PASSWORD",
		"CML_SSH_PORT", "ANSIBLE_NETWORK_OS", "NETBRIDGE_ARTIFACTS_DIR", "NETBRIDGE_DEV_MODE", "LIBVIRT_URI"} {
		t.Setenv(k, "")
	}

	dir := t.TempDir()
	storeDir := filepath.Join(dir, "store")
	configPath := filepath.Join(dir, "netbridge.yaml")
	content := "storeDir: " + storeDir + "\nartifactsDir: " + filepath.Join(dir, "artifacts") + "\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	t.Setenv(config.ConfigPathEnvKey, configPath)

	return storeDir
}

func executeCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&app{logOutput: io.Discard})
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func saveTopology(t *testing.T, storeDir string) *lab.Topology {
	t.Helper()
	st, err := store.NewJSONStore(storeDir)
	require.NoError(t, err)

	topology := testutil.NewApplianceTopology("nb-0123456789ab")
	require.NoError(t, st.Save(topology))
	return topology
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd(&app{})

	assert.Equal(t, "netbridge", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.True(t, cmd.SilenceUsage)

	found := map[string]bool{}
	for _, c := range cmd.Commands() {
		found[c.Name()] = true
	}
	for _, name := range []string{"run", "acquire", "release", "inventory", "list", "version"} {
		assert.True(t, found[name], "missing subcommand %s", name)
	}
}

func TestVersionCommand(t *testing.T) {
	// the version command must not need a configuration
	t.Setenv(config.ConfigPathEnvKey, filepath.Join(t.TempDir(), "missing.yaml"))

	out, err := executeCmd(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "netbridge version dev\n", out)
}

func TestListCommand(t *testing.T) {
	storeDir := setupConfig(t)

	out, err := executeCmd(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.NotContains(t, out, "nb-")

	saveTopology(t, storeDir)
	out, err = executeCmd(t, "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"nb-0123456789ab", "cml", "9fde5f", "1", "2025-11-16T10:30:00Z"}, strings.Fields(lines[1]))
}

func TestInventoryCommand(t *testing.T) {
	storeDir := setupConfig(t)
	topology := saveTopology(t, storeDir)

	t.Run("json", func(t *testing.T) {
		out, err := executeCmd(t, "inventory", topology.ID)
		require.NoError(t, err)

		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &doc))
		assert.Contains(t, out, `"ansible_port": 2014`)
		assert.Contains(t, out, `"ansible_network_os": "cisco.ios.ios"`)
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := executeCmd(t, "inventory", topology.ID, "--format", "yaml")
		require.NoError(t, err)
		assert.Contains(t, out, "ansible_port: 2014")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := executeCmd(t, "inventory", topology.ID, "-o", "ini")
		assert.ErrorIs(t, err, errUnknownFormat)
	})

	t.Run("unknown topology", func(t *testing.T) {
		_, err := executeCmd(t, "inventory", "nb-ffffffffffff")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestReleaseCommand_NotFound(t *testing.T) {
	setupConfig(t)

	_, err := executeCmd(t, "release", "nb-ffffffffffff")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = executeCmd(t, "release")
	assert.Error(t, err)
}

func TestReleaseCommand_InvalidConfig(t *testing.T) {
	storeDir := setupConfig(t)
	topology := saveTopology(t, storeDir)

	// the cml credentials are missing: nothing is released nor forgotten
	_, err := executeCmd(t, "release", topology.ID)
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	st, err := store.NewJSONStore(storeDir)
	require.NoError(t, err)
	_, err = st.Load(topology.ID)
	assert.NoError(t, err)
}

func TestRunCommand_Validation(t *testing.T) {
	setupConfig(t)

	_, err := executeCmd(t, "run")
	assert.ErrorContains(t, err, "integration-tests-path")

	_, err = executeCmd(t, "run", "--integration-tests-path", t.TempDir(), "--backend", "libvirt")
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.ErrorContains(t, err, "labFile")
}

func TestExecute(t *testing.T) {
	setupConfig(t)

	assert.Equal(t, 0, execute([]string{"version"}))
	assert.Equal(t, 1, execute([]string{"inventory", "nb-ffffffffffff"}))
}

func TestExitError(t *testing.T) {
	err := error(&exitError{code: 130})
	var exitErr *exitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 130, exitErr.code)
	assert.Equal(t, "exit code 130", err.Error())
}
