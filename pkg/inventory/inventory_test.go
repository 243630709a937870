//go:build unit

package inventory

import (
	"encoding/json"
	"testing"

	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

func device(name, role, ip string) lab.Device {
	ports, _ := lab.PortsFromAddress(ip)
	return lab.Device{
		Name:              name,
		Role:              role,
		ManagementAddress: ip,
		Host:              "cml.example.com",
		Ports:             ports,
		NetworkOS:         "cisco.ios.ios",
		Credentials:       lab.Credentials{Username: "ansible", Password: "secret"},
	}
}

func twoDeviceTopology() *lab.Topology {
	return &lab.Topology{
		ID: "nb-20240101-000000-abcdef12",
		Devices: []lab.Device{
			device("r2", "appliance", "192.168.255.12"),
			device("sw1", "switch", "192.168.255.30"),
		},
	}
}

func TestMaterialize(t *testing.T) {
	topo := twoDeviceTopology()
	r, err := Materializer{}.Materialize(topo)
	require.NoError(t, err)

	assert.Equal(t, topo.ID, r.TopologyID())
	assert.Equal(t, []string{"r2", "sw1"}, r.Hosts())
	assert.Equal(t, []string{"appliance", "switch"}, r.Groups())
	assert.Equal(t, []string{"r2"}, r.GroupHosts("appliance"))
	assert.Equal(t, []string{"sw1"}, r.GroupHosts("switch"))
	assert.Equal(t, map[string]any{"ansible_network_os": "cisco.ios.ios"}, r.Vars())

	hv, ok := r.HostVars("r2")
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"ansible_host":                   "cml.example.com",
		"ansible_user":                   "ansible",
		"ansible_password":               "secret",
		"ansible_port":                   2012,
		"ansible_httpapi_port":           8012,
		"ansible_become":                 false,
		"ansible_connection":             "ansible.netcommon.network_cli",
		"ansible_network_cli_ssh_type":   "libssh",
		"ansible_python_interpreter":     "python",
		"ansible_network_import_modules": true,
	}, hv)

	_, ok = r.HostVars("missing")
	assert.False(t, ok)
}

func TestMaterialize_IsPure(t *testing.T) {
	topo := twoDeviceTopology()
	before, err := json.Marshal(topo)
	require.NoError(t, err)

	r1, err := Materializer{}.Materialize(topo)
	require.NoError(t, err)
	r2, err := Materializer{}.Materialize(topo)
	require.NoError(t, err)

	after, err := json.Marshal(topo)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))

	j1, _ := json.Marshal(r1)
	j2, _ := json.Marshal(r2)
	assert.JSONEq(t, string(j1), string(j2))
}

func TestRecord_IsImmutable(t *testing.T) {
	r, err := Materializer{}.Materialize(twoDeviceTopology())
	require.NoError(t, err)

	hv, _ := r.HostVars("r2")
	hv["ansible_host"] = "evil"
	r.Vars()["ansible_network_os"] = "evil"
	r.GroupHosts("appliance")[0] = "evil"

	hv, _ = r.HostVars("r2")
	assert.Equal(t, "cml.example.com", hv["ansible_host"])
	assert.Equal(t, "cisco.ios.ios", r.Vars()["ansible_network_os"])
	assert.Equal(t, []string{"r2"}, r.GroupHosts("appliance"))
}

func TestMaterialize_MixedNetworkOS(t *testing.T) {
	topo := twoDeviceTopology()
	topo.Devices[1].NetworkOS = "arista.eos.eos"

	r, err := Materializer{}.Materialize(topo)
	require.NoError(t, err)

	assert.Empty(t, r.Vars())
	hv, _ := r.HostVars("sw1")
	assert.Equal(t, "arista.eos.eos", hv["ansible_network_os"])
}

func TestMaterialize_Errors(t *testing.T) {
	tests := []struct {
		name     string
		m        Materializer
		topology func() *lab.Topology
		wantErr  error
		wantRole string
	}{
		{
			name:     "nil topology",
			topology: func() *lab.Topology { return nil },
			wantErr:  ErrNilTopology,
		},
		{
			name:     "no devices",
			topology: func() *lab.Topology { return &lab.Topology{ID: "x"} },
			wantErr:  ErrNoDevices,
		},
		{
			name:     "missing default role",
			m:        Materializer{},
			topology: func() *lab.Topology { return &lab.Topology{Devices: []lab.Device{device("sw1", "switch", "10.0.0.1")}} },
			wantErr:  ErrMissingRole,
			wantRole: "appliance",
		},
		{
			name:     "missing required role",
			m:        Materializer{RequiredRoles: []string{"appliance", "peer"}},
			topology: twoDeviceTopology,
			wantErr:  ErrMissingRole,
			wantRole: "peer",
		},
		{
			name: "duplicate name",
			topology: func() *lab.Topology {
				topo := twoDeviceTopology()
				topo.Devices[1].Name = "r2"
				return topo
			},
			wantErr: ErrDuplicateDevice,
		},
		{
			name: "empty host",
			topology: func() *lab.Topology {
				topo := twoDeviceTopology()
				topo.Devices[0].Host = ""
				return topo
			},
			wantErr: ErrInvalidDevice,
		},
		{
			name: "empty role",
			topology: func() *lab.Topology {
				topo := twoDeviceTopology()
				topo.Devices[0].Role = ""
				return topo
			},
			wantErr: ErrInvalidDevice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := tt.m.Materialize(tt.topology())
			assert.Nil(t, r)

			var merr *MaterializationError
			require.ErrorAs(t, err, &merr)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantRole, merr.Role)
		})
	}
}

func TestMaterialize_NoRequiredRoles(t *testing.T) {
	topo := &lab.Topology{Devices: []lab.Device{device("sw1", "switch", "10.0.0.1")}}
	_, err := Materializer{RequiredRoles: []string{}}.Materialize(topo)
	assert.NoError(t, err)
}

func TestRecord_MarshalJSON(t *testing.T) {
	r, err := Materializer{}.Materialize(twoDeviceTopology())
	require.NoError(t, err)

	b, err := json.Marshal(r)
	require.NoError(t, err)

	var doc struct {
		All struct {
			Hosts    map[string]map[string]any `json:"hosts"`
			Vars     map[string]any            `json:"vars"`
			Children map[string]struct {
				Hosts map[string]any `json:"hosts"`
			} `json:"children"`
		} `json:"all"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))

	assert.Len(t, doc.All.Hosts, 2)
	assert.Equal(t, float64(2030), doc.All.Hosts["sw1"]["ansible_port"])
	assert.Equal(t, "cisco.ios.ios", doc.All.Vars["ansible_network_os"])
	assert.Contains(t, doc.All.Children["appliance"].Hosts, "r2")
	assert.Contains(t, doc.All.Children["switch"].Hosts, "sw1")
}

func TestRecord_YAML(t *testing.T) {
	r, err := Materializer{}.Materialize(twoDeviceTopology())
	require.NoError(t, err)

	b, err := r.YAML()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(b, &doc))
	all := doc["all"].(map[string]any)
	assert.Contains(t, all["hosts"], "r2")
	assert.Contains(t, all["children"], "appliance")

	// YAML and JSON describe the same inventory
	j, err := json.Marshal(r)
	require.NoError(t, err)
	fromYAML, err := yaml.YAMLToJSON(b)
	require.NoError(t, err)
	assert.JSONEq(t, string(j), string(fromYAML))
}

func TestMaterialize_DeviceNamedAfterItsRole(t *testing.T) {
	topo := &lab.Topology{ID: "nb-1", Devices: []lab.Device{device("appliance", "appliance", "192.168.255.14")}}

	r, err := Materializer{}.Materialize(topo)
	require.NoError(t, err)
	assert.Equal(t, []string{"appliance"}, r.Hosts())
	assert.Empty(t, r.Groups())
	assert.Equal(t, "appliance", r.Pattern("appliance"))

	b, err := json.Marshal(r)
	require.NoError(t, err)
	var doc struct {
		All struct {
			Hosts    map[string]any `json:"hosts"`
			Children map[string]any `json:"children"`
		} `json:"all"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Contains(t, doc.All.Hosts, "appliance")
	assert.NotContains(t, doc.All.Children, "appliance")
}

func TestMaterialize_NameConflict(t *testing.T) {
	topo := &lab.Topology{Devices: []lab.Device{
		device("spine", "spine", "10.0.0.1"),
		device("spine2", "spine", "10.0.0.2"),
	}}

	_, err := Materializer{RequiredRoles: []string{"spine"}}.Materialize(topo)
	require.ErrorIs(t, err, ErrNameConflict)
	var mErr *MaterializationError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "spine", mErr.Role)
}
