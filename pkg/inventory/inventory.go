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

// Package inventory turns a lab topology into an Ansible inventory.
package inventory

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
)

var (
	ErrNilTopology     = errors.New("topology is nil")
	ErrNoDevices       = errors.New("topology has no devices")
	ErrInvalidDevice   = errors.New("invalid device")
	ErrDuplicateDevice = errors.New("duplicate device name")
	ErrMissingRole     = errors.New("no device for required role")
	ErrNameConflict    = errors.New("role group and device share a name")
)

// MaterializationError is returned when a topology cannot be turned into a
// well-formed inventory.
type MaterializationError struct {
	// Role is the required role that has no device, if any.
	Role string
	// Device is the offending device, if any.
	Device string
	Err    error
}

func (e *MaterializationError) Error() string {
	switch {
	case e.Role != "":
		return fmt.Sprintf("materialize inventory: role %q: %v", e.Role, e.Err)
	case e.Device != "":
		return fmt.Sprintf("materialize inventory: device %q: %v", e.Device, e.Err)
	default:
		return fmt.Sprintf("materialize inventory: %v", e.Err)
	}
}

func (e *MaterializationError) Unwrap() error {
	return e.Err
}

// ConnectionVars are the connection settings shared by every host.
type ConnectionVars struct {
	Connection        string
	SSHType           string
	PythonInterpreter string
	Become            bool
	ImportModules     bool
}

// DefaultConnectionVars connects with network_cli over libssh.
func DefaultConnectionVars() ConnectionVars {
	return ConnectionVars{
		Connection:        "ansible.netcommon.network_cli",
		SSHType:           "libssh",
		PythonInterpreter: "python",
		Become:            false,
		ImportModules:     true,
	}
}

// Materializer builds inventory records. The zero value requires the
// lab.DefaultRole and uses DefaultConnectionVars.
type Materializer struct {
	RequiredRoles  []string
	ConnectionVars *ConnectionVars
}

func (m Materializer) requiredRoles() []string {
	if m.RequiredRoles == nil {
		return []string{lab.DefaultRole}
	}
	return m.RequiredRoles
}

// Materialize returns the inventory of topology. It does not modify
// topology and has no side effect.
func (m Materializer) Materialize(topology *lab.Topology) (*Record, error) {
	if topology == nil {
		return nil, &MaterializationError{Err: ErrNilTopology}
	}
	if len(topology.Devices) == 0 {
		return nil, &MaterializationError{Err: ErrNoDevices}
	}

	conn := DefaultConnectionVars()
	if m.ConnectionVars != nil {
		conn = *m.ConnectionVars
	}

	r := &Record{
		topologyID: topology.ID,
		hosts:      make(map[string]map[string]any, len(topology.Devices)),
		groups:     make(map[string][]string),
		vars:       make(map[string]any),
	}

	networkOSes := make(map[string]struct{})
	for _, d := range topology.Devices {
		networkOSes[d.NetworkOS] = struct{}{}
	}
	sharedOS := len(networkOSes) == 1

	for i, d := range topology.Devices {
		switch {
		case d.Name == "":
			return nil, &MaterializationError{Err: fmt.Errorf("%w: devices[%d] has no name", ErrInvalidDevice, i)}
		case d.Role == "":
			return nil, &MaterializationError{Device: d.Name, Err: fmt.Errorf("%w: no role", ErrInvalidDevice)}
		case d.Host == "":
			return nil, &MaterializationError{Device: d.Name, Err: fmt.Errorf("%w: no host", ErrInvalidDevice)}
		}
		if _, ok := r.hosts[d.Name]; ok {
			return nil, &MaterializationError{Device: d.Name, Err: ErrDuplicateDevice}
		}

		hv := hostVars(d, conn)
		if !sharedOS && d.NetworkOS != "" {
			hv["ansible_network_os"] = d.NetworkOS
		}
		r.hosts[d.Name] = hv
		r.groups[d.Role] = append(r.groups[d.Role], d.Name)
	}

	for _, role := range m.requiredRoles() {
		if len(r.groups[role]) == 0 {
			return nil, &MaterializationError{Role: role, Err: ErrMissingRole}
		}
	}

	// Ansible warns about a group and a host of the same name. A role held only
	// by a device of that name is addressed through the device.
	for role, hosts := range r.groups {
		if _, ok := r.hosts[role]; !ok {
			continue
		}
		if len(hosts) == 1 && hosts[0] == role {
			delete(r.groups, role)
			continue
		}
		return nil, &MaterializationError{Role: role, Device: role, Err: ErrNameConflict}
	}

	for role := range r.groups {
		slices.Sort(r.groups[role])
	}
	if sharedOS && topology.Devices[0].NetworkOS != "" {
		r.vars["ansible_network_os"] = topology.Devices[0].NetworkOS
	}

	return r, nil
}

func hostVars(d lab.Device, conn ConnectionVars) map[string]any {
	return map[string]any{
		"ansible_host":                   d.Host,
		"ansible_user":                   d.Credentials.Username,
		"ansible_password":               d.Credentials.Password,
		"ansible_port":                   d.Ports.SSH,
		"ansible_httpapi_port":           d.Ports.HTTP,
		"ansible_become":                 conn.Become,
		"ansible_connection":             conn.Connection,
		"ansible_network_cli_ssh_type":   conn.SSHType,
		"ansible_python_interpreter":     conn.PythonInterpreter,
		"ansible_network_import_modules": conn.ImportModules,
	}
}

// Record is an immutable Ansible inventory.
type Record struct {
	topologyID string
	// hosts maps a host name to its variables.
	hosts map[string]map[string]any
	// groups maps a role to the sorted names of its hosts.
	groups map[string][]string
	// vars are the variables of the all group.
	vars map[string]any
}

// TopologyID returns the id of the topology the record was built from.
func (r *Record) TopologyID() string { return r.topologyID }

// Hosts returns the sorted host names.
func (r *Record) Hosts() []string {
	return slices.Sorted(maps.Keys(r.hosts))
}

// HostVars returns a copy of the variables of host.
func (r *Record) HostVars(host string) (map[string]any, bool) {
	hv, ok := r.hosts[host]
	if !ok {
		return nil, false
	}
	return maps.Clone(hv), true
}

// Groups returns the sorted group names. A role whose only device is named
// after it has no group.
func (r *Record) Groups() []string {
	return slices.Sorted(maps.Keys(r.groups))
}

// GroupHosts returns the hosts of group.
func (r *Record) GroupHosts(group string) []string {
	return slices.Clone(r.groups[group])
}

// Vars returns a copy of the variables of the all group.
func (r *Record) Vars() map[string]any {
	return maps.Clone(r.vars)
}

// Pattern returns the host pattern selecting every host of the given roles,
// or "all" when no role is given.
func (r *Record) Pattern(roles ...string) string {
	if len(roles) == 0 {
		return "all"
	}
	return strings.Join(roles, ":")
}
