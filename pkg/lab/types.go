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

package lab

import (
	"context"
	"time"
)

// DefaultRole is the role given to devices when the lab does not name one.
const DefaultRole = "appliance"

// Backend names.
const (
	BackendCML     = "cml"
	BackendLibvirt = "libvirt"
)

// Provisioner creates and destroys lab topologies on a lab-simulation backend.
type Provisioner interface {
	// Acquire brings up the lab described by spec. Failures caused by an
	// unreachable backend or a timeout are reported as *ProvisionError.
	// Acquire never retries; callers decide whether to try again.
	Acquire(ctx context.Context, spec Spec) (*Topology, error)

	// Release tears the topology down. It is idempotent and never fails:
	// problems are logged so that they cannot mask the test outcome.
	Release(ctx context.Context, topology *Topology)
}

// CheckedReleaser is implemented by provisioners that can tell whether a
// release tore everything down. ReleaseChecked behaves like Release and
// returns the teardown failure instead of only logging it, so that callers
// keep track of a lab that may have leaked.
type CheckedReleaser interface {
	ReleaseChecked(ctx context.Context, topology *Topology) error
}

// ReleaseChecked releases topology with p and returns the teardown failure
// when p is a CheckedReleaser. Otherwise it returns nil.
func ReleaseChecked(ctx context.Context, p Provisioner, topology *Topology) error {
	if cr, ok := p.(CheckedReleaser); ok {
		return cr.ReleaseChecked(ctx, topology)
	}
	p.Release(ctx, topology)
	return nil
}

// Spec describes the lab to acquire.
type Spec struct {
	// LabFile is the backend-specific lab definition (CML topology YAML or
	// netbridge libvirt lab YAML).
	LabFile string `json:"labFile"`

	// Timeout bounds the whole acquisition. Zero means no timeout beyond ctx.
	Timeout time.Duration `json:"timeout,omitempty"`

	// NetworkOS is the ansible_network_os of the devices (e.g. cisco.ios.ios).
	NetworkOS string `json:"networkOS"`

	// Role is assigned to discovered devices that have no role of their own.
	Role string `json:"role,omitempty"`

	// Credentials are the device login credentials.
	Credentials Credentials `json:"credentials"`
}

// RoleOrDefault returns the configured role or DefaultRole.
func (s Spec) RoleOrDefault() string {
	if s.Role == "" {
		return DefaultRole
	}
	return s.Role
}

// Topology is a provisioned virtual network lab.
type Topology struct {
	// ID is the netbridge id of this topology, unique per session.
	ID string `json:"id"`

	// Backend is the name of the provisioner that created the topology.
	Backend string `json:"backend"`

	// LabID is the id of the lab on the backend.
	LabID string `json:"labID"`

	// Devices are the nodes of the lab reachable by the test runner.
	Devices []Device `json:"devices"`

	// Preexisting is true when the lab was already running before Acquire.
	// Such labs are never removed by Release.
	Preexisting bool `json:"preexisting,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// DevicesWithRole returns the devices having the given role.
func (t *Topology) DevicesWithRole(role string) []Device {
	var out []Device
	for _, d := range t.Devices {
		if d.Role == role {
			out = append(out, d)
		}
	}
	return out
}

// Device is one node of a topology.
type Device struct {
	Name string `json:"name"`
	Role string `json:"role"`

	// ManagementAddress is the address leased to the device on the lab network.
	ManagementAddress string `json:"managementAddress"`

	// Host is the address the test runner connects to. On CML this is the
	// controller, which forwards Ports to the device.
	Host string `json:"host"`

	Ports       Ports       `json:"ports"`
	NetworkOS   string      `json:"networkOS"`
	Credentials Credentials `json:"credentials"`
}

// Ports are the service ports of a device as seen from Host.
type Ports struct {
	SSH     int `json:"ssh"`
	HTTP    int `json:"http"`
	HTTPS   int `json:"https"`
	NETCONF int `json:"netconf"`
}

// Credentials are login credentials.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
