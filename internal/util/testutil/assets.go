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

package testutil

import (
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
)

const (
	ControllerHost = "cml.example.com"
	NetworkOS      = "cisco.ios.ios"
)

// Credentials are the device credentials of the test topologies.
var Credentials = lab.Credentials{Username: "ansible", Password: "ansible"}

// CreatedAt is the creation time of the test topologies.
var CreatedAt = time.Date(2025, 11, 16, 10, 30, 0, 0, time.UTC)

// NewDevice returns a device behind the CML controller. Its management
// address ends with octet, and its ports are forwarded accordingly.
func NewDevice(name, role string, octet int) lab.Device {
	address := fmt.Sprintf("192.168.255.%d", octet)
	ports, err := lab.PortsFromAddress(address)
	if err != nil {
		panic(err)
	}

	return lab.Device{
		Name:              name,
		Role:              role,
		ManagementAddress: address,
		Host:              ControllerHost,
		Ports:             ports,
		NetworkOS:         NetworkOS,
		Credentials:       Credentials,
	}
}

// NewTopology returns a CML topology holding devices.
func NewTopology(id string, devices ...lab.Device) *lab.Topology {
	return &lab.Topology{
		ID:        id,
		Backend:   lab.BackendCML,
		LabID:     "9fde5f",
		Devices:   devices,
		CreatedAt: CreatedAt,
	}
}

// NewApplianceTopology returns a topology with a single appliance.
func NewApplianceTopology(id string) *lab.Topology {
	return NewTopology(id, NewDevice(lab.DefaultRole, lab.DefaultRole, 14))
}
