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

package libvirt

import (
	"errors"
	"fmt"
	"net"
	"os"

	"sigs.k8s.io/yaml"
)

var (
	ErrReadLabFile    = errors.New("failed to read lab file")
	ErrParseLabFile   = errors.New("failed to parse lab file")
	ErrInvalidLabFile = errors.New("invalid lab file")
)

const (
	defaultMemoryMB       = 2048
	defaultVCPUs          = 2
	defaultNetworkAddress = "192.168.150.1"
	defaultNetmask        = "255.255.255.0"
)

// LabFile describes a local lab.
//
//	network:
//	  address: 192.168.150.1
//	devices:
//	  - name: r1
//	    role: appliance
//	    image: /var/lib/netbridge/images/csr1000v.qcow2
//	    memoryMB: 4096
type LabFile struct {
	Network NetworkConfig  `json:"network,omitempty"`
	Devices []DeviceConfig `json:"devices"`
}

// NetworkConfig is the NAT network the devices are attached to.
type NetworkConfig struct {
	// Address is the host side address of the network.
	Address string `json:"address,omitempty"`
	Netmask string `json:"netmask,omitempty"`
}

// DeviceConfig describes one device of a local lab.
type DeviceConfig struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
	// Image is the qcow2 image the device disk is an overlay of.
	Image    string `json:"image"`
	MemoryMB uint   `json:"memoryMB,omitempty"`
	VCPUs    uint   `json:"vcpus,omitempty"`
	// MACAddress is generated when empty.
	MACAddress string `json:"macAddress,omitempty"`
	// NetworkOS overrides the ansible_network_os of the lab spec.
	NetworkOS string `json:"networkOS,omitempty"`
}

// LoadLabFile reads, defaults and validates the lab file at path.
func LoadLabFile(path string) (*LabFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrReadLabFile, err)
	}

	lf := &LabFile{}
	if err := yaml.UnmarshalStrict(b, lf); err != nil {
		return nil, errors.Join(ErrParseLabFile, fmt.Errorf("%s: %w", path, err))
	}

	lf.SetDefaults()
	if err := lf.Validate(); err != nil {
		return nil, err
	}
	return lf, nil
}

// SetDefaults fills unset fields and writes MAC addresses in the lowercase
// colon form libvirt reports leases with.
func (lf *LabFile) SetDefaults() {
	if lf.Network.Address == "" {
		lf.Network.Address = defaultNetworkAddress
	}
	if lf.Network.Netmask == "" {
		lf.Network.Netmask = defaultNetmask
	}
	for i := range lf.Devices {
		d := &lf.Devices[i]
		if d.MemoryMB == 0 {
			d.MemoryMB = defaultMemoryMB
		}
		if d.VCPUs == 0 {
			d.VCPUs = defaultVCPUs
		}
		if hw, err := net.ParseMAC(d.MACAddress); err == nil {
			d.MACAddress = hw.String()
		}
	}
}

// Validate returns all the problems of the lab file at once.
func (lf *LabFile) Validate() error {
	var errs []error

	if len(lf.Devices) == 0 {
		errs = append(errs, errors.New("at least one device is required"))
	}
	if ip := net.ParseIP(lf.Network.Address); ip == nil || ip.To4() == nil {
		errs = append(errs, fmt.Errorf("network.address %q is not an IPv4 address", lf.Network.Address))
	}
	if ip := net.ParseIP(lf.Network.Netmask); ip == nil || ip.To4() == nil {
		errs = append(errs, fmt.Errorf("network.netmask %q is not an IPv4 netmask", lf.Network.Netmask))
	}

	seen := make(map[string]struct{}, len(lf.Devices))
	for i, d := range lf.Devices {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("devices[%d].name is required", i))
		} else if _, ok := seen[d.Name]; ok {
			errs = append(errs, fmt.Errorf("devices[%d].name %q is duplicated", i, d.Name))
		}
		seen[d.Name] = struct{}{}

		if d.Image == "" {
			errs = append(errs, fmt.Errorf("devices[%d].image is required", i))
		}
		if d.MACAddress != "" {
			if hw, err := net.ParseMAC(d.MACAddress); err != nil {
				errs = append(errs, fmt.Errorf("devices[%d].macAddress: %w", i, err))
			} else if len(hw) != 6 {
				errs = append(errs, fmt.Errorf("devices[%d].macAddress %q is not an EUI-48 address", i, d.MACAddress))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidLabFile}, errs...)...)
	}
	return nil
}
