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
	"crypto/rand"
	"errors"
	"fmt"
	"net"

	"k8s.io/utils/ptr"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrMarshalNetworkXML = errors.New("failed to marshal network XML")
	ErrMarshalDomainXML  = errors.New("failed to marshal domain XML")
)

// dhcpRange returns the first and last address handed out on the network.
// The range starts at .10 so that the low addresses stay free for the host.
func dhcpRange(cfg NetworkConfig) (string, string) {
	ip := net.ParseIP(cfg.Address).To4()
	mask := net.IPMask(net.ParseIP(cfg.Netmask).To4())

	first := ip.Mask(mask)
	first[3] += 10

	last := make(net.IP, 4)
	for i := range last {
		last[i] = ip[i]&mask[i] | ^mask[i]
	}
	last[3]--

	return first.String(), last.String()
}

// generateNetworkXML renders a NAT network with a DHCP server.
func generateNetworkXML(name string, cfg NetworkConfig) (string, error) {
	start, end := dhcpRange(cfg)

	network := &libvirtxml.Network{
		Name: name,
		Forward: &libvirtxml.NetworkForward{
			Mode: "nat",
		},
		// let libvirt pick the bridge name
		Bridge: &libvirtxml.NetworkBridge{
			STP: "on",
		},
		IPs: []libvirtxml.NetworkIP{
			{
				Address: cfg.Address,
				Netmask: cfg.Netmask,
				DHCP: &libvirtxml.NetworkDHCP{
					Ranges: []libvirtxml.NetworkDHCPRange{
						{Start: start, End: end},
					},
				},
			},
		},
	}

	xml, err := network.Marshal()
	if err != nil {
		return "", errors.Join(ErrMarshalNetworkXML, err)
	}
	return xml, nil
}

type domainConfig struct {
	Name       string
	MemoryMB   uint
	VCPUs      uint
	DiskPath   string
	Network    string
	MACAddress string
}

func generateDomainXML(cfg domainConfig) (string, error) {
	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: cfg.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: cfg.MemoryMB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: cfg.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "qcow2",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: cfg.DiskPath,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{
							Network: cfg.Network,
						},
					},
					MAC: &libvirtxml.DomainInterfaceMAC{
						Address: cfg.MACAddress,
					},
					Model: &libvirtxml.DomainInterfaceModel{
						Type: "virtio",
					},
				},
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: ptr.To(uint(0)),
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr.To(uint(0)),
					},
				},
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", errors.Join(ErrMarshalDomainXML, err)
	}
	return xml, nil
}

// generateMAC returns a random MAC address with the QEMU prefix 52:54:00.
func generateMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", buf[0], buf[1], buf[2]), nil
}
