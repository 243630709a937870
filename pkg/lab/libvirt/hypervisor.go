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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	golibvirt "libvirt.org/go/libvirt"
)

var (
	ErrConnect         = errors.New("failed to connect to libvirt")
	ErrDefineNetwork   = errors.New("failed to define libvirt network")
	ErrStartNetwork    = errors.New("failed to start libvirt network")
	ErrDestroyNetwork  = errors.New("failed to destroy libvirt network")
	ErrDefineDomain    = errors.New("failed to define domain")
	ErrStartDomain     = errors.New("failed to start domain")
	ErrDestroyDomain   = errors.New("failed to destroy domain")
	ErrGetDHCPLeases   = errors.New("failed to get DHCP leases")
	ErrCreateDiskImage = errors.New("failed to create disk image")
)

// DefaultURI is the libvirt URI used when none is configured.
const DefaultURI = "qemu:///system"

// Hypervisor is the subset of libvirt the provisioner needs. Destroy methods
// return nil when the object does not exist.
type Hypervisor interface {
	CreateNetwork(xml string) error
	DestroyNetwork(name string) error
	CreateDomain(xml string) error
	DestroyDomain(name string) error
	// DHCPLeases returns the leases of the network as a lowercase MAC to IP
	// map.
	DHCPLeases(network string) (map[string]string, error)
}

// Conn implements Hypervisor over a libvirt connection.
type Conn struct {
	conn *golibvirt.Connect
}

var _ Hypervisor = &Conn{}

// Connect opens a libvirt connection to uri.
func Connect(uri string) (*Conn, error) {
	if uri == "" {
		uri = DefaultURI
	}
	conn, err := golibvirt.NewConnect(uri)
	if err != nil {
		return nil, errors.Join(ErrConnect, fmt.Errorf("uri=%s", uri), err)
	}
	return &Conn{conn: conn}, nil
}

// Close closes the libvirt connection.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	_, err := c.conn.Close()
	return err
}

func isErrorCode(err error, code golibvirt.ErrorNumber) bool {
	var lverr golibvirt.Error
	return errors.As(err, &lverr) && lverr.Code == code
}

// CreateNetwork implements Hypervisor.
func (c *Conn) CreateNetwork(xml string) error {
	network, err := c.conn.NetworkDefineXML(xml)
	if err != nil {
		return errors.Join(ErrDefineNetwork, err)
	}
	defer func() { _ = network.Free() }()

	if err := network.Create(); err != nil {
		_ = network.Undefine()
		return errors.Join(ErrStartNetwork, err)
	}
	return nil
}

// DestroyNetwork implements Hypervisor.
func (c *Conn) DestroyNetwork(name string) error {
	network, err := c.conn.LookupNetworkByName(name)
	if err != nil {
		if isErrorCode(err, golibvirt.ERR_NO_NETWORK) {
			return nil
		}
		return errors.Join(ErrDestroyNetwork, err)
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return errors.Join(ErrDestroyNetwork, err)
	}
	if active {
		if err := network.Destroy(); err != nil {
			return errors.Join(ErrDestroyNetwork, err)
		}
	}
	if err := network.Undefine(); err != nil {
		return errors.Join(ErrDestroyNetwork, err)
	}
	return nil
}

// CreateDomain implements Hypervisor.
func (c *Conn) CreateDomain(xml string) error {
	dom, err := c.conn.DomainDefineXML(xml)
	if err != nil {
		return errors.Join(ErrDefineDomain, err)
	}
	defer func() { _ = dom.Free() }()

	if err := dom.Create(); err != nil {
		_ = dom.Undefine()
		return errors.Join(ErrStartDomain, err)
	}
	return nil
}

// DestroyDomain implements Hypervisor.
func (c *Conn) DestroyDomain(name string) error {
	dom, err := c.conn.LookupDomainByName(name)
	if err != nil {
		if isErrorCode(err, golibvirt.ERR_NO_DOMAIN) {
			return nil
		}
		return errors.Join(ErrDestroyDomain, fmt.Errorf("domain=%s", name), err)
	}
	defer func() { _ = dom.Free() }()

	state, _, err := dom.GetState()
	if err != nil {
		return errors.Join(ErrDestroyDomain, fmt.Errorf("domain=%s", name), err)
	}
	if state == golibvirt.DOMAIN_RUNNING || state == golibvirt.DOMAIN_PAUSED {
		if err := dom.Destroy(); err != nil {
			return errors.Join(ErrDestroyDomain, fmt.Errorf("domain=%s", name), err)
		}
	}
	if err := dom.Undefine(); err != nil {
		return errors.Join(ErrDestroyDomain, fmt.Errorf("domain=%s", name), err)
	}
	return nil
}

// DHCPLeases implements Hypervisor.
func (c *Conn) DHCPLeases(name string) (map[string]string, error) {
	network, err := c.conn.LookupNetworkByName(name)
	if err != nil {
		return nil, errors.Join(ErrGetDHCPLeases, err)
	}
	defer func() { _ = network.Free() }()

	leases, err := network.GetDHCPLeases()
	if err != nil {
		return nil, errors.Join(ErrGetDHCPLeases, err)
	}

	out := make(map[string]string, len(leases))
	for _, l := range leases {
		if l.Type != golibvirt.IP_ADDR_TYPE_IPV4 {
			continue
		}
		out[strings.ToLower(l.Mac)] = l.IPaddr
	}
	return out, nil
}

// DiskCreator creates the disk of a device.
type DiskCreator interface {
	CreateOverlay(ctx context.Context, backingFile, path string) error
}

// QemuImg creates qcow2 overlay disks with qemu-img.
type QemuImg struct {
	Binary string
}

var _ DiskCreator = QemuImg{}

// CreateOverlay implements DiskCreator.
func (q QemuImg) CreateOverlay(ctx context.Context, backingFile, path string) error {
	binary := q.Binary
	if binary == "" {
		binary = "qemu-img"
	}

	cmd := exec.CommandContext(ctx, binary,
		"create",
		"-f", "qcow2",
		"-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", backingFile),
		path,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return errors.Join(ErrCreateDiskImage, fmt.Errorf("output: %s", strings.TrimSpace(out.String())), err)
	}
	return nil
}
