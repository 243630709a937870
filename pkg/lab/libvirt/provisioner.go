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

// Package libvirt provisions labs as local KVM domains attached to a
// dedicated NAT network. Devices are reached directly on their leased
// address.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrLeaseTimeout indicates some devices never obtained a DHCP lease.
var ErrLeaseTimeout = errors.New("devices did not obtain a DHCP lease")

// DirectPorts are the service ports of a device reached on its own address.
var DirectPorts = lab.Ports{SSH: 22, NETCONF: 830, HTTPS: 443, HTTP: 80}

// DefaultLeaseBackoff polls the leases every 5s for 5 minutes.
var DefaultLeaseBackoff = wait.Backoff{Duration: 5 * time.Second, Factor: 1.0, Steps: 60}

// Provisioner implements lab.Provisioner on a local libvirt daemon.
type Provisioner struct {
	hv    Hypervisor
	disks DiskCreator
	log   logr.Logger

	// DiskDir holds the overlay disks. Defaults to os.TempDir().
	DiskDir      string
	LeaseBackoff wait.Backoff
	// OnReleaseError, when set, is called with every teardown failure after
	// it has been logged.
	OnReleaseError func(topology *lab.Topology, err error)

	mu       sync.Mutex
	released map[string]struct{}
}

var (
	_ lab.Provisioner     = &Provisioner{}
	_ lab.CheckedReleaser = &Provisioner{}
)

func New(hv Hypervisor, disks DiskCreator, log logr.Logger) *Provisioner {
	return &Provisioner{
		hv:           hv,
		disks:        disks,
		log:          log.WithName("libvirt"),
		LeaseBackoff: DefaultLeaseBackoff,
		released:     make(map[string]struct{}),
	}
}

func domainName(topologyID, device string) string {
	return fmt.Sprintf("%s-%s", topologyID, device)
}

func (p *Provisioner) diskPath(domain string) string {
	dir := p.DiskDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, domain+".qcow2")
}

// Acquire implements lab.Provisioner.
func (p *Provisioner) Acquire(ctx context.Context, spec lab.Spec) (*lab.Topology, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	labFile, err := LoadLabFile(spec.LabFile)
	if err != nil {
		return nil, lab.NewProvisionError(lab.BackendLibvirt, "load lab file", errors.Join(lab.ErrInvalidSpec, err))
	}

	start := time.Now()
	topology := &lab.Topology{
		ID:      lab.NewTopologyID(),
		Backend: lab.BackendLibvirt,
	}
	topology.LabID = topology.ID
	log := p.log.WithValues("topology", topology.ID)

	// devices are recorded as soon as their domain may exist so that a
	// failed acquisition tears down exactly what it created.
	created := &lab.Topology{ID: topology.ID, Backend: topology.Backend}
	fail := func(op string, err error) (*lab.Topology, error) {
		p.Release(context.WithoutCancel(ctx), created)
		return nil, lab.NewProvisionError(lab.BackendLibvirt, op, err)
	}

	networkXML, err := generateNetworkXML(topology.LabID, labFile.Network)
	if err != nil {
		return nil, lab.NewProvisionError(lab.BackendLibvirt, "render network", err)
	}
	log.Info("creating network", "network", topology.LabID)
	if err := p.hv.CreateNetwork(networkXML); err != nil {
		return nil, lab.NewProvisionError(lab.BackendLibvirt, "create network", errors.Join(lab.ErrBackendUnreachable, err))
	}
	created.LabID = topology.LabID

	macs := make(map[string]string, len(labFile.Devices))
	for _, d := range labFile.Devices {
		if err := ctx.Err(); err != nil {
			return fail("create domains", err)
		}

		mac := d.MACAddress
		if mac == "" {
			if mac, err = generateMAC(); err != nil {
				return fail("create domains", err)
			}
		}
		macs[d.Name] = mac

		name := domainName(topology.ID, d.Name)
		disk := p.diskPath(name)
		log.Info("creating domain", "domain", name, "image", d.Image)

		created.Devices = append(created.Devices, lab.Device{Name: d.Name})
		if err := p.disks.CreateOverlay(ctx, d.Image, disk); err != nil {
			return fail("create disk", err)
		}

		domainXML, err := generateDomainXML(domainConfig{
			Name:       name,
			MemoryMB:   d.MemoryMB,
			VCPUs:      d.VCPUs,
			DiskPath:   disk,
			Network:    topology.LabID,
			MACAddress: mac,
		})
		if err != nil {
			return fail("render domain", err)
		}
		if err := p.hv.CreateDomain(domainXML); err != nil {
			return fail("create domain", err)
		}
	}

	addresses, err := p.waitForLeases(ctx, log, topology.LabID, macs)
	if err != nil {
		return fail("wait for leases", err)
	}

	for _, d := range labFile.Devices {
		role := d.Role
		if role == "" {
			role = spec.RoleOrDefault()
		}
		networkOS := d.NetworkOS
		if networkOS == "" {
			networkOS = spec.NetworkOS
		}
		topology.Devices = append(topology.Devices, lab.Device{
			Name:              d.Name,
			Role:              role,
			ManagementAddress: addresses[d.Name],
			Host:              addresses[d.Name],
			Ports:             DirectPorts,
			NetworkOS:         networkOS,
			Credentials:       spec.Credentials,
		})
	}
	topology.CreatedAt = time.Now()

	log.Info("lab provisioned", "devices", len(topology.Devices), "elapsed", time.Since(start).String())
	return topology, nil
}

// waitForLeases polls the network until every device MAC holds a lease and
// returns the device name to address map.
func (p *Provisioner) waitForLeases(ctx context.Context, log logr.Logger, network string, macs map[string]string) (map[string]string, error) {
	addresses := make(map[string]string, len(macs))

	err := wait.ExponentialBackoffWithContext(ctx, p.LeaseBackoff, func(context.Context) (bool, error) {
		leases, err := p.hv.DHCPLeases(network)
		if err != nil {
			return false, err
		}
		for name, mac := range macs {
			if ip, ok := leases[mac]; ok {
				addresses[name] = ip
			}
		}
		log.V(1).Info("polled DHCP leases", "leased", len(addresses), "devices", len(macs))
		return len(addresses) == len(macs), nil
	})
	if err != nil {
		if wait.Interrupted(err) && ctx.Err() == nil {
			var missing []string
			for name := range macs {
				if _, ok := addresses[name]; !ok {
					missing = append(missing, name)
				}
			}
			return nil, fmt.Errorf("%w: %v", ErrLeaseTimeout, missing)
		}
		return nil, err
	}
	return addresses, nil
}

// Release implements lab.Provisioner.
func (p *Provisioner) Release(ctx context.Context, topology *lab.Topology) {
	_ = p.ReleaseChecked(ctx, topology)
}

// ReleaseChecked implements lab.CheckedReleaser. Releasing a topology twice
// returns nil.
func (p *Provisioner) ReleaseChecked(_ context.Context, topology *lab.Topology) error {
	if topology == nil {
		return nil
	}
	log := p.log.WithValues("topology", topology.ID)

	p.mu.Lock()
	if _, ok := p.released[topology.ID]; ok {
		p.mu.Unlock()
		log.V(1).Info("topology already released")
		return nil
	}
	p.released[topology.ID] = struct{}{}
	p.mu.Unlock()

	var errs []error
	for _, d := range topology.Devices {
		name := domainName(topology.ID, d.Name)
		log.Info("destroying domain", "domain", name)
		if err := p.hv.DestroyDomain(name); err != nil {
			errs = append(errs, err)
			continue
		}
		disk := p.diskPath(name)
		if err := os.Remove(disk); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove disk %s: %w", disk, err))
		}
	}

	if topology.LabID != "" {
		log.Info("destroying network", "network", topology.LabID)
		if err := p.hv.DestroyNetwork(topology.LabID); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	log.Error(err, "failed to release lab")
	if p.OnReleaseError != nil {
		p.OnReleaseError(topology, err)
	}
	return err
}
