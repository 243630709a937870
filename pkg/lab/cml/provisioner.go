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

// Package cml provisions labs on a Cisco Modeling Labs controller. Labs are
// driven through the cml CLI; device addresses are read from the hypervisor
// DHCP leases with virsh.
package cml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	"github.com/alexandremahdhaoui/netbridge/pkg/virsh"
	"github.com/go-logr/logr"
)

var (
	// ErrLabFileNotFound indicates the lab topology file does not exist.
	ErrLabFileNotFound = errors.New("lab file not found")
	// ErrLabID indicates the lab id could not be read from the cml output.
	ErrLabID = errors.New("could not get lab ID")
)

// "Starting lab xxx (ID: 9fde5f)\n"
var labIDRegexp = regexp.MustCompile(`(?s).*ID: (\S+)\)\n`)

// Discoverer finds the hypervisor domains of a lab and their addresses.
type Discoverer interface {
	FindDomains(ctx context.Context, labID string) ([]virsh.Domain, error)
	WaitForAddress(ctx context.Context, dom virsh.Domain) (string, error)
}

// Provisioner implements lab.Provisioner for CML.
type Provisioner struct {
	cli      CLI
	discover Discoverer
	host     string
	log      logr.Logger

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

// New returns a CML provisioner. host is the controller address the test
// runner connects to; the controller forwards device ports.
func New(cli CLI, discover Discoverer, host string, log logr.Logger) *Provisioner {
	return &Provisioner{
		cli:      cli,
		discover: discover,
		host:     host,
		log:      log.WithName("cml"),
		released: make(map[string]struct{}),
	}
}

// Acquire implements lab.Provisioner.
func (p *Provisioner) Acquire(ctx context.Context, spec lab.Spec) (*lab.Topology, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	if _, err := os.Stat(spec.LabFile); err != nil {
		return nil, lab.NewProvisionError(lab.BackendCML, "check lab file",
			errors.Join(lab.ErrInvalidSpec, fmt.Errorf("%w: %q", ErrLabFileNotFound, spec.LabFile), err))
	}

	start := time.Now()
	topology := &lab.Topology{
		ID:      lab.NewTopologyID(),
		Backend: lab.BackendCML,
	}
	log := p.log.WithValues("topology", topology.ID)

	labID, existed, err := p.bringUp(ctx, log, spec.LabFile)
	if err != nil {
		return nil, lab.NewProvisionError(lab.BackendCML, "bring up", err)
	}
	topology.LabID = labID
	topology.Preexisting = existed

	devices, err := p.devices(ctx, spec, labID)
	if err != nil {
		// the lab is up but unusable: do not leave it behind
		p.Release(context.WithoutCancel(ctx), topology)
		return nil, lab.NewProvisionError(lab.BackendCML, "discover devices", err)
	}
	topology.Devices = devices
	topology.CreatedAt = time.Now()

	log.Info("lab provisioned", "lab", labID, "devices", len(devices), "elapsed", time.Since(start).String())
	return topology, nil
}

// bringUp reuses the lab currently selected by the cml CLI or starts the one
// described by labFile.
func (p *Provisioner) bringUp(ctx context.Context, log logr.Logger, labFile string) (string, bool, error) {
	log.Info("check if lab is already provisioned")
	stdout, _, err := p.cli.Run(ctx, "id")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", false, errors.Join(lab.ErrBackendUnreachable, err)
		}
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
	}
	if m := labIDRegexp.FindStringSubmatch(stdout); m != nil {
		log.Info("using existing lab", "lab", m[1])
		return m[1], true, nil
	}

	log.Info("no lab currently provisioned")
	log.Info("bringing up lab", "file", labFile, "host", p.host)
	// --provision is not reliable on every controller version
	stdout, stderr, err := p.cli.Run(ctx, "up", "-f", labFile)
	log.V(1).Info("cml up", "stdout", stdout)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, errors.Join(ctx.Err(), err)
		}
		return "", false, errors.Join(lab.ErrBackendUnreachable, err)
	}

	m := labIDRegexp.FindStringSubmatch(stdout)
	if m == nil {
		return "", false, fmt.Errorf("%w: %s %s", ErrLabID, stdout, stderr)
	}
	log.Info("started lab", "lab", m[1])
	return m[1], false, nil
}

func (p *Provisioner) devices(ctx context.Context, spec lab.Spec, labID string) ([]lab.Device, error) {
	domains, err := p.discover.FindDomains(ctx, labID)
	if err != nil {
		return nil, err
	}
	virsh.SortDomains(domains)

	role := spec.RoleOrDefault()
	devices := make([]lab.Device, 0, len(domains))
	for i, dom := range domains {
		ip, err := p.discover.WaitForAddress(ctx, dom)
		if err != nil {
			return nil, err
		}
		ports, err := lab.PortsFromAddress(ip)
		if err != nil {
			return nil, err
		}

		name := role
		if len(domains) > 1 {
			name = fmt.Sprintf("%s%d", role, i+1)
		}

		devices = append(devices, lab.Device{
			Name:              name,
			Role:              role,
			ManagementAddress: ip,
			Host:              p.host,
			Ports:             ports,
			NetworkOS:         spec.NetworkOS,
			Credentials:       spec.Credentials,
		})
	}
	return devices, nil
}

// Release implements lab.Provisioner.
func (p *Provisioner) Release(ctx context.Context, topology *lab.Topology) {
	_ = p.ReleaseChecked(ctx, topology)
}

// ReleaseChecked implements lab.CheckedReleaser. Releasing a topology twice
// or a pre-existing lab returns nil.
func (p *Provisioner) ReleaseChecked(ctx context.Context, topology *lab.Topology) error {
	if topology == nil {
		return nil
	}
	log := p.log.WithValues("topology", topology.ID, "lab", topology.LabID)

	p.mu.Lock()
	if _, ok := p.released[topology.ID]; ok {
		p.mu.Unlock()
		log.V(1).Info("topology already released")
		return nil
	}
	p.released[topology.ID] = struct{}{}
	p.mu.Unlock()

	if topology.Preexisting {
		log.Info("lab existed before this session, please remember to remove it")
		return nil
	}
	if topology.LabID == "" {
		return nil
	}

	log.Info("deleting lab", "host", p.host)
	var errs []error
	stdout, _, err := p.cli.Run(ctx, "use", "--id", topology.LabID)
	log.V(1).Info("cml use", "stdout", stdout)
	if err != nil {
		errs = append(errs, err)
	} else {
		stdout, _, err = p.cli.Run(ctx, "rm", "--force", "--no-confirm")
		log.V(1).Info("cml rm", "stdout", stdout)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	err = errors.Join(errs...)
	log.Error(err, "failed to delete lab")
	if p.OnReleaseError != nil {
		p.OnReleaseError(topology, err)
	}
	return err
}
