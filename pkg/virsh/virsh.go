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

// Package virsh discovers the libvirt domains of a lab and their DHCP leases
// by running virsh on the hypervisor host.
package virsh

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/netbridge/internal/util/ssh"
	"github.com/alexandremahdhaoui/netbridge/pkg/execcontext"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"libvirt.org/go/libvirtxml"
)

var (
	// ErrDomainNotFound indicates no domain of the lab was found.
	ErrDomainNotFound = errors.New("could not find lab domain")
	// ErrLeaseNotFound indicates no DHCP lease matched the lab domain.
	ErrLeaseNotFound = errors.New("could not find DHCP lease")
	// ErrMultipleAddresses indicates a domain holds more than one lease.
	ErrMultipleAddresses = errors.New("found more than one address")
	// ErrVirshCommand indicates a failure to execute a virsh command.
	ErrVirshCommand = errors.New("virsh command failed")
	// ErrParseDomainXML indicates dumpxml returned an unparsable document.
	ErrParseDomainXML = errors.New("failed to parse domain XML")
)

// DefaultNetwork is the libvirt network CML attaches lab nodes to.
const DefaultNetwork = "default"

var domainIDRegexp = regexp.MustCompile(`^\s(\d+)`)

// Poll configures a polling loop: Attempts tries, Interval apart.
type Poll struct {
	Attempts int
	Interval time.Duration
}

func (p Poll) backoff() wait.Backoff {
	return wait.Backoff{Duration: p.Interval, Factor: 1.0, Steps: p.Attempts}
}

// Defaults observed to cover a cold boot of a CML node.
var (
	DefaultDomainPoll = Poll{Attempts: 10, Interval: 5 * time.Second}
	DefaultLeasePoll  = Poll{Attempts: 30, Interval: 10 * time.Second}
)

// Domain is a running libvirt domain.
type Domain struct {
	// ID is the virsh id of the running domain.
	ID  string
	XML libvirtxml.Domain
}

// MACs returns the MAC addresses of the domain interfaces.
func (d *Domain) MACs() []string {
	if d.XML.Devices == nil {
		return nil
	}
	var macs []string
	for _, iface := range d.XML.Devices.Interfaces {
		if iface.MAC != nil && iface.MAC.Address != "" {
			macs = append(macs, strings.ToLower(iface.MAC.Address))
		}
	}
	return macs
}

// Client runs virsh through an ssh.Runner.
type Client struct {
	runner  ssh.Runner
	execCtx execcontext.Context
	log     logr.Logger

	Network    string
	DomainPoll Poll
	LeasePoll  Poll
}

// NewClient returns a client running virsh with sudo on the remote host.
func NewClient(runner ssh.Runner, log logr.Logger) *Client {
	return &Client{
		runner:     runner,
		execCtx:    execcontext.New(nil, []string{"sudo"}),
		log:        log.WithName("virsh"),
		Network:    DefaultNetwork,
		DomainPoll: DefaultDomainPoll,
		LeasePoll:  DefaultLeasePoll,
	}
}

func (c *Client) virsh(ctx context.Context, args ...string) (string, error) {
	cmd := append([]string{"virsh"}, args...)
	stdout, stderr, err := c.runner.Run(ctx, c.execCtx, cmd...)
	if err != nil {
		return "", errors.Join(ErrVirshCommand, fmt.Errorf("%s: %s", strings.Join(cmd, " "), strings.TrimSpace(stderr)), err)
	}
	return stdout, nil
}

// ListIDs returns the virsh ids of the running domains.
func (c *Client) ListIDs(ctx context.Context) ([]string, error) {
	stdout, err := c.virsh(ctx, "list", "--all")
	if err != nil {
		return nil, err
	}
	return parseDomainIDs(stdout), nil
}

// FindDomains polls the hypervisor until at least one domain whose
// definition mentions labID is found.
func (c *Client) FindDomains(ctx context.Context, labID string) ([]Domain, error) {
	var found []Domain
	attempt := 0

	err := wait.ExponentialBackoffWithContext(ctx, c.DomainPoll.backoff(), func(ctx context.Context) (bool, error) {
		c.log.Info("looking up lab domains", "lab", labID, "attempt", attempt)
		attempt++

		ids, err := c.ListIDs(ctx)
		if err != nil {
			return false, err
		}

		for _, id := range ids {
			xml, err := c.virsh(ctx, "dumpxml", id)
			if err != nil {
				return false, err
			}
			if !strings.Contains(xml, labID) {
				continue
			}

			var dom libvirtxml.Domain
			if err := dom.Unmarshal(xml); err != nil {
				return false, errors.Join(ErrParseDomainXML, err)
			}
			c.log.V(1).Info("found lab domain", "lab", labID, "domain", id, "name", dom.Name)
			found = append(found, Domain{ID: id, XML: dom})
		}

		return len(found) > 0, nil
	})
	if err != nil {
		if wait.Interrupted(err) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: lab %s", ErrDomainNotFound, labID)
		}
		return nil, err
	}

	return found, nil
}

// Leases returns the DHCP leases of the client network as a MAC to IP map.
func (c *Client) Leases(ctx context.Context) (map[string]string, error) {
	stdout, err := c.virsh(ctx, "net-dhcp-leases", c.Network)
	if err != nil {
		return nil, err
	}
	return ParseLeases(stdout), nil
}

// WaitForAddress polls the DHCP leases until the domain holds one. A domain
// holding several leases is an error.
func (c *Client) WaitForAddress(ctx context.Context, dom Domain) (string, error) {
	macs := dom.MACs()
	c.log.Info("waiting for a DHCP lease", "domain", dom.ID, "macs", macs)

	var ips []string
	attempt := 0

	err := wait.ExponentialBackoffWithContext(ctx, c.LeasePoll.backoff(), func(ctx context.Context) (bool, error) {
		c.log.Info("get DHCP lease", "domain", dom.ID, "attempt", attempt)
		attempt++

		leases, err := c.Leases(ctx)
		if err != nil {
			return false, err
		}

		ips = ips[:0]
		for _, mac := range macs {
			if ip, ok := leases[mac]; ok {
				ips = append(ips, ip)
			}
		}
		return len(ips) > 0, nil
	})
	if err != nil {
		if wait.Interrupted(err) && ctx.Err() == nil {
			return "", fmt.Errorf("%w: domain %s macs %v", ErrLeaseNotFound, dom.ID, macs)
		}
		return "", err
	}

	if len(ips) > 1 {
		return "", fmt.Errorf("%w: domain %s: %v", ErrMultipleAddresses, dom.ID, ips)
	}

	c.log.V(1).Info("found address", "domain", dom.ID, "ip", ips[0])
	return ips[0], nil
}

func parseDomainIDs(out string) []string {
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		if m := domainIDRegexp.FindStringSubmatch(line); m != nil {
			ids = append(ids, m[1])
		}
	}
	return ids
}

// ParseLeases parses the table printed by `virsh net-dhcp-leases`.
//
//	Expiry Time           MAC address         Protocol   IP address          Hostname   Client ID or DUID
//	2024-01-01 10:00:00   52:54:00:aa:bb:cc   ipv4       192.168.122.14/24   router     01:52:54:00:aa:bb:cc
func ParseLeases(out string) map[string]string {
	leases := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 7 {
			continue
		}
		ip, _, _ := strings.Cut(fields[4], "/")
		leases[strings.ToLower(fields[2])] = ip
	}
	return leases
}

// SortDomains orders domains by their numeric virsh id.
func SortDomains(domains []Domain) {
	slices.SortFunc(domains, func(a, b Domain) int {
		if len(a.ID) != len(b.ID) {
			return len(a.ID) - len(b.ID)
		}
		return strings.Compare(a.ID, b.ID)
	})
}
