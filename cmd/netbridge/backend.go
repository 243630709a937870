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

package main

import (
	"fmt"

	"github.com/alexandremahdhaoui/netbridge/internal/util/ssh"
	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	"github.com/alexandremahdhaoui/netbridge/pkg/lab/cml"
	"github.com/alexandremahdhaoui/netbridge/pkg/lab/libvirt"
	"github.com/alexandremahdhaoui/netbridge/pkg/virsh"
)

// newProvisioner returns the provisioner of the configured backend and a
// function releasing its connections.
func (a *app) newProvisioner() (lab.Provisioner, func(), error) {
	if err := a.config.Validate(); err != nil {
		return nil, nil, err
	}
	if a.provision != nil {
		return a.provision()
	}

	onReleaseError := func(topology *lab.Topology, _ error) {
		a.metrics.ObserveTeardownFailure(topology.Backend)
	}

	switch a.config.Backend {
	case lab.BackendCML:
		c := a.config.CML

		sshClient, err := ssh.NewPasswordClient(c.Host, c.SSHPort, c.SSHUser, c.SSHPassword)
		if err != nil {
			return nil, nil, err
		}

		p := cml.New(
			cml.NewExecCLI(c.Host, c.Username, c.Password, c.VerifyCert),
			virsh.NewClient(sshClient, a.log),
			c.Host,
			a.log,
		)
		p.OnReleaseError = onReleaseError

		return p, a.closer("ssh", sshClient.Close), nil

	case lab.BackendLibvirt:
		conn, err := libvirt.Connect(a.config.Libvirt.URI)
		if err != nil {
			return nil, nil, err
		}

		p := libvirt.New(conn, libvirt.QemuImg{Binary: "qemu-img"}, a.log)
		p.DiskDir = a.config.Libvirt.DiskDir
		p.OnReleaseError = onReleaseError

		return p, a.closer("libvirt", conn.Close), nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", a.config.Backend)
	}
}

func (a *app) closer(name string, closeFn func() error) func() {
	return func() {
		if err := closeFn(); err != nil {
			a.log.Error(err, "failed to close connection", "connection", name)
		}
	}
}
