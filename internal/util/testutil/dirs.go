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
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// PrepareLibvirtDir creates parentDir/subdirName so that the qemu user can
// read and write the overlay disks created in it. t.TempDir() directories
// are 0700, so every ancestor up to /tmp is made traversable and the
// libvirt groups are granted access through ACLs when sudo is available.
func PrepareLibvirtDir(t *testing.T, parentDir, subdirName string) string {
	t.Helper()

	dir := filepath.Join(parentDir, subdirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create libvirt directory %q: %v", dir, err)
	}

	for current := parentDir; ; current = filepath.Dir(current) {
		if err := os.Chmod(current, 0o755); err != nil {
			t.Logf("failed to chmod %q: %v", current, err)
		}
		if current == "/tmp" || current == filepath.Dir(current) {
			break
		}
	}

	for _, group := range libvirtGroups(t) {
		for _, flags := range [][]string{{"-m"}, {"-d", "-m"}} {
			args := append([]string{"setfacl"}, flags...)
			args = append(args, "g:"+group+":rwx", dir)
			if out, err := exec.Command("sudo", args...).CombinedOutput(); err != nil {
				t.Logf("failed to grant %q access to %q: %v: %s", group, dir, err, out)
				break
			}
		}
	}

	return dir
}

// libvirtGroups returns the group configured in qemu.conf and the common
// libvirt groups that exist on this host.
func libvirtGroups(t *testing.T) []string {
	t.Helper()

	var groups []string
	seen := map[string]bool{}
	add := func(g string) {
		if g != "" && !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}

	if data, err := os.ReadFile("/etc/libvirt/qemu.conf"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if v, ok := strings.CutPrefix(strings.TrimSpace(line), "group = "); ok {
				add(strings.Trim(v, `"`))
			}
		}
	}

	for _, g := range []string{"libvirt", "libvirt-qemu", "kvm", "qemu"} {
		if exec.Command("getent", "group", g).Run() == nil {
			add(g)
		}
	}

	return groups
}
