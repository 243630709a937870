// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/netbridge/pkg/lab"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "NETBRIDGE_CONFIG_PATH"
)

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the configuration of netbridge
type Config struct {
	// Backend is the lab backend: cml or libvirt.
	Backend string `json:"backend"`

	// LabFile is the lab definition handed to the backend.
	LabFile string `json:"labFile,omitempty"`

	// IntegrationTestsPath holds one directory per role under test.
	IntegrationTestsPath string `json:"integrationTestsPath,omitempty"`

	// Roles restricts the run to these roles. Empty runs every role.
	Roles []string `json:"roles,omitempty"`

	// ArtifactsDir receives projects, logs, reports and metrics.
	ArtifactsDir string `json:"artifactsDir"`

	// StoreDir records the live topologies.
	StoreDir string `json:"storeDir"`

	// NetworkOS is the ansible_network_os of the devices.
	NetworkOS string `json:"networkOS"`

	// TestMode is passed to the roles; empty means playback.
	TestMode string `json:"testMode,omitempty"`

	// DeviceRole is the role of devices discovered without one.
	DeviceRole string `json:"deviceRole"`

	// RequiredRoles must each be held by a device of the topology.
	// Empty requires DeviceRole.
	RequiredRoles []string `json:"requiredRoles,omitempty"`

	// DeviceCredentials are the device login credentials.
	DeviceCredentials lab.Credentials `json:"deviceCredentials"`

	AcquireTimeout metav1.Duration `json:"acquireTimeout"`
	ReleaseTimeout metav1.Duration `json:"releaseTimeout"`

	// DevelopmentMode enables development logging
	DevelopmentMode bool `json:"developmentMode"`

	CML     CML     `json:"cml"`
	Libvirt Libvirt `json:"libvirt"`
}

// CML configures the cml backend.
type CML struct {
	Host       string `json:"host"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	VerifyCert bool   `json:"verifyCert"`

	// SSH credentials of the controller, used to run virsh.
	SSHUser     string `json:"sshUser"`
	SSHPassword string `json:"sshPassword"`
	SSHPort     int    `json:"sshPort"`
}

// Libvirt configures the libvirt backend.
type Libvirt struct {
	URI     string `json:"uri"`
	DiskDir string `json:"diskDir,omitempty"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Backend:           lab.BackendCML,
		ArtifactsDir:      "artifacts",
		StoreDir:          defaultStoreDir(),
		NetworkOS:         "",
		DeviceRole:        lab.DefaultRole,
		DeviceCredentials: lab.Credentials{Username: "ansible", Password: "ansible"},
		AcquireTimeout:    metav1.Duration{Duration: 20 * time.Minute},
		ReleaseTimeout:    metav1.Duration{Duration: 5 * time.Minute},
		CML: CML{
			SSHPort: 22,
		},
		Libvirt: Libvirt{
			URI: "qemu:///system",
		},
	}
}

func defaultStoreDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "netbridge", "topologies")
	}
	return filepath.Join(os.TempDir(), "netbridge", "topologies")
}

// Load loads configuration from a YAML or JSON file path over the defaults,
// then applies the environment overrides. If configPath is empty, the
// NETBRIDGE_CONFIG_PATH environment variable is used, and if that is unset
// only the environment is read. The result is not validated.
func Load(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath == "" {
		configPath = os.Getenv(ConfigPathEnvKey)
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}

	return config, nil
}

func parseBool(val string) bool {
	switch strings.ToLower(val) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func (c *Config) applyEnvironmentOverrides() error {
	if val := os.Getenv("VIRL_HOST"); val != "" {
		c.CML.Host = val
	}
	if val := os.Getenv("VIRL_USERNAME"); val != "" {
		c.CML.Username = val
	}
	if val := os.Getenv("VIRL_PASSWORD"); val != "" {
		c.CML.Password = val
	}
	if val := os.Getenv("CML_VERIFY_CERT"); val != "" {
		c.CML.VerifyCert = parseBool(val)
	}
	if val := os.Getenv("CML_SSH_USER"); val != "" {
		c.CML.SSHUser = val
	}
	if val := os.Getenv("CML_SSH_PASSWORD"); val != "" {
		c.CML.SSHPassword = val
	}
	if val := os.Getenv("CML_SSH_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("CML_SSH_PORT: %w", err)
		}
		c.CML.SSHPort = port
	}
	if val := os.Getenv("ANSIBLE_NETWORK_OS"); val != "" {
		c.NetworkOS = val
	}
	if val := os.Getenv("ANSIBLE_NETWORK_TEST_MODE"); val != "" {
		c.TestMode = strings.ToLower(val)
	}
	if val := os.Getenv("NETBRIDGE_ARTIFACTS_DIR"); val != "" {
		c.ArtifactsDir = val
	}
	if val := os.Getenv("NETBRIDGE_DEV_MODE"); val != "" {
		c.DevelopmentMode = parseBool(val)
	}
	if val := os.Getenv("LIBVIRT_URI"); val != "" {
		c.Libvirt.URI = val
	}
	return nil
}

// Validate checks if the configuration can provision labs. All problems are
// reported at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case lab.BackendCML:
		var missing []string
		for _, v := range []struct{ env, val string }{
			{"VIRL_HOST", c.CML.Host},
			{"VIRL_USERNAME", c.CML.Username},
			{"VIRL_PASSWORD", c.CML.Password},
			{"CML_SSH_USER", c.CML.SSHUser},
			{"CML_SSH_PASSWORD", c.CML.SSHPassword},
		} {
			if v.val == "" {
				missing = append(missing, v.env)
			}
		}
		if len(missing) > 0 {
			errs = append(errs, fmt.Errorf("cml backend requires %s", strings.Join(missing, ", ")))
		}
		if c.CML.SSHPort <= 0 || c.CML.SSHPort > 65535 {
			errs = append(errs, fmt.Errorf("cml.sshPort %d is not a valid port", c.CML.SSHPort))
		}
	case lab.BackendLibvirt:
		if c.Libvirt.URI == "" {
			errs = append(errs, errors.New("libvirt.uri cannot be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q: expected one of %s, %s",
			c.Backend, lab.BackendCML, lab.BackendLibvirt))
	}

	if c.ArtifactsDir == "" {
		errs = append(errs, errors.New("artifactsDir cannot be empty"))
	}
	if c.StoreDir == "" {
		errs = append(errs, errors.New("storeDir cannot be empty"))
	}
	if c.AcquireTimeout.Duration < 0 || c.ReleaseTimeout.Duration < 0 {
		errs = append(errs, errors.New("timeouts cannot be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// ValidateRun additionally checks what a test run needs.
func (c *Config) ValidateRun() error {
	var errs []error

	if c.IntegrationTestsPath == "" {
		errs = append(errs, errors.New("integrationTestsPath cannot be empty"))
	}
	if c.LabFile == "" {
		errs = append(errs, errors.New("labFile cannot be empty"))
	}
	if c.NetworkOS == "" {
		errs = append(errs, errors.New("networkOS cannot be empty: set ANSIBLE_NETWORK_OS"))
	}
	if slices.Contains(c.Roles, "") {
		errs = append(errs, errors.New("roles cannot contain an empty role"))
	}

	var runErr error
	if len(errs) > 0 {
		runErr = errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return errors.Join(c.Validate(), runErr)
}

// InventoryRoles returns the roles the inventory must contain.
func (c *Config) InventoryRoles() []string {
	if len(c.RequiredRoles) > 0 {
		return c.RequiredRoles
	}
	return []string{c.LabSpec().RoleOrDefault()}
}

// LabSpec returns the lab spec of the configuration.
func (c *Config) LabSpec() lab.Spec {
	return lab.Spec{
		LabFile:     c.LabFile,
		Timeout:     c.AcquireTimeout.Duration,
		NetworkOS:   c.NetworkOS,
		Role:        c.DeviceRole,
		Credentials: c.DeviceCredentials,
	}
}
