// Package config loads the recognized plugin options (spec.md §6) from
// a YAML file, the shape the host platform's storage.cfg-derived
// manifest takes, with environment overrides for the handful of values
// an operator reasonably wants to override per-invocation without
// rewriting the file.
//
// Grounded on the teacher's cmd/warren/apply.go manifest-loading idiom
// (yaml.Unmarshal into a plain struct, then validate).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Protocol selects the SAN transport.
type Protocol string

const (
	ProtocolISCSI Protocol = "iscsi"
	ProtocolFC    Protocol = "fc"
)

// HostMode selects whether one array Host object is created per node
// or shared across the whole cluster.
type HostMode string

const (
	HostModePerNode HostMode = "per-node"
	HostModeShared  HostMode = "shared"
)

const (
	DefaultDeviceTimeoutSeconds = 60
	MinDeviceTimeoutSeconds     = 10
	MaxDeviceTimeoutSeconds     = 300
	DefaultClusterName          = "pve"
	DefaultStateDir             = "/var/lib/pve-flasharray"
)

// Config is the fully-resolved, validated set of options a storage
// definition carries (spec.md §6 "Configuration (recognized options)").
type Config struct {
	Portal         string   `yaml:"portal"`
	APIToken       string   `yaml:"api-token,omitempty"`
	Username       string   `yaml:"username,omitempty"`
	Password       string   `yaml:"password,omitempty"`
	SSLVerify      bool     `yaml:"ssl-verify"`
	Protocol       Protocol `yaml:"protocol"`
	HostMode       HostMode `yaml:"host-mode"`
	ClusterName    string   `yaml:"cluster-name"`
	DeviceTimeout  int      `yaml:"device-timeout"`
	Pod            string   `yaml:"pod,omitempty"`
	StateDir       string   `yaml:"state-dir,omitempty"`
	StorageID      string   `yaml:"-"` // the storage definition's own id, set by the caller, not the file
}

// Load reads and validates a YAML config file at path, then applies
// environment overrides (PVE_FLASHARRAY_* for credentials, so they
// never have to be written to disk alongside the rest of the manifest).
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a Config with every documented default applied,
// before a file or environment is layered on top.
func Default() Config {
	return Config{
		SSLVerify:     false,
		Protocol:      ProtocolISCSI,
		HostMode:      HostModePerNode,
		ClusterName:   DefaultClusterName,
		DeviceTimeout: DefaultDeviceTimeoutSeconds,
		StateDir:      DefaultStateDir,
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PVE_FLASHARRAY_API_TOKEN"); v != "" {
		// The override replaces the file's credential form wholesale, so
		// a token from the environment never collides with a
		// username/password pair written in the manifest.
		cfg.APIToken = v
		cfg.Username, cfg.Password = "", ""
	}
	if v := os.Getenv("PVE_FLASHARRAY_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("PVE_FLASHARRAY_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("PVE_FLASHARRAY_PORTAL"); v != "" {
		cfg.Portal = v
	}
	if v := os.Getenv("PVE_FLASHARRAY_DEVICE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeviceTimeout = n
		}
	}
}

// Validate enforces the constraints spec.md §6 documents: a portal and
// exactly one credential form are required, device-timeout must fall
// within [10, 300], and protocol/host-mode must be one of the two
// recognized values.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Portal) == "" {
		return fmt.Errorf("portal is required")
	}
	if c.APIToken == "" && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("either api-token or both username and password are required")
	}
	if c.APIToken != "" && (c.Username != "" || c.Password != "") {
		return fmt.Errorf("api-token and username/password are mutually exclusive, configure one or the other")
	}
	switch c.Protocol {
	case ProtocolISCSI, ProtocolFC:
	default:
		return fmt.Errorf("protocol must be %q or %q, got %q", ProtocolISCSI, ProtocolFC, c.Protocol)
	}
	switch c.HostMode {
	case HostModePerNode, HostModeShared:
	default:
		return fmt.Errorf("host-mode must be %q or %q, got %q", HostModePerNode, HostModeShared, c.HostMode)
	}
	if c.DeviceTimeout < MinDeviceTimeoutSeconds || c.DeviceTimeout > MaxDeviceTimeoutSeconds {
		return fmt.Errorf("device-timeout must be between %d and %d seconds, got %d",
			MinDeviceTimeoutSeconds, MaxDeviceTimeoutSeconds, c.DeviceTimeout)
	}
	return nil
}
