package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flasharray.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, `
portal: array.example.com
api-token: tok-abc
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "array.example.com", cfg.Portal)
	assert.Equal(t, "tok-abc", cfg.APIToken)

	// documented defaults
	assert.Equal(t, ProtocolISCSI, cfg.Protocol)
	assert.Equal(t, HostModePerNode, cfg.HostMode)
	assert.Equal(t, DefaultClusterName, cfg.ClusterName)
	assert.Equal(t, DefaultDeviceTimeoutSeconds, cfg.DeviceTimeout)
	assert.False(t, cfg.SSLVerify)
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
portal: 10.0.0.5
username: pveuser
password: secret
ssl-verify: true
protocol: fc
host-mode: shared
cluster-name: lab
device-timeout: 120
pod: prod
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProtocolFC, cfg.Protocol)
	assert.Equal(t, HostModeShared, cfg.HostMode)
	assert.Equal(t, "lab", cfg.ClusterName)
	assert.Equal(t, 120, cfg.DeviceTimeout)
	assert.Equal(t, "prod", cfg.Pod)
	assert.True(t, cfg.SSLVerify)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesCredentials(t *testing.T) {
	path := writeConfig(t, `
portal: array.example.com
api-token: from-file
`)
	t.Setenv("PVE_FLASHARRAY_API_TOKEN", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIToken)
}

func TestValidate(t *testing.T) {
	base := Default()
	base.Portal = "array.example.com"
	base.APIToken = "tok"

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing portal", func(c *Config) { c.Portal = "  " }, "portal is required"},
		{"missing credentials", func(c *Config) { c.APIToken = "" }, "api-token"},
		{"username without password", func(c *Config) { c.APIToken = ""; c.Username = "u" }, "api-token"},
		{"username and password ok", func(c *Config) { c.APIToken = ""; c.Username = "u"; c.Password = "p" }, ""},
		{"both credential forms rejected", func(c *Config) { c.Username = "u"; c.Password = "p" }, "mutually exclusive"},
		{"token plus stray username rejected", func(c *Config) { c.Username = "u" }, "mutually exclusive"},
		{"bad protocol", func(c *Config) { c.Protocol = "nvme" }, "protocol"},
		{"bad host-mode", func(c *Config) { c.HostMode = "global" }, "host-mode"},
		{"timeout too low", func(c *Config) { c.DeviceTimeout = 5 }, "device-timeout"},
		{"timeout too high", func(c *Config) { c.DeviceTimeout = 500 }, "device-timeout"},
		{"timeout at bounds", func(c *Config) { c.DeviceTimeout = MinDeviceTimeoutSeconds }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}
