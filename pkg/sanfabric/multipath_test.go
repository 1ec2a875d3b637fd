package sanfabric

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureMultipathConfigPrefersConfD(t *testing.T) {
	f := newTestFabric(t)
	confD := filepath.Join(f.Root, "etc", "multipath", "conf.d")
	require.NoError(t, os.MkdirAll(confD, 0o755))

	require.NoError(t, f.EnsureMultipathConfig())

	dropIn := filepath.Join(confD, "pure-storage.conf")
	content, err := os.ReadFile(dropIn)
	require.NoError(t, err)
	assert.Contains(t, string(content), "PURE")

	_, err = os.Stat(filepath.Join(f.Root, "etc", "multipath.conf"))
	assert.True(t, os.IsNotExist(err), "main multipath.conf should not be touched when conf.d exists")
}

func TestEnsureMultipathConfigIsIdempotent(t *testing.T) {
	f := newTestFabric(t)
	confD := filepath.Join(f.Root, "etc", "multipath", "conf.d")
	require.NoError(t, os.MkdirAll(confD, 0o755))

	require.NoError(t, f.EnsureMultipathConfig())
	first, err := os.ReadFile(filepath.Join(confD, "pure-storage.conf"))
	require.NoError(t, err)

	require.NoError(t, f.EnsureMultipathConfig())
	second, err := os.ReadFile(filepath.Join(confD, "pure-storage.conf"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestEnsureMultipathConfigSplicesMainFile(t *testing.T) {
	f := newTestFabric(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.Root, "etc"), 0o755))
	mainConf := filepath.Join(f.Root, "etc", "multipath.conf")
	require.NoError(t, os.WriteFile(mainConf, []byte("defaults {\n\tuser_friendly_names yes\n}\n"), 0o644))

	require.NoError(t, f.EnsureMultipathConfig())

	content, err := os.ReadFile(mainConf)
	require.NoError(t, err)
	assert.Contains(t, string(content), "user_friendly_names yes")
	assert.Contains(t, string(content), "PURE")
}

func TestEnsureMultipathConfigCreatesMainFileWhenAbsent(t *testing.T) {
	f := newTestFabric(t)

	require.NoError(t, f.EnsureMultipathConfig())

	content, err := os.ReadFile(filepath.Join(f.Root, "etc", "multipath.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "PURE")
}
