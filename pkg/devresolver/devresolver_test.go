package devresolver

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/pve-flasharray/pkg/execrunner"
	"github.com/cuemby/pve-flasharray/pkg/sanfabric"
	"github.com/cuemby/pve-flasharray/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	root := t.TempDir()
	return &Resolver{Root: root, Runner: execrunner.New(2 * time.Second)}
}

func newTestFabricForResolver(root string) *sanfabric.Fabric {
	return &sanfabric.Fabric{Root: root, Runner: execrunner.New(2 * time.Second)}
}

// fakeProtocol implements sanfabric.Protocol without touching any real
// transport, so WaitForDevice's loop can be exercised deterministically.
type fakeProtocol struct {
	onRescan func()
}

func (p *fakeProtocol) DiscoverAndLogin(ctx context.Context) error { return nil }

func (p *fakeProtocol) RescanFabric(ctx context.Context) error {
	if p.onRescan != nil {
		p.onRescan()
	}
	return nil
}

func (p *fakeProtocol) CleanupSessions(ctx context.Context) error { return nil }

func TestLookupByIDExactSuffixMatch(t *testing.T) {
	r := newTestResolver(t)
	byIDDir := filepath.Join(r.Root, "dev", "disk", "by-id")
	require.NoError(t, os.MkdirAll(byIDDir, 0o755))

	targetDir := filepath.Join(r.Root, "dev")
	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "sdz"), nil, 0o644))
	require.NoError(t, os.Symlink(filepath.Join(targetDir, "sdz"),
		filepath.Join(byIDDir, "wwn-0x624a9370abc123def456abc123def456")))

	dev, err := r.Lookup(context.Background(), "624a9370abc123def456abc123def456")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(targetDir, "sdz"), dev)
}

func TestLookupByIDDoesNotSubstringMatch(t *testing.T) {
	r := newTestResolver(t)
	byIDDir := filepath.Join(r.Root, "dev", "disk", "by-id")
	require.NoError(t, os.MkdirAll(byIDDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "dev", "sdz"), nil, 0o644))
	require.NoError(t, os.Symlink(filepath.Join(r.Root, "dev", "sdz"),
		filepath.Join(byIDDir, "wwn-0xaaaa624a9370abc123def456abc123def456bbbb")))

	_, err := r.Lookup(context.Background(), "624a9370abc123def456abc123def456")
	var nf *types.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestLookupSysfsVPDFallback(t *testing.T) {
	r := newTestResolver(t)
	vpdPath := filepath.Join(r.Root, "sys", "block", "sdq", "device", "vpd_pg80")
	require.NoError(t, os.MkdirAll(filepath.Dir(vpdPath), 0o755))

	serial := "abc123def456abc123def456"
	serialBytes, err := hex.DecodeString(serial)
	require.NoError(t, err)
	raw := append([]byte{0x01, 0x80}, serialBytes...)
	require.NoError(t, os.WriteFile(vpdPath, raw, 0o644))

	dev, err := r.Lookup(context.Background(), "3624a9370"+serial)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root, "dev", "sdq"), dev)
}

func TestLookupNotFound(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Lookup(context.Background(), "3624a9370doesnotexist00000000000")
	var nf *types.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestSlavesEnumeration(t *testing.T) {
	r := newTestResolver(t)
	slavesDir := filepath.Join(r.Root, "sys", "block", "mpatha", "slaves")
	require.NoError(t, os.MkdirAll(filepath.Join(slavesDir, "sda"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(slavesDir, "sdb"), 0o755))

	slaves, err := r.Slaves(filepath.Join(r.Root, "dev", "mapper", "mpatha"))
	require.NoError(t, err)
	assert.Equal(t, []string{"sda", "sdb"}, slaves)
}

func TestInUseMounted(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root, "proc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "proc", "mounts"),
		[]byte("/dev/mapper/mpatha /var/lib/vz ext4 rw 0 0\n"), 0o644))

	busy, reason, err := r.InUse(context.Background(), "/dev/mapper/mpatha")
	require.NoError(t, err)
	assert.True(t, busy)
	assert.Equal(t, "mounted", reason)
}

func TestInUseHasHolders(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root, "proc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "proc", "mounts"), nil, 0o644))
	holders := filepath.Join(r.Root, "sys", "block", "mpatha", "holders")
	require.NoError(t, os.MkdirAll(filepath.Join(holders, "dm-1"), 0o755))

	busy, reason, err := r.InUse(context.Background(), "mpatha")
	require.NoError(t, err)
	assert.True(t, busy)
	assert.Equal(t, "has holders", reason)
}

func TestInUseSlaveMountedDirectly(t *testing.T) {
	// A slave SCSI device mounted by its own name, bypassing the
	// multipath aggregate, still counts as in use.
	r := newTestResolver(t)
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root, "proc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "proc", "mounts"),
		[]byte("/dev/sdb /mnt/data ext4 rw 0 0\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root, "sys", "block", "mpatha", "slaves", "sdb"), 0o755))

	busy, reason, err := r.InUse(context.Background(), "/dev/mapper/mpatha")
	require.NoError(t, err)
	assert.True(t, busy)
	assert.Equal(t, "slave sdb mounted", reason)
}

func TestInUseSlaveHeldDirectly(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root, "proc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "proc", "mounts"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root, "sys", "block", "mpatha", "slaves", "sdc"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root, "sys", "block", "sdc", "holders", "dm-7"), 0o755))

	busy, reason, err := r.InUse(context.Background(), "/dev/mapper/mpatha")
	require.NoError(t, err)
	assert.True(t, busy)
	assert.Equal(t, "slave sdc has holders", reason)
}

func TestInUseFree(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root, "proc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "proc", "mounts"), nil, 0o644))

	busy, _, err := r.InUse(context.Background(), "mpatha")
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestTeardownRefusesInUse(t *testing.T) {
	r := newTestResolver(t)
	byIDDir := filepath.Join(r.Root, "dev", "disk", "by-id")
	require.NoError(t, os.MkdirAll(byIDDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "dev", "sdz"), nil, 0o644))
	require.NoError(t, os.Symlink(filepath.Join(r.Root, "dev", "sdz"),
		filepath.Join(byIDDir, "wwn-0x624a9370abc123def456abc123def456")))
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root, "proc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "proc", "mounts"),
		[]byte("/dev/sdz /mnt/data ext4 rw 0 0\n"), 0o644))

	err := r.Teardown(context.Background(), "624a9370abc123def456abc123def456")
	var inUse *types.InUseError
	require.Error(t, err)
	assert.True(t, errors.As(err, &inUse))
}

func TestTeardownAlreadyAbsentIsNoop(t *testing.T) {
	r := newTestResolver(t)
	err := r.Teardown(context.Background(), "3624a9370absentabsentabsentabsen")
	assert.NoError(t, err)
}

func TestWaitForDeviceSucceedsAfterRescan(t *testing.T) {
	r := newTestResolver(t)

	byIDDir := filepath.Join(r.Root, "dev", "disk", "by-id")
	require.NoError(t, os.MkdirAll(byIDDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root, "sys", "class", "scsi_host"), 0o755))

	proto := &fakeProtocol{
		onRescan: func() {
			require.NoError(t, os.WriteFile(filepath.Join(r.Root, "dev", "sdz"), nil, 0o644))
			require.NoError(t, os.Symlink(filepath.Join(r.Root, "dev", "sdz"),
				filepath.Join(byIDDir, "wwn-0x624a9370abc123def456abc123def456")))
		},
	}

	fabric := newTestFabricForResolver(r.Root)
	dev, err := r.WaitForDevice(context.Background(), fabric, proto, "624a9370abc123def456abc123def456", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root, "dev", "sdz"), dev)
}

func TestWaitForDeviceTimesOut(t *testing.T) {
	r := newTestResolver(t)
	proto := &fakeProtocol{}
	fabric := newTestFabricForResolver(r.Root)

	_, err := r.WaitForDevice(context.Background(), fabric, proto, "3624a9370neverarrivesneverarrive", 50*time.Millisecond)
	var lf *types.LocalFatalError
	require.Error(t, err)
	assert.True(t, errors.As(err, &lf))
}
