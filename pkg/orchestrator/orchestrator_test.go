package orchestrator

import (
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pve-flasharray/pkg/config"
	"github.com/cuemby/pve-flasharray/pkg/types"
)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return &Orchestrator{
		cfg: config.Config{
			StorageID:   "pure1",
			ClusterName: "pve",
			HostMode:    config.HostModePerNode,
			Pod:         "",
		},
		nodeName:   "node1",
		tempClones: make(map[tempCloneKey]string),
	}
}

func TestArrayNameFor(t *testing.T) {
	o := testOrchestrator(t)

	cases := []struct {
		volname string
		want    string
	}{
		{"vm-100-disk-0", "pve-pure1-100-disk0"},
		{"base-100-disk-2", "pve-pure1-100-disk2"},
		{"vm-100-cloudinit", "pve-pure1-100-cloudinit"},
		{"vm-100-state-snap1", "pve-pure1-100-state-snap1"},
		{"base-50-disk-0/vm-100-disk-1", "pve-pure1-100-disk1"},
	}
	for _, tc := range cases {
		parsed, err := parseOrError(tc.volname)
		require.NoError(t, err, tc.volname)
		assert.Equal(t, tc.want, o.arrayNameFor(parsed), tc.volname)
	}
}

func TestCurrentHostNamePerNodeAndShared(t *testing.T) {
	o := testOrchestrator(t)
	assert.Equal(t, "pve-pve-node1", o.currentHostName())

	o.cfg.HostMode = config.HostModeShared
	assert.Equal(t, "pve-pve-shared", o.currentHostName())
}

func TestPrefixes(t *testing.T) {
	o := testOrchestrator(t)
	assert.Equal(t, "pve-pve-", o.clusterHostPrefix())
	assert.Equal(t, "pve-pure1-", o.storagePrefix())
	assert.Equal(t, "pve-pure1-100-", o.vmidPrefix(100))
}

func TestPrefixesHyphenatedStorage(t *testing.T) {
	o := testOrchestrator(t)
	o.cfg.StorageID = "my-pool"
	assert.Equal(t, "pve-my_pool-", o.storagePrefix())
	assert.Equal(t, "pve-my_pool-200-", o.vmidPrefix(200))
}

func TestParseOrErrorRejectsGarbage(t *testing.T) {
	_, err := parseOrError("not-a-volume")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-volume")
}

func TestStripLinkedCloneParent(t *testing.T) {
	assert.Equal(t, "vm-100-disk-1", stripLinkedCloneParent("base-50-disk-0/vm-100-disk-1"))
	assert.Equal(t, "vm-100-disk-0", stripLinkedCloneParent("vm-100-disk-0"))
}

func TestDecodeRole(t *testing.T) {
	kind, diskID, snap := decodeRole("disk3")
	assert.Equal(t, types.RoleDisk, kind)
	assert.Equal(t, 3, diskID)
	assert.Empty(t, snap)

	kind, _, _ = decodeRole("cloudinit")
	assert.Equal(t, types.RoleCloudinit, kind)

	kind, _, snap = decodeRole("state-hourly-1")
	assert.Equal(t, types.RoleState, kind)
	assert.Equal(t, "hourly-1", snap)
}

func TestSnapNameFromSuffix(t *testing.T) {
	assert.Equal(t, "hourly", snapNameFromSuffix("pve-snap-hourly"))
	assert.Equal(t, "pve-base", snapNameFromSuffix("pve-base"))
}

func TestVolumeHasFeature(t *testing.T) {
	o := testOrchestrator(t)

	assert.True(t, o.VolumeHasFeature("vm-100-disk-0", "snapshot"))
	assert.True(t, o.VolumeHasFeature("vm-100-disk-0", "clone"))
	assert.True(t, o.VolumeHasFeature("base-50-disk-0/vm-100-disk-1", "snapshot"))
	assert.False(t, o.VolumeHasFeature("vm-100-disk-0", "encryption"))
	assert.False(t, o.VolumeHasFeature("vm-100-cloudinit", "snapshot"))
	assert.False(t, o.VolumeHasFeature("vm-100-state-snap1", "clone"))
	assert.False(t, o.VolumeHasFeature("garbage", "snapshot"))
}

func TestTempCloneNameMatchesSweepPattern(t *testing.T) {
	o := testOrchestrator(t)
	name := o.tempCloneName("pve-pure1-100-disk0")

	m := tempCloneNameRE.FindStringSubmatch(name)
	require.NotNil(t, m, "sweep regex must decode the names ActivateVolume creates, got %q", name)

	_, err := strconv.ParseInt(m[1], 10, 64)
	assert.NoError(t, err, "timestamp group")
	pidGroup, err := strconv.Atoi(m[2])
	require.NoError(t, err, "pid group")
	assert.Equal(t, pid(), pidGroup)
}

func TestTempCloneSweepPatternIgnoresRegularVolumes(t *testing.T) {
	for _, name := range []string{
		"pve-pure1-100-disk0",
		"pve-pure1-100-cloudinit",
		"pve-pure1-100-state-snap1",
		"pve-pure1-100-vmconf-snap1",
	} {
		assert.False(t, tempCloneNameRE.MatchString(name), name)
	}
}

func TestIsBenignConflict(t *testing.T) {
	benign := fmt.Errorf("wrap: %w", &types.ConflictError{Reason: "already_connected", Benign: true})
	assert.True(t, isBenignConflict(benign))

	hostile := fmt.Errorf("wrap: %w", &types.ConflictError{Reason: "initiator_in_use"})
	assert.False(t, isBenignConflict(hostile))

	assert.False(t, isBenignConflict(errors.New("plain")))
	assert.False(t, isBenignConflict(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(fmt.Errorf("wrap: %w", &types.NotFoundError{Kind: "volume", Name: "x"})))
	assert.False(t, isNotFound(errors.New("plain")))
	assert.False(t, isNotFound(nil))
}

func TestSortedKeysDeterministic(t *testing.T) {
	m := map[string]int{"c": 1, "a": 2, "b": 3}
	assert.Equal(t, []string{"a", "b", "c"}, sortedKeys(m))
}

func TestTempCloneNameRECapturesScenarioShape(t *testing.T) {
	// The sweep also has to recognize clones created by peers whose base
	// volume name differs from ours, including pod-qualified ones.
	for _, name := range []string{
		"pve-pure1-100-temp-snap-access-1721930000-4242",
		"prod::pve-pure1-100-disk0-temp-snap-access-1721930000-4242",
	} {
		assert.True(t, tempCloneNameRE.MatchString(name), name)
	}
}
