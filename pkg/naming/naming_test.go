package naming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeForArray(t *testing.T) {
	cases := map[string]string{
		"pure1":               "pure1",
		"my storage pool":     "my-storage-pool",
		"  --leading":         "leading",
		"trailing--  ":        "trailing",
		"":                    "pve",
		"___":                 "pve",
		"a!!!b@@@c":           "abc",
		strings.Repeat("x", 40): strings.Repeat("x", storageMaxLen),
	}
	for in, want := range cases {
		got := SanitizeForArray(in)
		assert.Equal(t, want, got, "input %q", in)
		assert.True(t, IsValidArrayName(got) || got == "pve")
	}
}

func TestSanitizeForArrayIdempotent(t *testing.T) {
	inputs := []string{"pure1", "my pool!!", "---weird___", "日本語storage"}
	for _, in := range inputs {
		once := SanitizeForArray(in)
		twice := SanitizeForArray(once)
		assert.Equal(t, once, twice, "not idempotent for %q", in)
	}
}

func TestEncodeVolumeRoundTrip(t *testing.T) {
	name := EncodeVolume("pure1", 100, 0)
	assert.Equal(t, "pve-pure1-100-disk0", name)

	parsed, ok := DecodeVolume(name)
	require.True(t, ok)
	assert.Equal(t, "pure1", parsed.Storage)
	assert.Equal(t, 100, parsed.VMID)
	assert.Equal(t, "disk0", parsed.Role)
}

func TestEncodeVolumeHyphenatedStorage(t *testing.T) {
	name := EncodeVolume("my-pool", 200, 3)
	assert.Equal(t, "pve-my_pool-200-disk3", name)

	parsed, ok := DecodeVolume(name)
	require.True(t, ok)
	assert.Equal(t, "my_pool", parsed.Storage)
}

func TestDecodeVolumeLegacyHyphenatedStorage(t *testing.T) {
	// Non-greedy storage match must tolerate legacy names with a literal
	// hyphen inside the storage field.
	parsed, ok := DecodeVolume("pve-my-legacy-pool-100-disk0")
	require.True(t, ok)
	assert.Equal(t, "my-legacy-pool", parsed.Storage)
	assert.Equal(t, 100, parsed.VMID)
	assert.Equal(t, "disk0", parsed.Role)
}

func TestDecodeVolumeRejectsDotted(t *testing.T) {
	_, ok := DecodeVolume("pve-pure1-100-disk0.pve-snap-hourly")
	assert.False(t, ok)
}

func TestDecodeVolumeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "not-a-volume", "pve-pure1-disk0", "pve--100-disk0"} {
		_, ok := DecodeVolume(in)
		assert.False(t, ok, "unexpectedly decoded %q", in)
	}
}

func TestEncodeSnapshotSuffix(t *testing.T) {
	got := EncodeSnapshotSuffix("hourly backup #1")
	assert.Equal(t, "pve-snap-hourly-backup-1", got)
	assert.LessOrEqual(t, len(got), snapSuffixMax)
}

func TestEncodeSnapshotSuffixTruncation(t *testing.T) {
	long := strings.Repeat("a", 200)
	got := EncodeSnapshotSuffix(long)
	assert.LessOrEqual(t, len(got), snapSuffixMax)
	assert.False(t, strings.HasSuffix(got, "-"))
}

func TestEncodeSnapshotSuffixCollapsesPunctuation(t *testing.T) {
	got := EncodeSnapshotSuffix("a...b___c")
	assert.Equal(t, "pve-snap-a-b-c", got)
}

func TestEncodeConfigVolumeBounded(t *testing.T) {
	got := EncodeConfigVolume(strings.Repeat("s", 24), 9999999, strings.Repeat("z", 100))
	assert.LessOrEqual(t, len(got), configVolMax)
	assert.False(t, strings.HasSuffix(got, "-"))
	assert.True(t, strings.Contains(got, "-vmconf-"))
}

func TestEncodeHostShared(t *testing.T) {
	assert.Equal(t, "pve-mycluster-shared", EncodeHost("mycluster", ""))
}

func TestEncodeHostNode(t *testing.T) {
	assert.Equal(t, "pve-mycluster-node1", EncodeHost("mycluster", "node1"))
}

func TestParseHostVolnameShapes(t *testing.T) {
	p, ok := ParseHostVolname("vm-100-disk-0")
	require.True(t, ok)
	assert.Equal(t, 100, p.VMID)
	assert.Equal(t, 0, p.DiskID)
	assert.False(t, p.IsTemplate)
	assert.Nil(t, p.Parent)

	p, ok = ParseHostVolname("base-100-disk-0")
	require.True(t, ok)
	assert.True(t, p.IsTemplate)

	p, ok = ParseHostVolname("vm-100-cloudinit")
	require.True(t, ok)
	assert.Equal(t, "cloudinit", string(p.Kind))

	p, ok = ParseHostVolname("vm-100-state-hourly-snap")
	require.True(t, ok)
	assert.Equal(t, "hourly-snap", p.Snap)

	p, ok = ParseHostVolname("base-50-disk-0/vm-100-disk-1")
	require.True(t, ok)
	assert.Equal(t, 100, p.VMID)
	assert.Equal(t, 1, p.DiskID)
	require.NotNil(t, p.Parent)
	assert.Equal(t, 50, p.Parent.BaseVMID)
	assert.Equal(t, 0, p.Parent.BaseDisk)
}

func TestPveToArrayAndBack(t *testing.T) {
	array, err := PveToArray("pure1", "vm-100-disk-0")
	require.NoError(t, err)
	assert.Equal(t, "pve-pure1-100-disk0", array)

	back, err := ArrayToPve(array, false)
	require.NoError(t, err)
	assert.Equal(t, "vm-100-disk-0", back)
}

func TestPveToArrayTemplateRoundTrip(t *testing.T) {
	array, err := PveToArray("pure1", "base-100-disk-0")
	require.NoError(t, err)
	assert.Equal(t, "pve-pure1-100-disk0", array)

	back, err := ArrayToPve(array, true)
	require.NoError(t, err)
	assert.Equal(t, "base-100-disk-0", back)
}

func TestPveToArrayLinkedClone(t *testing.T) {
	name := LinkedCloneName(50, 0, 100, 1)
	array, err := PveToArray("pure1", name)
	require.NoError(t, err)
	assert.Equal(t, "pve-pure1-100-disk1", array)
}

func TestPveToArrayCloudinitAndState(t *testing.T) {
	array, err := PveToArray("pure1", "vm-100-cloudinit")
	require.NoError(t, err)
	assert.Equal(t, "pve-pure1-100-cloudinit", array)

	array, err = PveToArray("pure1", "vm-100-state-hourly")
	require.NoError(t, err)
	assert.Equal(t, "pve-pure1-100-state-hourly", array)
}

func TestPveToArrayRejectsGarbage(t *testing.T) {
	_, err := PveToArray("pure1", "not-a-volume-name")
	assert.Error(t, err)
}

func TestPodQualifyUnqualify(t *testing.T) {
	q := PodQualify("prod", "pve-pure1-100-disk0")
	assert.Equal(t, "prod::pve-pure1-100-disk0", q)

	pod, local := PodUnqualify(q)
	assert.Equal(t, "prod", pod)
	assert.Equal(t, "pve-pure1-100-disk0", local)

	pod, local = PodUnqualify("pve-pure1-100-disk0")
	assert.Equal(t, "", pod)
	assert.Equal(t, "pve-pure1-100-disk0", local)
}

func TestIsValidArrayName(t *testing.T) {
	assert.True(t, IsValidArrayName("pve-pure1-100-disk0"))
	assert.False(t, IsValidArrayName(""))
	assert.False(t, IsValidArrayName("-leading-dash"))
	assert.False(t, IsValidArrayName(strings.Repeat("a", 64)))
}

func TestEncodeVolumeWithinBoundsForMaxFields(t *testing.T) {
	// 24-char storage, 7-digit VMID, 3-digit disk index.
	name := EncodeVolume(strings.Repeat("s", 24), 1234567, 123)
	assert.LessOrEqual(t, len(name), 63)
}
