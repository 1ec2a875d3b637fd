package sanfabric

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/pve-flasharray/pkg/execrunner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	root := t.TempDir()
	return &Fabric{Root: root, Runner: execrunner.New(5 * time.Second)}
}

func TestFCEnumerateHBAs(t *testing.T) {
	f := newTestFabric(t)
	hostDir := filepath.Join(f.Root, "sys", "class", "fc_host", "host0")
	require.NoError(t, os.MkdirAll(hostDir, 0o755))
	writeAttr(t, hostDir, "port_name", "0x21000024ff5a1b2c")
	writeAttr(t, hostDir, "node_name", "0x20000024ff5a1b2c")
	writeAttr(t, hostDir, "port_state", "Online")
	writeAttr(t, hostDir, "port_type", "NPort")
	writeAttr(t, hostDir, "speed", "16 Gbit")
	writeAttr(t, hostDir, "fabric_name", "0x10000024ff5a1b2c")

	fc := NewFC(f)
	hosts, err := fc.EnumerateHBAs()
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "host0", hosts[0].Name)
	assert.Equal(t, "Online", hosts[0].PortState)
	assert.Equal(t, "21:00:00:24:ff:5a:1b:2c", hosts[0].PortNameColonSeparated())
}

func TestFCOnlineTargetPorts(t *testing.T) {
	f := newTestFabric(t)
	rport1 := filepath.Join(f.Root, "sys", "class", "fc_remote_ports", "rport-0:0-0")
	rport2 := filepath.Join(f.Root, "sys", "class", "fc_remote_ports", "rport-0:0-1")
	require.NoError(t, os.MkdirAll(rport1, 0o755))
	require.NoError(t, os.MkdirAll(rport2, 0o755))
	writeAttr(t, rport1, "roles", "FCP Target")
	writeAttr(t, rport1, "port_name", "0x5000097300a1b2c3")
	writeAttr(t, rport2, "roles", "FCP Initiator")

	fc := NewFC(f)
	targets, err := fc.OnlineTargetPorts()
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "rport-0:0-0", targets[0].Name)
}

func TestColonSeparateHex(t *testing.T) {
	assert.Equal(t, "21:00:00:24:ff:5a:1b:2c", colonSeparateHex("0x21000024ff5a1b2c"))
	assert.Equal(t, "21:00:00:24:ff:5a:1b:2c", colonSeparateHex("21000024ff5a1b2c"))
}

func TestISCSILocalIQN(t *testing.T) {
	f := newTestFabric(t)
	dir := filepath.Join(f.Root, "etc", "iscsi")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "initiatorname.iscsi"),
		[]byte("## generated\nInitiatorName=iqn.2020-01.com.example:host1\n"), 0o644))

	iscsi := NewISCSI(f, nil)
	iqn, err := iscsi.LocalIQN()
	require.NoError(t, err)
	assert.Equal(t, "iqn.2020-01.com.example:host1", iqn)
}

func TestISCSISetLocalIQN(t *testing.T) {
	f := newTestFabric(t)
	dir := filepath.Join(f.Root, "etc", "iscsi")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	iscsi := NewISCSI(f, nil)
	require.NoError(t, iscsi.SetLocalIQN("iqn.2020-01.com.example:host2"))

	iqn, err := iscsi.LocalIQN()
	require.NoError(t, err)
	assert.Equal(t, "iqn.2020-01.com.example:host2", iqn)
}

func writeAttr(t *testing.T, dir, name, value string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644))
}
