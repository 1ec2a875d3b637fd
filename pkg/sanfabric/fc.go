package sanfabric

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/pve-flasharray/pkg/log"
)

// FCHost describes one local HBA under /sys/class/fc_host/hostN.
type FCHost struct {
	Name       string // "host0"
	PortName   string // WWPN as read from sysfs port_name, e.g. "0x21000024ff5a1b2c"
	NodeName   string
	PortState  string
	PortType   string
	Speed      string
	FabricName string
}

// PortNameColonSeparated formats the host's WWPN for display:
// "21:00:00:24:ff:5a:1b:2c".
func (h FCHost) PortNameColonSeparated() string {
	return colonSeparateHex(h.PortName)
}

func colonSeparateHex(raw string) string {
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	var b strings.Builder
	for i := 0; i < len(raw); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 2
		if end > len(raw) {
			end = len(raw)
		}
		b.WriteString(raw[i:end])
	}
	return b.String()
}

// FCRemotePort describes one entry under /sys/class/fc_remote_ports.
type FCRemotePort struct {
	Name     string // "rport-0:0-0"
	PortName string
	Roles    string
}

// IsTarget reports whether this remote port advertises the "target"
// role.
func (p FCRemotePort) IsTarget() bool {
	return strings.Contains(strings.ToLower(p.Roles), "target")
}

// FC drives the host's Fibre Channel HBAs.
type FC struct {
	*Fabric
}

// NewFC returns an FC driver over fabric.
func NewFC(fabric *Fabric) *FC {
	return &FC{Fabric: fabric}
}

// EnumerateHBAs lists every local FC HBA and its current state.
func (f *FC) EnumerateHBAs() ([]FCHost, error) {
	pattern := f.path("sys", "class", "fc_host", "host*")
	dirs, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("sanfabric: globbing fc_host: %w", err)
	}
	sort.Strings(dirs)

	hosts := make([]FCHost, 0, len(dirs))
	for _, dir := range dirs {
		name := filepath.Base(dir)
		h := FCHost{Name: name}
		h.PortName, _ = readTrimmed(filepath.Join(dir, "port_name"))
		h.NodeName, _ = readTrimmed(filepath.Join(dir, "node_name"))
		h.PortState, _ = readTrimmed(filepath.Join(dir, "port_state"))
		h.PortType, _ = readTrimmed(filepath.Join(dir, "port_type"))
		h.Speed, _ = readTrimmed(filepath.Join(dir, "speed"))
		h.FabricName, _ = readTrimmed(filepath.Join(dir, "fabric_name"))
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// EnumerateRemotePorts lists every entry under
// /sys/class/fc_remote_ports.
func (f *FC) EnumerateRemotePorts() ([]FCRemotePort, error) {
	pattern := f.path("sys", "class", "fc_remote_ports", "rport-*")
	dirs, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("sanfabric: globbing fc_remote_ports: %w", err)
	}
	sort.Strings(dirs)

	ports := make([]FCRemotePort, 0, len(dirs))
	for _, dir := range dirs {
		p := FCRemotePort{Name: filepath.Base(dir)}
		p.PortName, _ = readTrimmed(filepath.Join(dir, "port_name"))
		p.Roles, _ = readTrimmed(filepath.Join(dir, "roles"))
		ports = append(ports, p)
	}
	return ports, nil
}

// OnlineTargetPorts filters EnumerateRemotePorts to those advertising
// the target role, used by activate_storage's FC reachability check.
func (f *FC) OnlineTargetPorts() ([]FCRemotePort, error) {
	all, err := f.EnumerateRemotePorts()
	if err != nil {
		return nil, err
	}
	out := make([]FCRemotePort, 0, len(all))
	for _, p := range all {
		if p.IsTarget() {
			out = append(out, p)
		}
	}
	return out, nil
}

// IssueLIP writes "1" to a single HBA's issue_lip attribute, forcing
// a fabric loop re-initialization.
func (f *FC) IssueLIP(hostName string) error {
	path := f.path("sys", "class", "fc_host", hostName, "issue_lip")
	if err := os.WriteFile(path, []byte("1"), 0o200); err != nil {
		return fmt.Errorf("sanfabric: issuing LIP on %s: %w", hostName, err)
	}
	return nil
}

// IssueLIPAll issues a LIP on every local HBA, tolerating failure on
// individual HBAs.
func (f *FC) IssueLIPAll() error {
	hosts, err := f.EnumerateHBAs()
	if err != nil {
		return err
	}
	logger := log.WithComponent("sanfabric.fc")
	var firstErr error
	for _, h := range hosts {
		if err := f.IssueLIP(h.Name); err != nil {
			logger.Warn().Str("host", h.Name).Err(err).Msg("issue_lip failed, continuing")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DiscoverAndLogin implements Protocol for FC: there is no explicit
// login step, only LIP plus a reachability check against the fabric.
func (f *FC) DiscoverAndLogin(ctx context.Context) error {
	hosts, err := f.EnumerateHBAs()
	if err != nil {
		return fmt.Errorf("sanfabric: enumerating fc hbas: %w", err)
	}
	if len(hosts) == 0 {
		return fmt.Errorf("sanfabric: no FC HBAs present")
	}

	if err := f.IssueLIPAll(); err != nil {
		logger := log.WithComponent("sanfabric.fc")
		logger.Warn().Err(err).Msg("issue_lip failed on one or more HBAs")
	}
	if err := f.RescanSCSIHosts(ctx); err != nil {
		return err
	}

	targets, err := f.OnlineTargetPorts()
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		// Warn, don't fail: spec.md §4.E only requires HBA presence for FC.
		logger := log.WithComponent("sanfabric.fc")
		logger.Warn().Msg("no online FC target ports visible via fabric")
	}
	return nil
}

// RescanFabric implements Protocol for FC via a LIP on every HBA.
func (f *FC) RescanFabric(ctx context.Context) error {
	return f.IssueLIPAll()
}

// CleanupSessions is a no-op for FC: there is no login state to tear
// down, only the zoning the fabric itself controls.
func (f *FC) CleanupSessions(ctx context.Context) error {
	return nil
}
