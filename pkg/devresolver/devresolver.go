// Package devresolver binds array-side WWIDs to local block devices:
// looking them up through multipath/by-id/sysfs, waiting for a device
// to appear after a connect, enumerating multipath slaves, and tearing
// a device down safely — refusing whenever the device looks "in use"
// (spec.md §4.D). This is the layer that turns an array connection
// into something the host can actually open.
package devresolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/pve-flasharray/pkg/execrunner"
	"github.com/cuemby/pve-flasharray/pkg/log"
	"github.com/cuemby/pve-flasharray/pkg/sanfabric"
	"github.com/cuemby/pve-flasharray/pkg/types"
)

// Resolver binds WWIDs to devices under Root (the filesystem root,
// "/" in production, a scratch directory in tests).
type Resolver struct {
	Root   string
	Runner *execrunner.Runner
}

// New returns a Resolver rooted at "/".
func New(timeout time.Duration) *Resolver {
	return &Resolver{Root: "/", Runner: execrunner.New(timeout)}
}

func (r *Resolver) path(elem ...string) string {
	return filepath.Join(append([]string{r.Root}, elem...)...)
}

// Lookup resolves wwid to a device path: multipath aggregate first,
// then /dev/disk/by-id, then a raw sysfs vpd_pg80 scan. The multipath
// and by-id matches are exact, case-insensitive comparisons — substring
// matches have been observed to return a sibling LUN in production
// (spec.md §4.D). The sysfs fallback searches each vpd_pg80 page for
// the serial as a substring of its hex-encoded content.
func (r *Resolver) Lookup(ctx context.Context, wwid string) (string, error) {
	wwid = strings.ToLower(wwid)

	if dev, ok, err := r.lookupMultipath(ctx, wwid); err != nil {
		return "", err
	} else if ok {
		return r.untaint(dev)
	}

	if dev, ok, err := r.lookupByID(wwid); err != nil {
		return "", err
	} else if ok {
		return r.untaint(dev)
	}

	if dev, ok, err := r.lookupSysfsVPD(wwid); err != nil {
		return "", err
	} else if ok {
		return r.untaint(dev)
	}

	return "", &types.NotFoundError{Kind: "device", Name: wwid}
}

func (r *Resolver) untaint(path string) (string, error) {
	if !execrunner.IsSafeToken(path) {
		return "", fmt.Errorf("devresolver: resolved device path %q contains disallowed characters", path)
	}
	return path, nil
}

// lookupMultipath parses `multipathd show maps raw format "%n %w"`
// output ("mapname wwid" per line) for an exact match.
func (r *Resolver) lookupMultipath(ctx context.Context, wwid string) (string, bool, error) {
	res, err := r.Runner.Run(ctx, nil, "multipathd", "show", "maps", "raw", "format", "%n %w")
	if err != nil {
		// multipathd not running / no maps at all is not fatal to lookup;
		// the caller falls through to by-id and sysfs.
		return "", false, nil
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name, lineWWID := fields[0], strings.ToLower(fields[1])
		if lineWWID == wwid {
			return r.path("dev", "mapper", name), true, nil
		}
	}
	return "", false, nil
}

// lookupByID scans /dev/disk/by-id for a "wwn-" or "scsi-" entry whose
// suffix matches wwid exactly.
func (r *Resolver) lookupByID(wwid string) (string, bool, error) {
	dir := r.path("dev", "disk", "by-id")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("devresolver: reading %s: %w", dir, err)
	}

	for _, prefix := range []string{"wwn-0x", "scsi-"} {
		for _, e := range entries {
			name := e.Name()
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			suffix := strings.ToLower(strings.TrimPrefix(name, prefix))
			if suffix == wwid {
				target, err := filepath.EvalSymlinks(filepath.Join(dir, name))
				if err != nil {
					return "", false, fmt.Errorf("devresolver: resolving %s: %w", name, err)
				}
				return target, true, nil
			}
		}
	}
	return "", false, nil
}

// lookupSysfsVPD falls back to scanning every /sys/block/*/device/vpd_pg80
// for a device identification page whose hex-encoded content contains
// wwid's serial suffix, used when neither multipath nor by-id has
// picked up a just-created volume yet.
func (r *Resolver) lookupSysfsVPD(wwid string) (string, bool, error) {
	pattern := r.path("sys", "block", "*", "device", "vpd_pg80")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", false, fmt.Errorf("devresolver: globbing vpd_pg80: %w", err)
	}
	sort.Strings(matches)

	serial := strings.TrimPrefix(wwid, "3624a9370")
	for _, m := range matches {
		raw, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		hexContent := strings.ToLower(fmt.Sprintf("%x", raw))
		if serial != "" && strings.Contains(hexContent, serial) {
			blockName := filepath.Base(filepath.Dir(filepath.Dir(m)))
			return r.path("dev", blockName), true, nil
		}
	}
	return "", false, nil
}

// DiagnosticInfo is attached to a LocalFatalError when a wait loop
// times out, so the failure is actionable without log scraping.
type DiagnosticInfo struct {
	WWID            string
	ActiveSessions  []sanfabric.ISCSISession
	OnlineFCTargets []sanfabric.FCRemotePort
}

func (d DiagnosticInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "wwid=%s", d.WWID)
	if len(d.ActiveSessions) > 0 {
		fmt.Fprintf(&b, "\nactive iscsi sessions:")
		for _, s := range d.ActiveSessions {
			fmt.Fprintf(&b, "\n  %s -> %s", s.Portal, s.Target)
		}
	}
	if len(d.OnlineFCTargets) > 0 {
		fmt.Fprintf(&b, "\nonline fc targets:")
		for _, t := range d.OnlineFCTargets {
			fmt.Fprintf(&b, "\n  %s (%s)", t.Name, t.PortName)
		}
	}
	fmt.Fprintf(&b, "\ndebug: multipathd show maps raw format \"%%n %%w\"; ls /dev/disk/by-id")
	return b.String()
}

// WaitForDevice loops until wwid resolves to a device or the timeout
// elapses. Each iteration invokes the protocol-specific rescan
// callback, then a SCSI host rescan, multipath reload, and udev
// trigger, then attempts Lookup (spec.md §4.D "Wait loop").
func (r *Resolver) WaitForDevice(ctx context.Context, fabric *sanfabric.Fabric, proto sanfabric.Protocol, wwid string, timeout time.Duration) (string, error) {
	logger := log.WithComponent("devresolver")
	deadline := time.Now().Add(timeout)
	const pollInterval = 2 * time.Second

	var lastErr error
	for {
		if dev, err := r.Lookup(ctx, wwid); err == nil {
			return dev, nil
		} else {
			lastErr = err
		}

		if time.Now().After(deadline) {
			break
		}

		if err := proto.RescanFabric(ctx); err != nil {
			logger.Debug().Str("wwid", wwid).Err(err).Msg("protocol rescan failed, continuing")
		}
		if err := fabric.RescanSCSIHosts(ctx); err != nil {
			logger.Debug().Str("wwid", wwid).Err(err).Msg("scsi rescan failed, continuing")
		}
		if err := fabric.MultipathReconfigure(ctx); err != nil {
			logger.Debug().Str("wwid", wwid).Err(err).Msg("multipath reconfigure failed, continuing")
		}
		if err := fabric.TriggerUdev(ctx); err != nil {
			logger.Debug().Str("wwid", wwid).Err(err).Msg("udev trigger failed, continuing")
		}

		select {
		case <-ctx.Done():
			return "", &types.LocalFatalError{Op: "wait_for_device", WWID: wwid, Err: ctx.Err()}
		case <-time.After(pollInterval):
		}
	}

	diag := DiagnosticInfo{WWID: wwid}
	switch p := proto.(type) {
	case *sanfabric.ISCSI:
		if sessions, err := p.ListSessions(ctx); err == nil {
			diag.ActiveSessions = sessions
		}
	case *sanfabric.FC:
		if targets, err := p.OnlineTargetPorts(); err == nil {
			diag.OnlineFCTargets = targets
		}
	}
	return "", &types.LocalFatalError{
		Op: "wait_for_device", WWID: wwid,
		Diag: diag.String(),
		Err:  fmt.Errorf("device discovery timed out after %s: %w", timeout, lastErr),
	}
}

// Slaves enumerates the underlying SCSI device names of a multipath
// aggregate "/dev/mapper/X" from /sys/block/X/slaves.
func (r *Resolver) Slaves(mapperDevice string) ([]string, error) {
	name := filepath.Base(mapperDevice)
	dir := r.path("sys", "block", name, "slaves")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("devresolver: reading %s: %w", dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// InUse reports whether device (the mapper name or any of its slaves)
// looks in use: present in /proc/mounts, has non-empty
// /sys/block/{name}/holders, or `fuser -s` succeeds against it. A
// slave mounted or held directly, bypassing the dm name, counts.
func (r *Resolver) InUse(ctx context.Context, device string) (bool, string, error) {
	slaves, err := r.Slaves(device)
	if err != nil {
		return false, "", err
	}
	return r.inUse(ctx, device, slaves)
}

func (r *Resolver) inUse(ctx context.Context, device string, slaves []string) (bool, string, error) {
	mounted, err := r.isMounted(filepath.Base(device))
	if err != nil {
		return false, "", err
	}
	if mounted {
		return true, "mounted", nil
	}

	hasHolders, err := r.hasHolders(filepath.Base(device))
	if err != nil {
		return false, "", err
	}
	if hasHolders {
		return true, "has holders", nil
	}

	for _, slave := range slaves {
		mounted, err := r.isMounted(slave)
		if err != nil {
			return false, "", err
		}
		if mounted {
			return true, "slave " + slave + " mounted", nil
		}
		hasHolders, err := r.hasHolders(slave)
		if err != nil {
			return false, "", err
		}
		if hasHolders {
			return true, "slave " + slave + " has holders", nil
		}
	}

	if r.fuserBusy(ctx, device) {
		return true, "open (fuser)", nil
	}

	return false, "", nil
}

func (r *Resolver) isMounted(name string) (bool, error) {
	path := r.path("proc", "mounts")
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("devresolver: reading %s: %w", path, err)
	}
	return strings.Contains(string(content), "/"+name), nil
}

func (r *Resolver) hasHolders(name string) (bool, error) {
	dir := r.path("sys", "block", name, "holders")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("devresolver: reading %s: %w", dir, err)
	}
	return len(entries) > 0, nil
}

func (r *Resolver) fuserBusy(ctx context.Context, device string) bool {
	if !execrunner.IsSafeToken(device) {
		return false
	}
	_, err := r.Runner.Run(ctx, nil, "fuser", "-s", device)
	return err == nil
}

// Teardown performs the ordered device-removal sequence from spec.md
// §4.D: refuse if in use, enumerate slaves, sync + flush the mapper
// device, remove the multipath map, delete each slave, with settle
// sleeps between device-mapper-affecting steps.
func (r *Resolver) Teardown(ctx context.Context, wwid string) error {
	logger := log.WithComponent("devresolver")

	device, err := r.Lookup(ctx, wwid)
	if err != nil {
		var nf *types.NotFoundError
		if errors.As(err, &nf) {
			logger.Debug().Str("wwid", wwid).Msg("teardown: device already absent")
			return nil
		}
		return err
	}

	mapperName := filepath.Base(device)
	slaves, err := r.Slaves(device)
	if err != nil {
		return err
	}

	if busy, reason, err := r.inUse(ctx, device, slaves); err != nil {
		return err
	} else if busy {
		return &types.InUseError{Device: device, Reason: reason}
	}

	if _, err := r.Runner.Run(ctx, nil, "sync"); err != nil {
		logger.Warn().Err(err).Msg("sync failed before teardown, continuing")
	}
	if execrunner.IsSafeToken(device) {
		if _, err := r.Runner.Run(ctx, nil, "blockdev", "--flushbufs", device); err != nil {
			logger.Warn().Str("device", device).Err(err).Msg("flushbufs failed, continuing")
		}
	}

	if execrunner.IsSafeToken(mapperName) {
		if _, err := r.Runner.Run(ctx, nil, "multipathd", "remove", "map", mapperName); err != nil {
			logger.Warn().Str("map", mapperName).Err(err).Msg("multipathd remove map failed, continuing")
		}
	}
	if _, err := r.Runner.Run(ctx, nil, "multipath", "-f", device); err != nil {
		logger.Warn().Str("device", device).Err(err).Msg("multipath -f failed, continuing")
	}

	time.Sleep(500 * time.Millisecond)

	for _, slave := range slaves {
		deletePath := r.path("sys", "class", "block", slave, "device", "delete")
		if err := os.WriteFile(deletePath, []byte("1"), 0o200); err != nil {
			logger.Warn().Str("slave", slave).Err(err).Msg("slave delete failed, continuing")
		}
	}

	time.Sleep(500 * time.Millisecond)
	return nil
}
