package sanfabric

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/pve-flasharray/pkg/execrunner"
	"github.com/cuemby/pve-flasharray/pkg/log"
)

// RescanSCSIHosts writes "- - -" to every /sys/class/scsi_host/*/scan,
// asking the kernel to re-probe every channel/target/LUN on each HBA.
func (f *Fabric) RescanSCSIHosts(ctx context.Context) error {
	logger := log.WithComponent("sanfabric")
	pattern := f.path("sys", "class", "scsi_host", "host*", "scan")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("sanfabric: globbing scsi_host scan files: %w", err)
	}
	sort.Strings(matches)

	var firstErr error
	for _, scanFile := range matches {
		if err := os.WriteFile(scanFile, []byte("- - -"), 0o200); err != nil {
			logger.Warn().Str("file", scanFile).Err(err).Msg("scsi host rescan write failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	return firstErr
}

// MultipathReconfigure runs `multipathd reconfigure`, reloading the
// multipath daemon's configuration.
func (f *Fabric) MultipathReconfigure(ctx context.Context) error {
	_, err := f.Runner.Run(ctx, nil, "multipathd", "reconfigure")
	return err
}

// MultipathFlush runs `multipath -f [device]`, flushing an unused
// multipath map. device may be empty to flush all unused maps.
func (f *Fabric) MultipathFlush(ctx context.Context, device string) error {
	args := []string{"-f"}
	if device != "" {
		if !execrunner.IsSafeToken(device) {
			return fmt.Errorf("sanfabric: refusing unsafe device token %q", device)
		}
		args = append(args, device)
	}
	_, err := f.Runner.Run(ctx, nil, "multipath", args...)
	return err
}

// MultipathdAddPath runs `multipathd add path {device}`.
func (f *Fabric) MultipathdAddPath(ctx context.Context, device string) error {
	if !execrunner.IsSafeToken(device) {
		return fmt.Errorf("sanfabric: refusing unsafe device token %q", device)
	}
	_, err := f.Runner.Run(ctx, nil, "multipathd", "add", "path", device)
	return err
}

// MultipathdRemovePath runs `multipathd remove path {device}`.
func (f *Fabric) MultipathdRemovePath(ctx context.Context, device string) error {
	if !execrunner.IsSafeToken(device) {
		return fmt.Errorf("sanfabric: refusing unsafe device token %q", device)
	}
	_, err := f.Runner.Run(ctx, nil, "multipathd", "remove", "path", device)
	return err
}

// MultipathdRemoveMap runs `multipathd remove map {name}`.
func (f *Fabric) MultipathdRemoveMap(ctx context.Context, name string) error {
	if !execrunner.IsSafeToken(name) {
		return fmt.Errorf("sanfabric: refusing unsafe map name %q", name)
	}
	_, err := f.Runner.Run(ctx, nil, "multipathd", "remove", "map", name)
	return err
}

// TriggerUdev runs `udevadm trigger --subsystem-match=block` followed
// by `udevadm settle`, defeating the stale-WWID-cache failure mode a
// freshly created volume can otherwise trip (spec.md §4.C).
func (f *Fabric) TriggerUdev(ctx context.Context) error {
	if _, err := f.Runner.Run(ctx, nil, "udevadm", "trigger", "--subsystem-match=block"); err != nil {
		return fmt.Errorf("sanfabric: udevadm trigger: %w", err)
	}
	if _, err := f.Runner.Run(ctx, nil, "udevadm", "settle"); err != nil {
		return fmt.Errorf("sanfabric: udevadm settle: %w", err)
	}
	return nil
}

// RescanAndReload performs the standard post-change sequence every
// create/resize/rollback needs: SCSI rescan, multipath reconfigure,
// udev trigger. It continues past individual failures and returns the
// first one, since a partial rescan is still better than none.
func (f *Fabric) RescanAndReload(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(f.RescanSCSIHosts(ctx))
	record(f.MultipathReconfigure(ctx))
	record(f.TriggerUdev(ctx))
	return firstErr
}

// readTrimmed reads a sysfs attribute file and trims surrounding
// whitespace, the shape every /sys/class/... single-value file takes.
func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
