// Package sanfabric drives the host kernel's SAN stack: iSCSI and FC
// target discovery/login, SCSI host rescans, multipath control, and
// the udev trigger that defeats stale WWID caches after a rescan
// (spec.md §4.C).
//
// Every external command goes through pkg/execrunner for the
// concurrent-drain, bounded-timeout, ignorable-exit-code discipline
// spec.md requires; every filesystem path read/written here is rooted
// under Fabric.Root (defaulting to "/") so tests can point at a
// scratch directory instead of the real /sys and /etc.
package sanfabric

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cuemby/pve-flasharray/pkg/execrunner"
)

// Protocol is the capability every SAN transport implements, letting
// the Device Resolver's wait loop stay protocol-agnostic (spec.md
// §4.D "Wait loop" takes "a protocol-specific rescan callback").
type Protocol interface {
	// DiscoverAndLogin establishes sessions/connections to every
	// configured target, tolerating per-target failure.
	DiscoverAndLogin(ctx context.Context) error
	// RescanFabric asks the transport to re-examine existing
	// sessions/ports for new LUNs (iSCSI session rescan, FC LIP).
	RescanFabric(ctx context.Context) error
	// CleanupSessions logs out / tears down transport-level state,
	// used by deactivate_storage once no volumes remain connected.
	CleanupSessions(ctx context.Context) error
}

// Fabric holds the shared configuration and subprocess runner used by
// both the iSCSI and FC drivers and by the protocol-agnostic common
// operations (SCSI rescan, multipath control, udev trigger).
type Fabric struct {
	Root   string // filesystem root, "/" in production
	Runner *execrunner.Runner
}

// New returns a Fabric rooted at "/" with a runner bounded by timeout.
func New(timeout time.Duration) *Fabric {
	return &Fabric{Root: "/", Runner: execrunner.New(timeout)}
}

func (f *Fabric) path(elem ...string) string {
	return filepath.Join(append([]string{f.Root}, elem...)...)
}
