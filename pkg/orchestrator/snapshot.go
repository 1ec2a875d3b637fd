package orchestrator

import (
	"context"
	"fmt"

	"github.com/cuemby/pve-flasharray/pkg/configbackup"
	"github.com/cuemby/pve-flasharray/pkg/naming"
	"github.com/cuemby/pve-flasharray/pkg/types"
)

// Snapshot creates an array snapshot of hostVolName under the given
// snap name and, if vmConfigPath is non-empty, best-effort writes a
// config-backup side channel alongside it (spec.md §4.E volume_snapshot).
// A config-backup failure is logged, never surfaced: the snapshot
// itself already succeeded.
func (o *Orchestrator) Snapshot(ctx context.Context, hostVolName, snap, vmConfigPath string) error {
	return o.recordOp("volume_snapshot", func() error {
		parsed, err := parseOrError(hostVolName)
		if err != nil {
			return err
		}
		arrayVol := o.arrayNameFor(parsed)
		suffix := naming.EncodeSnapshotSuffix(snap)

		if _, err := o.client.CreateSnapshot(ctx, arrayVol, suffix); err != nil {
			return fmt.Errorf("orchestrator: snapshotting %s: %w", arrayVol, err)
		}

		if vmConfigPath == "" {
			return nil
		}

		err = configbackup.Create(ctx, o.configbackupDeps(), o.cfg.StorageID, parsed.VMID, snap, o.currentHostName(), vmConfigPath)
		if err != nil {
			o.logger.Warn().Str("volume", hostVolName).Str("snap", snap).Err(err).Msg("config backup side channel failed")
		}
		return nil
	})
}

// SnapshotDelete soft-deletes a snapshot and its config-backup volume,
// idempotent on absence.
func (o *Orchestrator) SnapshotDelete(ctx context.Context, hostVolName, snap string) error {
	return o.recordOp("volume_snapshot_delete", func() error {
		parsed, err := parseOrError(hostVolName)
		if err != nil {
			return err
		}
		arrayVol := o.arrayNameFor(parsed)
		suffix := naming.EncodeSnapshotSuffix(snap)
		fullName := arrayVol + "." + suffix

		if err := o.client.DeleteSnapshot(ctx, fullName); err != nil && !isNotFound(err) {
			return fmt.Errorf("orchestrator: deleting snapshot %s: %w", fullName, err)
		}

		if err := configbackup.DeleteForSnapshot(ctx, o.configbackupDeps(), o.cfg.StorageID, parsed.VMID, snap); err != nil {
			o.logger.Warn().Str("volume", hostVolName).Str("snap", snap).Err(err).Msg("config backup cleanup failed")
		}
		return nil
	})
}

// SnapshotRollback overwrites hostVolName's content in place from the
// named snapshot. The volume's local device must not be in use — a
// running VM must never see its disk content mutated under it (spec.md
// §5 rollback ordering) — and after the overwrite the SAN stack is
// rescanned so the kernel picks up the changed content and size.
// Rollback across a pod boundary cannot be expressed here (DESIGN.md
// Open Question 2): the snapshot name is derived from the volume's own
// name, so both are qualified by the same configured pod.
func (o *Orchestrator) SnapshotRollback(ctx context.Context, hostVolName, snap string) error {
	return o.recordOp("volume_snapshot_rollback", func() error {
		parsed, err := parseOrError(hostVolName)
		if err != nil {
			return err
		}
		arrayVol := o.arrayNameFor(parsed)
		suffix := naming.EncodeSnapshotSuffix(snap)
		fullName := arrayVol + "." + suffix

		vol, err := o.client.GetVolume(ctx, arrayVol)
		if err != nil {
			return fmt.Errorf("orchestrator: looking up %s: %w", arrayVol, err)
		}
		if _, err := o.client.GetSnapshot(ctx, fullName); err != nil {
			return fmt.Errorf("orchestrator: looking up snapshot %s: %w", fullName, err)
		}

		if dev, err := o.resolver.Lookup(ctx, vol.WWID()); err == nil {
			if busy, reason, err := o.resolver.InUse(ctx, dev); err == nil && busy {
				return &types.InUseError{Device: dev, Reason: reason}
			}
		}

		if err := o.client.OverwriteFromSnapshot(ctx, arrayVol, fullName); err != nil {
			return fmt.Errorf("orchestrator: rolling back %s to %s: %w", arrayVol, fullName, err)
		}

		if err := o.proto.RescanFabric(ctx); err != nil {
			o.logger.Warn().Str("volume", arrayVol).Err(err).Msg("post-rollback fabric rescan failed")
		}
		if err := o.fabric.RescanAndReload(ctx); err != nil {
			o.logger.Warn().Str("volume", arrayVol).Err(err).Msg("post-rollback scsi rescan failed")
		}
		return nil
	})
}

// SnapshotInfo is the host-visible listing of one snapshot, named and
// timestamped but without any array-internal detail.
type SnapshotInfo struct {
	Name    string
	Created int64 // unix seconds
}

// SnapshotList enumerates the non-template, non-destroyed snapshots of
// hostVolName.
func (o *Orchestrator) SnapshotList(ctx context.Context, hostVolName string) ([]SnapshotInfo, error) {
	var out []SnapshotInfo
	err := o.recordOp("volume_snapshot_list", func() error {
		parsed, err := parseOrError(hostVolName)
		if err != nil {
			return err
		}
		arrayVol := o.arrayNameFor(parsed)

		snaps, err := o.client.ListSnapshots(ctx, arrayVol, "pve-snap-*", false)
		if err != nil {
			return fmt.Errorf("orchestrator: listing snapshots of %s: %w", arrayVol, err)
		}

		out = make([]SnapshotInfo, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, SnapshotInfo{Name: snapNameFromSuffix(s.Suffix), Created: s.Created.Unix()})
		}
		return nil
	})
	return out, err
}

func snapNameFromSuffix(suffix string) string {
	const prefix = "pve-snap-"
	if len(suffix) > len(prefix) && suffix[:len(prefix)] == prefix {
		return suffix[len(prefix):]
	}
	return suffix
}
