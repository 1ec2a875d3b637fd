package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/pve-flasharray/pkg/configbackup"
	"github.com/cuemby/pve-flasharray/pkg/naming"
	"github.com/cuemby/pve-flasharray/pkg/types"
)

// Alloc creates a new disk volume for vmid, connects it to every host
// in the cluster, and returns its host-visible name (spec.md §4.E
// alloc_image step order: create, then connect, never the reverse).
// diskID < 0 means "pick the next free index"; cloudinit/state roles
// ignore it. State and cloudinit volumes are used by the platform
// immediately after return, so for those Alloc additionally waits for
// the local block device to materialize before reporting success.
func (o *Orchestrator) Alloc(ctx context.Context, vmid int, role types.VolumeRole, diskID int, snap string, sizeBytes int64) (string, error) {
	var hostVolName, arrayVol string

	err := o.recordOp("alloc_image", func() error {
		var err error
		switch role {
		case types.RoleCloudinit:
			arrayVol = naming.EncodeCloudinit(o.cfg.StorageID, vmid)
			hostVolName = fmt.Sprintf("vm-%d-cloudinit", vmid)
		case types.RoleState:
			arrayVol = naming.EncodeState(o.cfg.StorageID, vmid, snap)
			hostVolName = fmt.Sprintf("vm-%d-state-%s", vmid, snap)
		default:
			if diskID < 0 {
				diskID, err = o.findFreeDiskIndex(ctx, vmid)
				if err != nil {
					return err
				}
			}
			arrayVol = naming.EncodeVolume(o.cfg.StorageID, vmid, diskID)
			hostVolName = fmt.Sprintf("vm-%d-disk-%d", vmid, diskID)
		}

		if err := o.clearStaleVolume(ctx, arrayVol, role); err != nil {
			return err
		}

		vol, err := o.client.CreateVolume(ctx, arrayVol, sizeBytes)
		if err != nil {
			return fmt.Errorf("orchestrator: creating volume %s: %w", arrayVol, err)
		}

		if err := o.connectToCluster(ctx, arrayVol); err != nil {
			return o.rollbackPartialCreate(ctx, arrayVol, err)
		}

		if role == types.RoleState || role == types.RoleCloudinit {
			if _, err := o.resolver.WaitForDevice(ctx, o.fabric, o.proto, vol.WWID(), o.deviceTimeout()); err != nil {
				return o.rollbackPartialCreate(ctx, arrayVol, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return hostVolName, nil
}

// clearStaleVolume enforces the "a host-side disk name never refers to
// more than one array volume" invariant before a create. A leftover
// state/cloudinit volume is an orphan from an interrupted operation and
// gets disconnected from every host and soft-deleted; a live disk
// volume with the target name aborts the allocation outright.
func (o *Orchestrator) clearStaleVolume(ctx context.Context, arrayVol string, role types.VolumeRole) error {
	existing, err := o.client.GetVolume(ctx, arrayVol)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("orchestrator: checking for existing volume %s: %w", arrayVol, err)
	}

	if role == types.RoleDisk {
		return &types.ConflictError{Op: "alloc_image", Reason: "already_exists",
			Hint: fmt.Sprintf("volume %s already exists on the array", arrayVol)}
	}

	o.logger.Warn().Str("volume", arrayVol).Msg("cleaning up orphaned volume before reallocation")
	if !existing.Destroyed {
		conns, err := o.client.ListConnectionsForVolume(ctx, arrayVol)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("orchestrator: listing connections of orphan %s: %w", arrayVol, err)
		}
		for _, c := range conns {
			if err := o.client.Disconnect(ctx, c.HostName, arrayVol); err != nil && !isBenignConflict(err) && !isNotFound(err) {
				return fmt.Errorf("orchestrator: disconnecting orphan %s from %s: %w", arrayVol, c.HostName, err)
			}
		}
		if err := o.client.DestroyVolume(ctx, arrayVol); err != nil && !isNotFound(err) {
			return fmt.Errorf("orchestrator: soft-deleting orphan %s: %w", arrayVol, err)
		}
	}
	return nil
}

// Free disconnects and soft-deletes a host-side volume from every host
// it is connected to. The local device is torn down first and the whole
// operation hard-refuses while that device is in use — an array volume
// is never destroyed while a local device backed by it might still be
// open (spec.md §5 delete ordering). If this was the VM's last
// remaining disk, any config-backup side-channel volumes for the vmid
// are cleaned up too (spec.md §4.E free_image).
func (o *Orchestrator) Free(ctx context.Context, hostVolName string) error {
	return o.recordOp("free_image", func() error {
		parsed, err := parseOrError(hostVolName)
		if err != nil {
			return err
		}
		arrayVol := o.arrayNameFor(parsed)

		vol, err := o.client.GetVolume(ctx, arrayVol)
		if err != nil {
			if isNotFound(err) {
				o.logger.Warn().Str("volume", arrayVol).Msg("free of absent volume, nothing to do")
				return nil
			}
			return fmt.Errorf("orchestrator: looking up %s: %w", arrayVol, err)
		}

		if err := o.resolver.Teardown(ctx, vol.WWID()); err != nil {
			var inUse *types.InUseError
			if errors.As(err, &inUse) {
				return err
			}
			o.logger.Warn().Str("volume", arrayVol).Err(err).Msg("local teardown before free failed, continuing")
		}

		conns, err := o.client.ListConnectionsForVolume(ctx, arrayVol)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("orchestrator: listing connections for %s: %w", arrayVol, err)
		}
		for _, c := range conns {
			if err := o.client.Disconnect(ctx, c.HostName, arrayVol); err != nil && !isBenignConflict(err) && !isNotFound(err) {
				o.logger.Warn().Str("volume", arrayVol).Str("host", c.HostName).Err(err).Msg("disconnect failed, continuing")
			}
		}

		if err := o.client.DestroyVolume(ctx, arrayVol); err != nil && !isNotFound(err) {
			return fmt.Errorf("orchestrator: destroying %s: %w", arrayVol, err)
		}

		if parsed.Kind == types.RoleDisk {
			if last, err := o.isLastDiskForVMID(ctx, parsed.VMID); err == nil && last {
				if err := configbackup.DeleteAllForVMID(ctx, o.configbackupDeps(), o.cfg.StorageID, parsed.VMID); err != nil {
					o.logger.Warn().Int("vmid", parsed.VMID).Err(err).Msg("config backup cleanup failed")
				}
			}
		}
		return nil
	})
}

// Resize grows a volume's provisioned size. Shrink requests are
// rejected outright: the array would refuse a shrink that loses data,
// and the host platform never asks for one deliberately (spec.md §4.E
// "reject shrink").
func (o *Orchestrator) Resize(ctx context.Context, hostVolName string, newSizeBytes int64) error {
	return o.recordOp("volume_resize", func() error {
		parsed, err := parseOrError(hostVolName)
		if err != nil {
			return err
		}
		arrayVol := o.arrayNameFor(parsed)

		current, err := o.client.GetVolume(ctx, arrayVol)
		if err != nil {
			return fmt.Errorf("orchestrator: looking up %s: %w", arrayVol, err)
		}
		if newSizeBytes < current.Provisioned {
			return &types.ConflictError{Op: "volume_resize", Reason: "shrink_rejected",
				Hint: "shrinking a provisioned volume is not supported"}
		}
		if newSizeBytes == current.Provisioned {
			return nil
		}

		if err := o.client.ResizeVolume(ctx, arrayVol, newSizeBytes); err != nil {
			return fmt.Errorf("orchestrator: resizing %s: %w", arrayVol, err)
		}

		// When the volume is attached here (VM running), rescan so the
		// kernel picks the new size up online; a volume with no local
		// device has nothing to refresh.
		if _, err := o.resolver.Lookup(ctx, current.WWID()); err == nil {
			if err := o.proto.RescanFabric(ctx); err != nil {
				o.logger.Warn().Str("volume", arrayVol).Err(err).Msg("post-resize fabric rescan failed")
			}
			if err := o.fabric.RescanAndReload(ctx); err != nil {
				o.logger.Warn().Str("volume", arrayVol).Err(err).Msg("post-resize scsi rescan failed")
			}
		}
		return nil
	})
}
