// Package configbackup implements the config-backup side channel from
// spec.md §4.E: on each snapshot, best-effort, it carves out a 1 MiB
// array volume, formats and mounts it locally, and drops the VM's
// configuration file plus a small metadata file onto it, so an
// out-of-band tool can later recover a configuration snapshot without
// the array itself understanding Proxmox config format at all.
//
// Grounded on pkg/devresolver (wait-for-device, teardown) and
// pkg/execrunner (mkfs/mount/umount), the same subprocess discipline
// every other kernel-facing package in this module uses. Failures here
// are always best-effort: the caller (pkg/orchestrator) logs and moves
// on rather than failing the snapshot operation that triggered it.
package configbackup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/pve-flasharray/pkg/arrayclient"
	"github.com/cuemby/pve-flasharray/pkg/devresolver"
	"github.com/cuemby/pve-flasharray/pkg/execrunner"
	"github.com/cuemby/pve-flasharray/pkg/log"
	"github.com/cuemby/pve-flasharray/pkg/naming"
	"github.com/cuemby/pve-flasharray/pkg/sanfabric"
	"github.com/cuemby/pve-flasharray/pkg/types"
)

// sizeBytes is the fixed size of every config-backup volume (spec.md
// §4.E: "a 1 MiB array volume").
const sizeBytes = 1 << 20

// Metadata is the small JSON sidecar written alongside the VM config
// file, recording where it came from and when.
type Metadata struct {
	ID         string    `json:"id"`
	VMID       int       `json:"vmid"`
	Snap       string    `json:"snap"`
	Timestamp  time.Time `json:"timestamp"`
	SourcePath string    `json:"source_path"`
}

// Deps bundles the lower-layer handles configbackup needs. It takes
// these directly rather than depending on pkg/orchestrator to avoid an
// import cycle (orchestrator is the one calling in).
type Deps struct {
	Client        *arrayclient.Client
	Fabric        *sanfabric.Fabric
	Proto         sanfabric.Protocol
	Resolver      *devresolver.Resolver
	Runner        *execrunner.Runner
	DeviceTimeout time.Duration
}

// Create provisions, formats, and populates the config-backup volume
// for (storage, vmid, snap), writing vmConfigPath's content onto it.
// Every step is best-effort in the sense that the caller is expected
// to log-and-continue on error, never abort the snapshot that
// triggered it (spec.md §4.E).
func Create(ctx context.Context, d Deps, storage string, vmid int, snap, hostName, vmConfigPath string) error {
	logger := log.WithComponent("configbackup").With().Int("vmid", vmid).Str("snap", snap).Logger()

	volName := naming.EncodeConfigVolume(storage, vmid, snap)

	vol, err := d.Client.CreateVolume(ctx, volName, sizeBytes)
	if err != nil {
		return fmt.Errorf("configbackup: creating %s: %w", volName, err)
	}

	if err := d.Client.Connect(ctx, hostName, volName); err != nil {
		return fmt.Errorf("configbackup: connecting %s to %s: %w", volName, hostName, err)
	}

	wwid := vol.WWID()
	device, err := d.Resolver.WaitForDevice(ctx, d.Fabric, d.Proto, wwid, d.DeviceTimeout)
	if err != nil {
		return fmt.Errorf("configbackup: waiting for device %s: %w", wwid, err)
	}

	defer func() {
		if err := d.Resolver.Teardown(ctx, wwid); err != nil {
			logger.Warn().Err(err).Msg("config backup device teardown failed")
		}
		if err := d.Client.Disconnect(ctx, hostName, volName); err != nil {
			logger.Warn().Err(err).Msg("config backup disconnect failed")
		}
	}()

	if !execrunner.IsSafeToken(device) {
		return fmt.Errorf("configbackup: refusing unsafe device token %q", device)
	}
	if _, err := d.Runner.Run(ctx, nil, "mkfs.ext4", "-O", "^has_journal", "-F", device); err != nil {
		return fmt.Errorf("configbackup: mkfs.ext4 %s: %w", device, err)
	}

	mountPoint, err := os.MkdirTemp("", "pve-flasharray-vmconf-")
	if err != nil {
		return fmt.Errorf("configbackup: creating mount point: %w", err)
	}
	defer os.RemoveAll(mountPoint)

	if _, err := d.Runner.Run(ctx, nil, "mount", device, mountPoint); err != nil {
		return fmt.Errorf("configbackup: mounting %s at %s: %w", device, mountPoint, err)
	}
	defer func() {
		if _, err := d.Runner.Run(ctx, nil, "umount", mountPoint); err != nil {
			logger.Warn().Err(err).Msg("config backup unmount failed")
		}
	}()

	if err := copyFile(vmConfigPath, filepath.Join(mountPoint, "vm.conf")); err != nil {
		return fmt.Errorf("configbackup: copying %s: %w", vmConfigPath, err)
	}

	meta := Metadata{
		ID: uuid.NewString(), VMID: vmid, Snap: snap,
		Timestamp: time.Now().UTC(), SourcePath: vmConfigPath,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("configbackup: marshaling metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(mountPoint, "metadata.json"), metaBytes, 0o644); err != nil {
		return fmt.Errorf("configbackup: writing metadata: %w", err)
	}

	logger.Info().Str("volume", volName).Msg("config backup written")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// DeleteForSnapshot soft-deletes the config-backup volume for one
// (storage, vmid, snap), idempotent on absence (spec.md §4.E
// "Deletion of the snapshot deletes the corresponding config-backup
// volume").
func DeleteForSnapshot(ctx context.Context, d Deps, storage string, vmid int, snap string) error {
	return deleteVolume(ctx, d, naming.EncodeConfigVolume(storage, vmid, snap))
}

// DeleteAllForVMID soft-deletes every config-backup volume belonging
// to vmid, used when the last disk for a VM is freed (spec.md §4.E).
func DeleteAllForVMID(ctx context.Context, d Deps, storage string, vmid int) error {
	prefix := fmt.Sprintf("pve-%s-%d-vmconf-", naming.StorageField(storage), vmid)
	vols, err := d.Client.ListVolumes(ctx, prefix, false)
	if err != nil {
		return fmt.Errorf("configbackup: listing config volumes for vmid %d: %w", vmid, err)
	}
	var firstErr error
	for _, v := range vols {
		if err := deleteVolume(ctx, d, v.Name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func deleteVolume(ctx context.Context, d Deps, volName string) error {
	logger := log.WithComponent("configbackup")

	_, err := d.Client.GetVolume(ctx, volName)
	if err != nil {
		var nf *types.NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("configbackup: looking up %s: %w", volName, err)
	}

	conns, err := d.Client.ListConnectionsForVolume(ctx, volName)
	if err != nil {
		logger.Warn().Str("volume", volName).Err(err).Msg("listing connections failed, attempting delete anyway")
	}
	for _, c := range conns {
		if err := d.Client.Disconnect(ctx, c.HostName, volName); err != nil {
			logger.Warn().Str("volume", volName).Str("host", c.HostName).Err(err).Msg("disconnect failed, continuing")
		}
	}

	if err := d.Client.DestroyVolume(ctx, volName); err != nil {
		return fmt.Errorf("configbackup: destroying %s: %w", volName, err)
	}
	return nil
}
