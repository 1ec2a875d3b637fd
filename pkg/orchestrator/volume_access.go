package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/pve-flasharray/pkg/naming"
)

// ActivateVolume makes hostVolName's block device available on this
// host, waiting for it to appear after the array connection. When snap
// is non-empty this is a snapshot-access request (spec.md §4.E
// "activate a read path onto a point-in-time copy without disturbing
// the live volume"): an ephemeral clone of the snapshot is created,
// connected, and tracked in-process so DeactivateVolume can find and
// eradicate it again.
func (o *Orchestrator) ActivateVolume(ctx context.Context, hostVolName, snap string) (string, error) {
	var device string
	err := o.recordOp("activate_volume", func() error {
		parsed, err := parseOrError(hostVolName)
		if err != nil {
			return err
		}
		arrayVol := o.arrayNameFor(parsed)
		hostName := o.currentHostName()

		target := arrayVol
		if snap != "" {
			tempName := o.tempCloneName(arrayVol)
			source := arrayVol + "." + naming.EncodeSnapshotSuffix(snap)
			if _, err := o.client.CloneVolume(ctx, source, tempName); err != nil {
				return fmt.Errorf("orchestrator: creating snapshot-access clone of %s: %w", source, err)
			}
			target = tempName

			o.mu.Lock()
			o.tempClones[tempCloneKey{storage: o.cfg.StorageID, volname: hostVolName, snap: snap}] = tempName
			o.mu.Unlock()
		}

		if err := o.client.Connect(ctx, hostName, target); err != nil && !isBenignConflict(err) {
			return fmt.Errorf("orchestrator: connecting %s to %s: %w", target, hostName, err)
		}

		vol, err := o.client.GetVolume(ctx, target)
		if err != nil {
			return fmt.Errorf("orchestrator: looking up %s after connect: %w", target, err)
		}

		dev, err := o.resolver.WaitForDevice(ctx, o.fabric, o.proto, vol.WWID(), o.deviceTimeout())
		if err != nil {
			return err
		}
		device = dev
		return nil
	})
	return device, err
}

// tempCloneName derives a snapshot-access temp clone's array name from
// the base volume name, a creation timestamp and this process's PID —
// the same pair sweepOrphanTempClones' regex decodes (spec.md §4.E).
func (o *Orchestrator) tempCloneName(arrayVol string) string {
	return fmt.Sprintf("%s-temp-snap-access-%d-%d", arrayVol, time.Now().UTC().Unix(), pid())
}

// DeactivateVolume tears the local device down and disconnects the
// array volume from this host. For a snapshot-access request it also
// eradicates the ephemeral clone created by ActivateVolume, since
// those are never recoverable objects in the first place (spec.md
// §4.E "core only ever soft-deletes except for ephemeral temp clones").
func (o *Orchestrator) DeactivateVolume(ctx context.Context, hostVolName, snap string) error {
	return o.recordOp("deactivate_volume", func() error {
		parsed, err := parseOrError(hostVolName)
		if err != nil {
			return err
		}
		arrayVol := o.arrayNameFor(parsed)
		hostName := o.currentHostName()

		target := arrayVol
		key := tempCloneKey{storage: o.cfg.StorageID, volname: hostVolName, snap: snap}
		isTemp := false
		if snap != "" {
			o.mu.Lock()
			tempName, tracked := o.tempClones[key]
			o.mu.Unlock()
			if tracked {
				target = tempName
				isTemp = true
			}
		}

		vol, err := o.client.GetVolume(ctx, target)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("orchestrator: looking up %s: %w", target, err)
		}
		if err == nil {
			if err := o.resolver.Teardown(ctx, vol.WWID()); err != nil {
				o.logger.Warn().Str("volume", target).Err(err).Msg("local teardown failed, continuing")
			}
		}

		if err := o.client.Disconnect(ctx, hostName, target); err != nil && !isBenignConflict(err) && !isNotFound(err) {
			o.logger.Warn().Str("volume", target).Err(err).Msg("disconnect failed, continuing")
		}

		if isTemp {
			if err := o.client.DestroyVolume(ctx, target); err != nil && !isNotFound(err) {
				o.logger.Warn().Str("volume", target).Err(err).Msg("soft-delete of temp clone failed")
			}
			if err := o.client.EradicateVolume(ctx, target); err != nil && !isNotFound(err) {
				o.logger.Warn().Str("volume", target).Err(err).Msg("eradication of temp clone failed")
			}
			o.mu.Lock()
			delete(o.tempClones, key)
			o.mu.Unlock()
		}
		return nil
	})
}
