package orchestrator

import (
	"context"
	"fmt"

	"github.com/cuemby/pve-flasharray/pkg/naming"
	"github.com/cuemby/pve-flasharray/pkg/types"
)

// CreateBase turns a regular disk into a template in place. Per the
// Data Model (spec.md §3), template-ness is derived purely from the
// presence of a "pve-base" snapshot marker on the array volume — the
// array-side base name is identical whether or not it is a template,
// so no rename is needed here, only the marker snapshot.
func (o *Orchestrator) CreateBase(ctx context.Context, hostVolName string) (string, error) {
	var result string
	err := o.recordOp("create_base", func() error {
		parsed, err := parseOrError(hostVolName)
		if err != nil {
			return err
		}
		if parsed.Kind != types.RoleDisk {
			return fmt.Errorf("orchestrator: create_base is only valid for disk volumes, got %q", hostVolName)
		}
		arrayVol := o.arrayNameFor(parsed)

		markers, err := o.client.ListSnapshots(ctx, arrayVol, naming.TemplateMarkerSuffix, false)
		if err != nil {
			return fmt.Errorf("orchestrator: checking existing template marker on %s: %w", arrayVol, err)
		}
		if len(markers) == 0 {
			if _, err := o.client.CreateSnapshot(ctx, arrayVol, naming.TemplateMarkerSuffix); err != nil {
				return fmt.Errorf("orchestrator: creating template marker on %s: %w", arrayVol, err)
			}
		}

		result = fmt.Sprintf("base-%d-disk-%d", parsed.VMID, parsed.DiskID)
		return nil
	})
	return result, err
}

// CloneImage creates a new disk for targetVMID from an existing
// volume. Source resolution follows spec.md §4.E clone_image priority:
// an explicit snap name if given, else the "pve-base" marker if the
// source is a template, else an instant full clone of the live volume.
// A clone from a template produces the slash-joined linked-clone
// host-side name so the caller can recover the parent relationship
// later without another array round trip.
func (o *Orchestrator) CloneImage(ctx context.Context, sourceHostVolName string, targetVMID int, explicitSnap string) (string, error) {
	var result string
	err := o.recordOp("clone_image", func() error {
		srcParsed, err := parseOrError(sourceHostVolName)
		if err != nil {
			return err
		}
		if srcParsed.Kind != types.RoleDisk {
			return fmt.Errorf("orchestrator: clone_image is only valid for disk volumes, got %q", sourceHostVolName)
		}
		srcArrayVol := o.arrayNameFor(srcParsed)

		source := srcArrayVol
		isTemplateClone := false
		switch {
		case explicitSnap != "":
			source = srcArrayVol + "." + naming.EncodeSnapshotSuffix(explicitSnap)
		default:
			markers, err := o.client.ListSnapshots(ctx, srcArrayVol, naming.TemplateMarkerSuffix, false)
			if err != nil {
				return fmt.Errorf("orchestrator: checking template marker on %s: %w", srcArrayVol, err)
			}
			if len(markers) > 0 {
				source = srcArrayVol + "." + naming.TemplateMarkerSuffix
				isTemplateClone = true
			}
		}

		targetDiskID, err := o.findFreeDiskIndex(ctx, targetVMID)
		if err != nil {
			return err
		}
		targetArrayVol := naming.EncodeVolume(o.cfg.StorageID, targetVMID, targetDiskID)

		if _, err := o.client.CloneVolume(ctx, source, targetArrayVol); err != nil {
			return fmt.Errorf("orchestrator: cloning %s from %s: %w", targetArrayVol, source, err)
		}

		if err := o.connectToCluster(ctx, targetArrayVol); err != nil {
			return o.rollbackPartialCreate(ctx, targetArrayVol, err)
		}

		if isTemplateClone {
			result = naming.LinkedCloneName(srcParsed.VMID, srcParsed.DiskID, targetVMID, targetDiskID)
		} else {
			result = fmt.Sprintf("vm-%d-disk-%d", targetVMID, targetDiskID)
		}
		return nil
	})
	return result, err
}
