package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/pve-flasharray/pkg/naming"
	"github.com/cuemby/pve-flasharray/pkg/types"
)

// StatusInfo reports the capacity the host platform should display for
// this storage definition: pod quota when pod-qualified and quota is
// set, otherwise array totals (spec.md §4.E status).
type StatusInfo struct {
	Total     int64
	Used      int64
	Available int64
	Active    bool
}

// Status reports array reachability and capacity.
func (o *Orchestrator) Status(ctx context.Context) (StatusInfo, error) {
	var info StatusInfo
	err := o.recordOp("status", func() error {
		capacity, err := o.client.GetArrayInfo(ctx)
		if err != nil {
			return fmt.Errorf("orchestrator: fetching array status: %w", err)
		}

		if o.cfg.Pod != "" {
			if podCap, err := o.client.GetPodCapacity(ctx, o.cfg.Pod); err == nil && podCap.PodQuota > 0 {
				capacity = podCap
			} else if err != nil {
				o.logger.Warn().Err(err).Msg("fetching pod capacity failed, falling back to array totals")
			}
		}

		info = StatusInfo{Total: capacity.Total, Used: capacity.Used, Available: capacity.Available, Active: true}
		return nil
	})
	return info, err
}

// ListImages enumerates every host-visible volume belonging to this
// storage definition, decoding array names back to host-side names and
// marking templates by the presence of a "pve-base" snapshot marker
// (spec.md §4.E list_images).
func (o *Orchestrator) ListImages(ctx context.Context) ([]types.Volume, error) {
	var out []types.Volume
	err := o.recordOp("list_images", func() error {
		vols, err := o.client.ListVolumes(ctx, o.storagePrefix(), false)
		if err != nil {
			return fmt.Errorf("orchestrator: listing volumes: %w", err)
		}

		markers, err := o.client.ListSnapshots(ctx, "", naming.TemplateMarkerSuffix, false)
		if err != nil {
			o.logger.Warn().Err(err).Msg("listing template markers failed, treating all volumes as non-templates")
			markers = nil
		}
		templated := make(map[string]bool, len(markers))
		for _, m := range markers {
			templated[m.Volume] = true
		}

		out = make([]types.Volume, 0, len(vols))
		for _, v := range vols {
			_, local := naming.PodUnqualify(v.Name)
			parsed, ok := naming.DecodeVolume(local)
			if !ok {
				continue
			}
			if strings.HasPrefix(parsed.Role, "vmconf") {
				continue
			}

			isTemplate := templated[v.Name] || templated[local]
			hostName, err := naming.ArrayToPve(local, isTemplate)
			if err != nil {
				o.logger.Debug().Str("volume", v.Name).Err(err).Msg("skipping non-host-visible volume")
				continue
			}

			role, diskID, snap := decodeRole(parsed.Role)
			out = append(out, types.Volume{
				Name: hostName, VMID: parsed.VMID, DiskID: diskID, Role: role, Snap: snap,
				IsTemplate: isTemplate, Provisioned: v.Provisioned, Used: v.Used,
			})
		}
		return nil
	})
	return out, err
}

func decodeRole(role string) (kind types.VolumeRole, diskID int, snap string) {
	switch {
	case role == "cloudinit":
		return types.RoleCloudinit, 0, ""
	case strings.HasPrefix(role, "state-"):
		return types.RoleState, 0, strings.TrimPrefix(role, "state-")
	default:
		var idx int
		_, _ = fmt.Sscanf(role, "disk%d", &idx)
		return types.RoleDisk, idx, ""
	}
}

// VolumeSizeInfo returns a volume's current provisioned and used bytes.
func (o *Orchestrator) VolumeSizeInfo(ctx context.Context, hostVolName string) (provisioned, used int64, err error) {
	err = o.recordOp("volume_size_info", func() error {
		parsed, err := parseOrError(hostVolName)
		if err != nil {
			return err
		}
		arrayVol := o.arrayNameFor(parsed)

		vol, err := o.client.GetVolume(ctx, arrayVol)
		if err != nil {
			return fmt.Errorf("orchestrator: looking up %s: %w", arrayVol, err)
		}
		provisioned, used = vol.Provisioned, vol.Used
		return nil
	})
	return provisioned, used, err
}

// VolumeHasFeature reports whether hostVolName supports the named
// capability. This backend supports the snapshot, clone, template, copy
// and sparseinit features on disk volumes; cloudinit and state volumes
// support none of them (spec.md §4.E volume_has_feature).
func (o *Orchestrator) VolumeHasFeature(hostVolName, feature string) bool {
	parsed, ok := naming.ParseHostVolname(stripLinkedCloneParent(hostVolName))
	if !ok || parsed.Kind != types.RoleDisk {
		return false
	}
	switch feature {
	case "snapshot", "clone", "template", "copy", "sparseinit":
		return true
	default:
		return false
	}
}

func stripLinkedCloneParent(hostVolName string) string {
	for i := len(hostVolName) - 1; i >= 0; i-- {
		if hostVolName[i] == '/' {
			return hostVolName[i+1:]
		}
	}
	return hostVolName
}

// ParseVolname exposes naming.ParseHostVolname to the CLI layer.
func (o *Orchestrator) ParseVolname(hostVolName string) (*types.ParsedVolname, error) {
	return parseOrError(stripLinkedCloneParent(hostVolName))
}

// RenameVolume renames a host-side volume identity on the array,
// keeping the same underlying object (spec.md §4.E rename_volume, used
// when a linked clone is promoted to a fully independent copy).
func (o *Orchestrator) RenameVolume(ctx context.Context, oldHostVolName, newHostVolName string) error {
	return o.recordOp("rename_volume", func() error {
		oldParsed, err := parseOrError(stripLinkedCloneParent(oldHostVolName))
		if err != nil {
			return err
		}
		newParsed, err := parseOrError(newHostVolName)
		if err != nil {
			return err
		}
		oldArrayVol := o.arrayNameFor(oldParsed)
		newArrayVol := o.arrayNameFor(newParsed)

		if err := o.client.RenameVolume(ctx, oldArrayVol, newArrayVol); err != nil {
			return fmt.Errorf("orchestrator: renaming %s to %s: %w", oldArrayVol, newArrayVol, err)
		}
		return nil
	})
}

// FindFreeDiskname returns the next unused host-visible disk name for
// vmid (spec.md §4.E find_free_diskname).
func (o *Orchestrator) FindFreeDiskname(ctx context.Context, vmid int) (string, error) {
	var result string
	err := o.recordOp("find_free_diskname", func() error {
		idx, err := o.findFreeDiskIndex(ctx, vmid)
		if err != nil {
			return err
		}
		result = fmt.Sprintf("vm-%d-disk-%d", vmid, idx)
		return nil
	})
	return result, err
}
