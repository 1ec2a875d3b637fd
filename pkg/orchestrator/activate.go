package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cuemby/pve-flasharray/pkg/sanfabric"
	"github.com/cuemby/pve-flasharray/pkg/types"
)

// tempCloneNameRE matches the snapshot-access temp clones ActivateVolume
// creates, so activate_storage's orphan sweep can find clones left
// behind by a crashed or killed process (spec.md §4.E "orphan sweep").
// Groups: 1=epoch seconds the clone was created, 2=pid that created it.
var tempCloneNameRE = regexp.MustCompile(`-temp-snap-access-(\d+)-(\d+)$`)

// ActivateStorage brings this host into a state where it can serve
// volumes for the configured storage definition: verifies array
// reachability, writes the multipath device stanza, brings up the
// configured SAN protocol, registers this host (or the shared cluster
// host), and sweeps any orphaned snapshot-access temp clones left by a
// previous process (spec.md §4.E).
func (o *Orchestrator) ActivateStorage(ctx context.Context) error {
	return o.recordOp("activate_storage", func() error {
		if _, err := o.client.GetArrayInfo(ctx); err != nil {
			return fmt.Errorf("orchestrator: array unreachable: %w", err)
		}

		if err := o.fabric.EnsureMultipathConfig(); err != nil {
			o.logger.Warn().Err(err).Msg("writing multipath config failed, continuing")
		}

		if err := o.bringUpFabric(ctx); err != nil {
			return err
		}

		if err := o.ensureHostRegistered(ctx); err != nil {
			return fmt.Errorf("orchestrator: host registration failed: %w", err)
		}

		if err := o.sweepOrphanTempClones(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("orphan temp-clone sweep failed, continuing")
		}

		return nil
	})
}

// bringUpFabric performs the protocol-specific discovery/login step:
// for iSCSI it first asks the array for its target portals, for FC it
// requires at least one HBA to be present (spec.md §4.E).
func (o *Orchestrator) bringUpFabric(ctx context.Context) error {
	if iscsi, ok := o.proto.(*sanfabric.ISCSI); ok {
		ports, err := o.client.ListISCSIPorts(ctx)
		if err != nil {
			return fmt.Errorf("orchestrator: listing array iscsi portals: %w", err)
		}
		targets := make([]string, 0, len(ports))
		for _, p := range ports {
			if p.Portal != "" {
				targets = append(targets, p.Portal)
			}
		}
		iscsi.Targets = targets
	}

	if err := o.proto.DiscoverAndLogin(ctx); err != nil {
		return fmt.Errorf("orchestrator: san fabric discovery/login failed: %w", err)
	}
	return nil
}

// ensureHostRegistered gets-or-creates this node's (or the shared
// cluster's) host object and makes sure every local initiator is
// registered, tolerating a benign "initiator already registered to
// this host" race. An initiator claimed by a different host surfaces
// with its remediation hint intact — the administrator has to remove
// the conflicting registration (spec.md §4.E host registration).
func (o *Orchestrator) ensureHostRegistered(ctx context.Context) error {
	hostName := o.currentHostName()

	host, err := o.client.GetOrCreateHost(ctx, hostName)
	if err != nil {
		return err
	}

	initiators, isWWN, err := o.localInitiators()
	if err != nil {
		o.logger.Warn().Err(err).Msg("could not determine local initiators, skipping registration")
		return nil
	}

	registered := make(map[string]bool, len(host.Initiators))
	for _, existing := range host.Initiators {
		registered[normalizeInitiator(existing)] = true
	}

	for _, initiator := range initiators {
		if registered[normalizeInitiator(initiator)] {
			continue
		}
		if err := o.client.AddInitiator(ctx, hostName, initiator, isWWN); err != nil && !isBenignConflict(err) {
			return fmt.Errorf("orchestrator: registering initiator %s to host %s: %w", initiator, hostName, err)
		}
	}
	return nil
}

// normalizeInitiator lowercases and strips WWN separators so that
// "21:00:00:24:ff:5a:1b:2c" and "21000024FF5A1B2C" compare equal.
func normalizeInitiator(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, ":", ""))
}

// localInitiators returns this node's IQN (iSCSI) or the raw lowercase
// WWPN of every local HBA (FC) — the format the array's host API takes.
func (o *Orchestrator) localInitiators() (initiators []string, isWWN bool, err error) {
	switch p := o.proto.(type) {
	case *sanfabric.ISCSI:
		iqn, err := p.LocalIQN()
		if err != nil {
			return nil, false, err
		}
		return []string{iqn}, false, nil
	case *sanfabric.FC:
		hbas, err := p.EnumerateHBAs()
		if err != nil {
			return nil, false, err
		}
		if len(hbas) == 0 {
			return nil, false, fmt.Errorf("orchestrator: no FC HBAs present")
		}
		wwns := make([]string, 0, len(hbas))
		for _, h := range hbas {
			wwns = append(wwns, normalizeInitiator(strings.TrimPrefix(h.PortName, "0x")))
		}
		return wwns, true, nil
	default:
		return nil, false, fmt.Errorf("orchestrator: unknown protocol driver")
	}
}

// sweepOrphanTempClones eradicates snapshot-access temp clones older
// than tempCloneSweepAge, regardless of which process created them —
// a process that died mid-ActivateVolume leaves one behind with no one
// left to tear it down (spec.md §4.E).
func (o *Orchestrator) sweepOrphanTempClones(ctx context.Context) error {
	vols, err := o.client.ListVolumes(ctx, o.storagePrefix(), false)
	if err != nil {
		return fmt.Errorf("orchestrator: listing volumes for orphan sweep: %w", err)
	}

	now := time.Now().UTC()
	for _, v := range vols {
		if !tempCloneNameRE.MatchString(v.Name) {
			continue
		}
		if now.Sub(v.Created) < tempCloneSweepAge {
			continue
		}
		o.logger.Info().Str("volume", v.Name).Msg("sweeping orphaned snapshot-access temp clone")
		if err := o.teardownAndEradicate(ctx, v.Name); err != nil {
			o.logger.Warn().Str("volume", v.Name).Err(err).Msg("orphan temp-clone cleanup failed, continuing")
		}
	}
	return nil
}

func (o *Orchestrator) teardownAndEradicate(ctx context.Context, arrayVol string) error {
	vol, err := o.client.GetVolume(ctx, arrayVol)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	conns, err := o.client.ListConnectionsForVolume(ctx, arrayVol)
	if err != nil {
		o.logger.Warn().Str("volume", arrayVol).Err(err).Msg("listing connections failed, attempting teardown anyway")
	}
	for _, c := range conns {
		if err := o.resolver.Teardown(ctx, vol.WWID()); err != nil {
			o.logger.Warn().Str("volume", arrayVol).Err(err).Msg("local device teardown failed, continuing")
		}
		if err := o.client.Disconnect(ctx, c.HostName, arrayVol); err != nil && !isBenignConflict(err) {
			o.logger.Warn().Str("volume", arrayVol).Str("host", c.HostName).Err(err).Msg("disconnect failed, continuing")
		}
	}

	if err := o.client.DestroyVolume(ctx, arrayVol); err != nil && !isNotFound(err) {
		return err
	}
	if err := o.client.EradicateVolume(ctx, arrayVol); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// DeactivateStorage tears this host's presence for the storage
// definition back down: disconnects and locally tears down every
// volume still connected to this host, then — if iSCSI and nothing
// remains connected — logs out every session (spec.md §4.E).
func (o *Orchestrator) DeactivateStorage(ctx context.Context) error {
	return o.recordOp("deactivate_storage", func() error {
		hostName := o.currentHostName()

		host, err := o.client.GetHost(ctx, hostName)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}

		vols, err := o.client.ListVolumes(ctx, o.storagePrefix(), false)
		if err != nil {
			return fmt.Errorf("orchestrator: listing volumes for deactivate: %w", err)
		}

		stillConnected := 0
		for _, v := range vols {
			conns, err := o.client.ListConnectionsForVolume(ctx, v.Name)
			if err != nil {
				o.logger.Warn().Str("volume", v.Name).Err(err).Msg("listing connections failed, continuing")
				stillConnected++
				continue
			}
			connectedToThisHost := false
			for _, c := range conns {
				if c.HostName == hostName {
					connectedToThisHost = true
				}
			}
			if !connectedToThisHost {
				continue
			}

			if busy, reason, err := o.resolver.InUse(ctx, v.WWID()); err == nil && busy {
				o.logger.Warn().Str("volume", v.Name).Str("reason", reason).Msg("skipping in-use volume during deactivate")
				stillConnected++
				continue
			}
			if err := o.resolver.Teardown(ctx, v.WWID()); err != nil {
				var inUse *types.InUseError
				if !errors.As(err, &inUse) {
					o.logger.Warn().Str("volume", v.Name).Err(err).Msg("local teardown failed, continuing")
				}
				stillConnected++
				continue
			}
			if err := o.client.Disconnect(ctx, hostName, v.Name); err != nil && !isBenignConflict(err) {
				o.logger.Warn().Str("volume", v.Name).Err(err).Msg("disconnect failed, continuing")
				stillConnected++
			}
		}

		// Session logout only once nothing of ours remains connected to
		// this host, and only for iSCSI — FC has no sessions to tear
		// down, its fabric membership belongs to the HBA.
		if stillConnected > 0 {
			o.logger.Info().Int("remaining", stillConnected).Msg("volumes still connected, keeping san sessions")
			return nil
		}
		if _, ok := o.proto.(*sanfabric.ISCSI); ok && len(host.Initiators) > 0 {
			if err := o.proto.CleanupSessions(ctx); err != nil {
				o.logger.Warn().Err(err).Msg("san session cleanup failed")
			}
		}
		return nil
	})
}
