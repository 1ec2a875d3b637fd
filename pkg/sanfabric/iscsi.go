package sanfabric

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/pve-flasharray/pkg/log"
)

// iscsiadmLoginAlreadyActive is iscsiadm's exit code for "session
// already logged in" — not an error (spec.md §4.C).
const iscsiadmLoginAlreadyActive = 15

// ISCSISession is one active iSCSI session as reported by
// `iscsiadm -m session`.
type ISCSISession struct {
	Portal string
	Target string
}

// ISCSI drives the host's iSCSI initiator. Targets lists the array's
// portals ("host:port") to discover and log into; the orchestrator
// populates it from the array client's port listing.
type ISCSI struct {
	*Fabric
	Targets []string
}

// NewISCSI returns an ISCSI driver over fabric, configured with the
// array's portals.
func NewISCSI(fabric *Fabric, targets []string) *ISCSI {
	return &ISCSI{Fabric: fabric, Targets: targets}
}

// LocalIQN reads the host's configured initiator name from
// /etc/iscsi/initiatorname.iscsi.
func (i *ISCSI) LocalIQN() (string, error) {
	path := i.path("etc", "iscsi", "initiatorname.iscsi")
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("sanfabric: reading %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		if name, ok := strings.CutPrefix(line, "InitiatorName="); ok {
			return strings.TrimSpace(name), nil
		}
	}
	return "", fmt.Errorf("sanfabric: no InitiatorName in %s", path)
}

// SetLocalIQN rewrites /etc/iscsi/initiatorname.iscsi with a new
// initiator name, per spec.md §6's "rewritable on explicit setter".
func (i *ISCSI) SetLocalIQN(iqn string) error {
	path := i.path("etc", "iscsi", "initiatorname.iscsi")
	content := fmt.Sprintf("InitiatorName=%s\n", iqn)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("sanfabric: writing %s: %w", path, err)
	}
	return nil
}

// DiscoverTargets runs sendtargets discovery against one portal and
// returns the target IQNs it announces.
func (i *ISCSI) DiscoverTargets(ctx context.Context, portal string) ([]string, error) {
	res, err := i.Runner.Run(ctx, nil, "iscsiadm", "-m", "discovery", "-t", "sendtargets", "-p", portal)
	if err != nil {
		return nil, fmt.Errorf("sanfabric: iscsi discovery on %s: %w", portal, err)
	}

	var targets []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// "portal:port,tpgt targetIQN"
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		targets = append(targets, fields[len(fields)-1])
	}
	return targets, nil
}

// LoginTarget logs into targetIQN via portal. Exit code 15 ("already
// logged in") is success, not an error.
func (i *ISCSI) LoginTarget(ctx context.Context, portal, targetIQN string) error {
	_, err := i.Runner.Run(ctx, []int{iscsiadmLoginAlreadyActive}, "iscsiadm",
		"-m", "node", "-T", targetIQN, "-p", portal, "--login")
	if err != nil {
		return fmt.Errorf("sanfabric: iscsi login %s via %s: %w", targetIQN, portal, err)
	}
	return nil
}

// LogoutTarget logs out of targetIQN via portal.
func (i *ISCSI) LogoutTarget(ctx context.Context, portal, targetIQN string) error {
	_, err := i.Runner.Run(ctx, nil, "iscsiadm", "-m", "node", "-T", targetIQN, "-p", portal, "--logout")
	if err != nil {
		return fmt.Errorf("sanfabric: iscsi logout %s via %s: %w", targetIQN, portal, err)
	}
	return nil
}

// ListSessions enumerates active iSCSI sessions.
func (i *ISCSI) ListSessions(ctx context.Context) ([]ISCSISession, error) {
	res, err := i.Runner.Run(ctx, []int{21}, "iscsiadm", "-m", "session")
	if err != nil {
		return nil, fmt.Errorf("sanfabric: listing iscsi sessions: %w", err)
	}

	var sessions []ISCSISession
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// "tcp: [1] 10.0.0.1:3260,1 iqn.2010-06.com.purestorage:flasharray.xyz (non-flash)"
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		portalField := strings.SplitN(fields[2], ",", 2)[0]
		sessions = append(sessions, ISCSISession{Portal: portalField, Target: fields[3]})
	}
	return sessions, nil
}

// RescanSessions asks every active session to re-scan for new LUNs.
func (i *ISCSI) RescanSessions(ctx context.Context) error {
	_, err := i.Runner.Run(ctx, nil, "iscsiadm", "-m", "session", "--rescan")
	if err != nil {
		return fmt.Errorf("sanfabric: iscsi session rescan: %w", err)
	}
	return nil
}

// RescanTarget re-scans only the session(s) for one target IQN.
func (i *ISCSI) RescanTarget(ctx context.Context, targetIQN string) error {
	_, err := i.Runner.Run(ctx, nil, "iscsiadm", "-m", "node", "-T", targetIQN, "-R")
	if err != nil {
		return fmt.Errorf("sanfabric: iscsi target rescan %s: %w", targetIQN, err)
	}
	return nil
}

// DiscoverAndLogin implements Protocol: discover then log into every
// configured portal, tolerating per-portal failure (spec.md §4.E
// activate_storage).
func (i *ISCSI) DiscoverAndLogin(ctx context.Context) error {
	logger := log.WithComponent("sanfabric.iscsi")
	var lastErr error
	loggedInAny := false

	for _, portal := range i.Targets {
		targets, err := i.DiscoverTargets(ctx, portal)
		if err != nil {
			logger.Warn().Str("portal", portal).Err(err).Msg("discovery failed, continuing")
			lastErr = err
			continue
		}
		for _, target := range targets {
			if err := i.LoginTarget(ctx, portal, target); err != nil {
				logger.Warn().Str("portal", portal).Str("target", target).Err(err).Msg("login failed, continuing")
				lastErr = err
				continue
			}
			loggedInAny = true
		}
	}

	if !loggedInAny && lastErr != nil {
		return fmt.Errorf("sanfabric: could not log into any iscsi portal: %w", lastErr)
	}
	return nil
}

// RescanFabric implements Protocol via a session-wide rescan.
func (i *ISCSI) RescanFabric(ctx context.Context) error {
	return i.RescanSessions(ctx)
}

// CleanupSessions implements Protocol by logging out of every active
// session, used once no volumes remain connected to this host.
func (i *ISCSI) CleanupSessions(ctx context.Context) error {
	sessions, err := i.ListSessions(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, s := range sessions {
		if err := i.LogoutTarget(ctx, s.Portal, s.Target); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
