// Package orchestrator is the glue layer of spec.md §4.E: it
// implements the host-platform's storage plugin contract
// (activate/deactivate, alloc/free, snapshot/rollback/clone, listing
// and status) by driving pkg/arrayclient, pkg/sanfabric, and
// pkg/devresolver in the ordering spec.md §5 requires — array create
// before host connect before device discovery on the way up, local
// teardown before array disconnect before array destroy on the way
// down — and by deciding, per spec.md §7, whether a lower layer's
// classified error should be retried, swallowed as benign, or
// surfaced to the caller.
//
// Grounded on the teacher's pkg/reconciler/reconciler.go shape: a
// struct holding its collaborators and a zerolog child logger, methods
// per concern, metrics.Timer wrapping the operations that matter.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/pve-flasharray/pkg/arrayclient"
	"github.com/cuemby/pve-flasharray/pkg/config"
	"github.com/cuemby/pve-flasharray/pkg/configbackup"
	"github.com/cuemby/pve-flasharray/pkg/devresolver"
	"github.com/cuemby/pve-flasharray/pkg/log"
	"github.com/cuemby/pve-flasharray/pkg/metrics"
	"github.com/cuemby/pve-flasharray/pkg/naming"
	"github.com/cuemby/pve-flasharray/pkg/sanfabric"
	"github.com/cuemby/pve-flasharray/pkg/sessioncache"
	"github.com/cuemby/pve-flasharray/pkg/types"
)

// maxDiskIndex bounds the next-free disk index scan (spec.md §3
// "dense-ish (next-free scan, 0..999)").
const maxDiskIndex = 999

// tempCloneSweepAge is how old an orphaned temp clone must be before
// activate_storage eradicates it unconditionally (spec.md §4.E).
const tempCloneSweepAge = time.Hour

// Orchestrator is the single entry point the cmd/ CLI layer drives.
// One Orchestrator corresponds to one configured storage definition
// (one array, one storage id) for the lifetime of one process-per-
// request invocation (spec.md §5).
type Orchestrator struct {
	cfg      config.Config
	client   *arrayclient.Client
	fabric   *sanfabric.Fabric
	proto    sanfabric.Protocol
	resolver *devresolver.Resolver
	sessions *sessioncache.Store
	nodeName string
	logger   zerolog.Logger

	mu         sync.Mutex
	tempClones map[tempCloneKey]string // (storage, volname, snap) -> array-side temp clone name
}

type tempCloneKey struct {
	storage string
	volname string
	snap    string
}

// New constructs an Orchestrator for cfg, negotiating the array
// client's API version and wiring the protocol-specific SAN driver
// (spec.md §9 "Polymorphism over protocol"). nodeName is this host's
// cluster node name (ignored in shared host-mode).
func New(ctx context.Context, cfg config.Config, nodeName string) (*Orchestrator, error) {
	logger := log.WithComponent("orchestrator")

	sessions, err := sessioncache.Open(cfg.StateDir)
	if err != nil {
		logger.Warn().Err(err).Msg("opening session cache failed, every invocation will re-probe the array version")
		sessions = nil
	}

	acCfg := arrayclient.Config{
		Portal:      cfg.Portal,
		Credentials: arrayclient.Credentials{APIToken: cfg.APIToken, Username: cfg.Username, Password: cfg.Password},
		SSLVerify:   cfg.SSLVerify,
		Pod:         cfg.Pod,
	}

	var cached sessioncache.Entry
	var haveCached bool
	if sessions != nil {
		if entry, ok, err := sessions.Get(cfg.StorageID); err == nil && ok {
			cached, haveCached = entry, true
			acCfg.CachedVersion = entry.Version
		}
	}

	client, err := arrayclient.New(ctx, acCfg)
	if err != nil {
		if sessions != nil {
			sessions.Close()
		}
		return nil, fmt.Errorf("orchestrator: connecting to array: %w", err)
	}

	if sessions != nil && (!haveCached || cached.Version != client.Version()) {
		if err := sessions.Put(cfg.StorageID, sessioncache.Entry{
			Dialect: int(client.Dialect()),
			Version: client.Version(),
		}); err != nil {
			logger.Warn().Err(err).Msg("persisting negotiated array version failed")
		}
	}

	deviceTimeout := time.Duration(cfg.DeviceTimeout) * time.Second
	fabric := sanfabric.New(deviceTimeout)
	resolver := devresolver.New(deviceTimeout)

	var proto sanfabric.Protocol
	switch cfg.Protocol {
	case config.ProtocolFC:
		proto = sanfabric.NewFC(fabric)
	default:
		proto = sanfabric.NewISCSI(fabric, nil)
	}

	return &Orchestrator{
		cfg: cfg, client: client, fabric: fabric, proto: proto, resolver: resolver,
		sessions:   sessions,
		nodeName:   nodeName,
		logger:     logger,
		tempClones: make(map[tempCloneKey]string),
	}, nil
}

// Close releases resources held across the lifetime of this process
// invocation — currently just the session cache handle.
func (o *Orchestrator) Close() error {
	if o.sessions == nil {
		return nil
	}
	return o.sessions.Close()
}

// invalidateSessionCache drops the cached version/dialect for this
// storage id after the array client reports an expired session, so the
// next process invocation re-probes instead of reusing a stale entry
// (spec.md §7 AuthExpiredError handling).
func (o *Orchestrator) invalidateSessionCache() {
	if o.sessions == nil {
		return
	}
	if err := o.sessions.Invalidate(o.cfg.StorageID); err != nil {
		o.logger.Warn().Err(err).Msg("invalidating session cache failed")
	}
}

func (o *Orchestrator) deviceTimeout() time.Duration {
	return time.Duration(o.cfg.DeviceTimeout) * time.Second
}

// currentHostName is the array-side Host name for this node, per
// spec.md §4.A encode_host and the configured host-mode.
func (o *Orchestrator) currentHostName() string {
	if o.cfg.HostMode == config.HostModeShared {
		return naming.EncodeHost(o.cfg.ClusterName, "")
	}
	return naming.EncodeHost(o.cfg.ClusterName, o.nodeName)
}

func (o *Orchestrator) clusterHostPrefix() string {
	return fmt.Sprintf("pve-%s-", naming.SanitizeForArray(o.cfg.ClusterName))
}

func (o *Orchestrator) storagePrefix() string {
	return fmt.Sprintf("pve-%s-", naming.StorageField(o.cfg.StorageID))
}

func (o *Orchestrator) vmidPrefix(vmid int) string {
	return fmt.Sprintf("pve-%s-%d-", naming.StorageField(o.cfg.StorageID), vmid)
}

func (o *Orchestrator) configbackupDeps() configbackup.Deps {
	return configbackup.Deps{
		Client: o.client, Fabric: o.fabric, Proto: o.proto, Resolver: o.resolver,
		Runner: o.fabric.Runner, DeviceTimeout: o.deviceTimeout(),
	}
}

// recordOp wraps an operation with the standard metrics.Timer/
// RecordOperation pair the teacher's reconciler uses, and logs the
// outcome at Info/Error.
func (o *Orchestrator) recordOp(name string, fn func() error) error {
	timer := metrics.NewTimer()
	err := fn()
	metrics.RecordOperation(name, err, timer)
	if err != nil {
		var authErr *types.AuthExpiredError
		if errors.As(err, &authErr) {
			o.invalidateSessionCache()
		}
		o.logger.Error().Str("op", name).Err(err).Msg("operation failed")
	} else {
		o.logger.Info().Str("op", name).Msg("operation succeeded")
	}
	return err
}

// isBenignConflict reports whether err is a ConflictError the
// orchestrator should silently swallow (spec.md §5: "already exists"
// racing a peer, "already connected" racing a retry of self).
func isBenignConflict(err error) bool {
	var c *types.ConflictError
	if errors.As(err, &c) {
		return c.Benign
	}
	return false
}

func isNotFound(err error) bool {
	var nf *types.NotFoundError
	return errors.As(err, &nf)
}

// arrayNameFor derives the array-side base name for a parsed host-side
// volume, the single place every allocation/lookup path goes through.
func (o *Orchestrator) arrayNameFor(p *types.ParsedVolname) string {
	switch p.Kind {
	case types.RoleCloudinit:
		return naming.EncodeCloudinit(o.cfg.StorageID, p.VMID)
	case types.RoleState:
		return naming.EncodeState(o.cfg.StorageID, p.VMID, p.Snap)
	default:
		return naming.EncodeVolume(o.cfg.StorageID, p.VMID, p.DiskID)
	}
}

// parseOrError wraps naming.ParseHostVolname with the error shape
// every public method wants for an unrecognized name.
func parseOrError(hostVolName string) (*types.ParsedVolname, error) {
	p, ok := naming.ParseHostVolname(hostVolName)
	if !ok {
		return nil, fmt.Errorf("orchestrator: %q is not a recognized host-side volume name", hostVolName)
	}
	return p, nil
}

// findFreeDiskIndex scans 0..maxDiskIndex for the first index not
// already used by a (non-destroyed) disk volume of vmid, per spec.md
// §4.E alloc step 1 / §8 "Disk index scan stops at 999".
func (o *Orchestrator) findFreeDiskIndex(ctx context.Context, vmid int) (int, error) {
	vols, err := o.client.ListVolumes(ctx, o.vmidPrefix(vmid), false)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: listing volumes for vmid %d: %w", vmid, err)
	}

	used := make(map[int]bool, len(vols))
	for _, v := range vols {
		_, local := naming.PodUnqualify(v.Name)
		parsed, ok := naming.DecodeVolume(local)
		if !ok || !strings.HasPrefix(parsed.Role, "disk") {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(parsed.Role, "disk%d", &idx); err == nil {
			used[idx] = true
		}
	}

	for i := 0; i <= maxDiskIndex; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, fmt.Errorf("orchestrator: no free disk index for vmid %d in 0..%d", vmid, maxDiskIndex)
}

// isLastDiskForVMID reports whether vmid currently has no remaining
// (non-destroyed) disk volumes, used by Free to decide whether to
// sweep config-backup volumes.
func (o *Orchestrator) isLastDiskForVMID(ctx context.Context, vmid int) (bool, error) {
	vols, err := o.client.ListVolumes(ctx, o.vmidPrefix(vmid), false)
	if err != nil {
		return false, fmt.Errorf("orchestrator: listing volumes for vmid %d: %w", vmid, err)
	}
	for _, v := range vols {
		_, local := naming.PodUnqualify(v.Name)
		parsed, ok := naming.DecodeVolume(local)
		if ok && strings.HasPrefix(parsed.Role, "disk") {
			return false, nil
		}
	}
	return true, nil
}

// connectToCluster connects arrayVol to every host matching
// "pve-{cluster}-*", best-effort, but requires success connecting to
// the current node's host (spec.md §4.E alloc step 4 / clone_image).
func (o *Orchestrator) connectToCluster(ctx context.Context, arrayVol string) error {
	hosts, err := o.client.ListHosts(ctx, o.clusterHostPrefix())
	if err != nil {
		o.logger.Warn().Err(err).Msg("listing cluster hosts failed, falling back to current host only")
		hosts = nil
	}

	current := o.currentHostName()
	connectedToCurrent := false
	for _, h := range hosts {
		err := o.client.Connect(ctx, h.Name, arrayVol)
		switch {
		case err == nil:
			if h.Name == current {
				connectedToCurrent = true
			}
		case isBenignConflict(err):
			if h.Name == current {
				connectedToCurrent = true
			}
		default:
			o.logger.Warn().Str("host", h.Name).Str("volume", arrayVol).Err(err).
				Msg("best-effort cluster connect failed, continuing")
		}
	}

	if !connectedToCurrent {
		if err := o.client.Connect(ctx, current, arrayVol); err != nil && !isBenignConflict(err) {
			return fmt.Errorf("orchestrator: required connect of %s to current host %s failed: %w", arrayVol, current, err)
		}
	}
	return nil
}

// rollbackPartialCreate soft-deletes arrayVol after a post-create step
// fails, per spec.md §4.E "On any post-create failure, soft-delete ...
// so the volume is recoverable", and never lets the cleanup failure
// clobber the original error (spec.md §7 propagation policy).
func (o *Orchestrator) rollbackPartialCreate(ctx context.Context, arrayVol string, cause error) error {
	if err := o.client.DestroyVolume(ctx, arrayVol); err != nil {
		o.logger.Error().Str("volume", arrayVol).Err(err).Msg("rollback soft-delete failed after partial create")
	}
	return cause
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func pid() int {
	return os.Getpid()
}

// sortedKeys is a small helper used by listing code to produce
// deterministic output.
func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
