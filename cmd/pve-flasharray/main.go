// Command pve-flasharray is the process-per-request entry point the
// host virtualization platform's storage plugin wrapper shells out to
// (spec.md §1, §6: the plugin interface itself is an external
// collaborator, out of scope — this binary is what it invokes).
//
// Grounded on the teacher's cmd/warren/main.go shape: a cobra root
// command with persistent logging flags and cobra.OnInitialize, one
// subcommand per host-platform operation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cuemby/pve-flasharray/pkg/config"
	"github.com/cuemby/pve-flasharray/pkg/log"
	"github.com/cuemby/pve-flasharray/pkg/metrics"
	"github.com/cuemby/pve-flasharray/pkg/orchestrator"
	"github.com/cuemby/pve-flasharray/pkg/types"
)

var (
	// Version information (set via ldflags during build).
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pve-flasharray",
	Short:   "Storage plugin core for an all-flash array backend",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pve-flasharray version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "/etc/pve/storage.d/flasharray.yaml", "Path to the storage definition's config file")
	rootCmd.PersistentFlags().String("storage", "", "Storage id this invocation operates on (required)")
	rootCmd.PersistentFlags().String("node", hostname(), "Local cluster node name")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON instead of plain text")
	rootCmd.PersistentFlags().String("metrics-addr", "", "If set, serve Prometheus metrics on this address for the lifetime of this invocation")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(
		activateStorageCmd, deactivateStorageCmd, statusCmd,
		allocImageCmd, freeImageCmd, listImagesCmd,
		volumeSizeInfoCmd, volumeResizeCmd,
		activateVolumeCmd, deactivateVolumeCmd, pathCmd,
		volumeSnapshotCmd, volumeSnapshotDeleteCmd, volumeSnapshotRollbackCmd, volumeSnapshotListCmd,
		volumeHasFeatureCmd, parseVolnameCmd,
		createBaseCmd, cloneImageCmd, renameVolumeCmd, findFreeDisknameCmd,
	)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

// newOrchestrator loads config and constructs the Orchestrator every
// subcommand drives, optionally starting the metrics listener
// (AMBIENT.6) for the lifetime of this one invocation.
func newOrchestrator(cmd *cobra.Command) (*orchestrator.Orchestrator, func(), error) {
	ctx := context.Background()

	configPath, _ := cmd.Flags().GetString("config")
	storageID, _ := cmd.Flags().GetString("storage")
	node, _ := cmd.Flags().GetString("node")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if storageID == "" {
		return nil, nil, fmt.Errorf("--storage is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.StorageID = storageID

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Logger.Warn().Err(err).Str("addr", metricsAddr).Msg("metrics server exited")
			}
		}()
	}

	o, err := orchestrator.New(ctx, cfg, node)
	if err != nil {
		return nil, nil, err
	}
	return o, func() { _ = o.Close() }, nil
}

// printResult renders v either as JSON (--json) or as a bare value on
// its own line, matching what the host-platform wrapper expects to
// parse from this process's stdout.
func printResult(cmd *cobra.Command, v any) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	switch val := v.(type) {
	case string:
		fmt.Println(val)
	case nil:
	default:
		fmt.Printf("%v\n", val)
	}
	return nil
}

var activateStorageCmd = &cobra.Command{
	Use:   "activate-storage",
	Short: "Verify array reachability, sweep orphan temp clones, bring up the SAN fabric, register this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		return o.ActivateStorage(cmd.Context())
	},
}

var deactivateStorageCmd = &cobra.Command{
	Use:   "deactivate-storage",
	Short: "Tear down local devices not in use and disconnect this host from the array",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		return o.DeactivateStorage(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report array reachability and capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		info, err := o.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printResult(cmd, info)
	},
}

var allocImageCmd = &cobra.Command{
	Use:   "alloc-image VMID SIZE_KIB",
	Short: "Create a new disk, cloudinit, or state volume and connect it to the cluster",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vmid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid VMID %q: %w", args[0], err)
		}
		sizeKiB, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", args[1], err)
		}
		role, _ := cmd.Flags().GetString("role")
		diskID, _ := cmd.Flags().GetInt("disk")
		snap, _ := cmd.Flags().GetString("snap")
		fmtFlag, _ := cmd.Flags().GetString("format")
		if fmtFlag != "" && fmtFlag != "raw" {
			return fmt.Errorf("format must be %q, got %q", "raw", fmtFlag)
		}

		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		name, err := o.Alloc(cmd.Context(), vmid, types.VolumeRole(role), diskID, snap, sizeKiB*1024)
		if err != nil {
			return err
		}
		return printResult(cmd, name)
	},
}

var freeImageCmd = &cobra.Command{
	Use:   "free-image VOLNAME",
	Short: "Disconnect and soft-delete a volume, idempotent on absence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		return o.Free(cmd.Context(), args[0])
	},
}

var listImagesCmd = &cobra.Command{
	Use:   "list-images",
	Short: "List every host-visible volume belonging to this storage definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		vols, err := o.ListImages(cmd.Context())
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printResult(cmd, vols)
		}
		for _, v := range vols {
			fmt.Printf("%s\t%d\t%d\n", v.Name, v.Provisioned, v.Used)
		}
		return nil
	},
}

var volumeSizeInfoCmd = &cobra.Command{
	Use:   "volume-size-info VOLNAME",
	Short: "Print a volume's current provisioned and used bytes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		provisioned, used, err := o.VolumeSizeInfo(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printResult(cmd, struct {
			Provisioned int64 `json:"provisioned"`
			Used        int64 `json:"used"`
		}{provisioned, used})
	},
}

var volumeResizeCmd = &cobra.Command{
	Use:   "volume-resize VOLNAME SIZE_KIB",
	Short: "Grow a volume's provisioned size",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sizeKiB, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", args[1], err)
		}
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		return o.Resize(cmd.Context(), args[0], sizeKiB*1024)
	},
}

var activateVolumeCmd = &cobra.Command{
	Use:   "activate-volume VOLNAME",
	Short: "Make a volume's block device available on this host, waiting for it to appear",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, _ := cmd.Flags().GetString("snap")
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		device, err := o.ActivateVolume(cmd.Context(), args[0], snap)
		if err != nil {
			return err
		}
		return printResult(cmd, device)
	},
}

var deactivateVolumeCmd = &cobra.Command{
	Use:   "deactivate-volume VOLNAME",
	Short: "Tear down a volume's local device and disconnect it from this host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, _ := cmd.Flags().GetString("snap")
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		return o.DeactivateVolume(cmd.Context(), args[0], snap)
	},
}

var pathCmd = &cobra.Command{
	Use:   "path VOLNAME",
	Short: "Print the local block device path for a volume, activating it first if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, _ := cmd.Flags().GetString("snap")
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		device, err := o.ActivateVolume(cmd.Context(), args[0], snap)
		if err != nil {
			return err
		}
		return printResult(cmd, device)
	},
}

var volumeSnapshotCmd = &cobra.Command{
	Use:   "volume-snapshot VOLNAME SNAP",
	Short: "Create a snapshot of a volume, with a best-effort config backup alongside it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vmConfigPath, _ := cmd.Flags().GetString("vm-config")
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		return o.Snapshot(cmd.Context(), args[0], args[1], vmConfigPath)
	},
}

var volumeSnapshotDeleteCmd = &cobra.Command{
	Use:   "volume-snapshot-delete VOLNAME SNAP",
	Short: "Delete a snapshot, idempotent on absence",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		return o.SnapshotDelete(cmd.Context(), args[0], args[1])
	},
}

var volumeSnapshotRollbackCmd = &cobra.Command{
	Use:   "volume-snapshot-rollback VOLNAME SNAP",
	Short: "Overwrite a volume's content in place from a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		return o.SnapshotRollback(cmd.Context(), args[0], args[1])
	},
}

var volumeSnapshotListCmd = &cobra.Command{
	Use:   "volume-snapshot-list VOLNAME",
	Short: "List a volume's non-template snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		snaps, err := o.SnapshotList(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printResult(cmd, snaps)
		}
		for _, s := range snaps {
			fmt.Printf("%s\t%d\n", s.Name, s.Created)
		}
		return nil
	},
}

var volumeHasFeatureCmd = &cobra.Command{
	Use:   "volume-has-feature VOLNAME FEATURE",
	Short: "Report whether a volume supports a capability (snapshot, clone, template, ...)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		if !o.VolumeHasFeature(args[0], args[1]) {
			return fmt.Errorf("volume %q does not support feature %q", args[0], args[1])
		}
		return nil
	},
}

var parseVolnameCmd = &cobra.Command{
	Use:   "parse-volname VOLNAME",
	Short: "Decode a host-side volume name into its VMID, disk index, role, and parent (if any)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		parsed, err := o.ParseVolname(args[0])
		if err != nil {
			return err
		}
		return printResult(cmd, parsed)
	},
}

var createBaseCmd = &cobra.Command{
	Use:   "create-base VOLNAME",
	Short: "Turn a disk volume into a template in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		name, err := o.CreateBase(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printResult(cmd, name)
	},
}

var cloneImageCmd = &cobra.Command{
	Use:   "clone-image VOLNAME TARGET_VMID",
	Short: "Clone a disk volume (or its template snapshot) into a new disk for TARGET_VMID",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		targetVMID, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid VMID %q: %w", args[1], err)
		}
		snap, _ := cmd.Flags().GetString("snap")

		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		name, err := o.CloneImage(cmd.Context(), args[0], targetVMID, snap)
		if err != nil {
			return err
		}
		return printResult(cmd, name)
	},
}

var renameVolumeCmd = &cobra.Command{
	Use:   "rename-volume OLD_VOLNAME NEW_VOLNAME",
	Short: "Rename a volume's host-side identity, keeping the same array object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		return o.RenameVolume(cmd.Context(), args[0], args[1])
	},
}

var findFreeDisknameCmd = &cobra.Command{
	Use:   "find-free-diskname VMID",
	Short: "Print the next unused host-visible disk name for a VMID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vmid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid VMID %q: %w", args[0], err)
		}
		o, closeFn, err := newOrchestrator(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		name, err := o.FindFreeDiskname(cmd.Context(), vmid)
		if err != nil {
			return err
		}
		return printResult(cmd, name)
	},
}

func init() {
	allocImageCmd.Flags().String("role", string(types.RoleDisk), "Volume role: disk, cloudinit, or state")
	allocImageCmd.Flags().Int("disk", -1, "Disk index; -1 picks the next free index (disk role only)")
	allocImageCmd.Flags().String("snap", "", "Snapshot name (state role only)")
	allocImageCmd.Flags().String("format", "raw", "Volume format; only raw is supported")

	activateVolumeCmd.Flags().String("snap", "", "If set, activate read-only access to this snapshot instead of the live volume")
	deactivateVolumeCmd.Flags().String("snap", "", "Must match the --snap passed to activate-volume, if any")
	pathCmd.Flags().String("snap", "", "If set, resolve the path for this snapshot instead of the live volume")

	volumeSnapshotCmd.Flags().String("vm-config", "", "Path to the VM's configuration file, backed up alongside the snapshot")

	cloneImageCmd.Flags().String("snap", "", "Clone from this named snapshot instead of the template marker or live volume")
}
