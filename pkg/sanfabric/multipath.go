package sanfabric

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/pve-flasharray/pkg/log"
)

// pureStanzaMarker is how EnsureMultipathConfig recognizes its own
// stanza is already present, making the write idempotent across
// repeated activate_storage calls (spec.md §5 "written at most once
// per host").
const pureStanzaMarker = "# pve-flasharray: Pure Storage FlashArray device stanza"

const pureDeviceStanza = pureStanzaMarker + `
devices {
	device {
		vendor "PURE"
		product "FlashArray"
		path_selector "queue-length 0"
		path_grouping_policy group_by_prio
		path_checker tur
		fast_io_fail_tmo 10
		dev_loss_tmo infinity
		no_path_retry 0
		hardware_handler "1 alua"
		prio alua
		failback immediate
	}
}
`

// EnsureMultipathConfig writes a PURE/FlashArray device stanza into
// the host's multipath configuration, preferring a drop-in under
// /etc/multipath/conf.d/ when the directory exists, falling back to
// splicing a devices{} block into /etc/multipath.conf, and creating
// either file fresh if neither exists yet (spec.md §4.E
// activate_storage). Safe to call on every activation: the stanza
// marker makes the write a no-op once present.
func (f *Fabric) EnsureMultipathConfig() error {
	logger := log.WithComponent("sanfabric")

	confDDir := f.path("etc", "multipath", "conf.d")
	if info, err := os.Stat(confDDir); err == nil && info.IsDir() {
		dropIn := filepath.Join(confDDir, "pure-storage.conf")
		existing, _ := os.ReadFile(dropIn)
		if strings.Contains(string(existing), pureStanzaMarker) {
			logger.Debug().Str("file", dropIn).Msg("pure storage multipath stanza already present")
			return nil
		}
		if err := os.WriteFile(dropIn, []byte(pureDeviceStanza), 0o644); err != nil {
			return fmt.Errorf("sanfabric: writing %s: %w", dropIn, err)
		}
		logger.Info().Str("file", dropIn).Msg("wrote pure storage multipath conf.d stanza")
		return nil
	}

	mainConf := f.path("etc", "multipath.conf")
	existing, err := os.ReadFile(mainConf)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sanfabric: reading %s: %w", mainConf, err)
	}
	if strings.Contains(string(existing), pureStanzaMarker) {
		logger.Debug().Str("file", mainConf).Msg("pure storage multipath stanza already present")
		return nil
	}

	merged := string(existing)
	if merged != "" && !strings.HasSuffix(merged, "\n") {
		merged += "\n"
	}
	merged += pureDeviceStanza

	if err := os.MkdirAll(filepath.Dir(mainConf), 0o755); err != nil {
		return fmt.Errorf("sanfabric: creating %s: %w", filepath.Dir(mainConf), err)
	}
	if err := os.WriteFile(mainConf, []byte(merged), 0o644); err != nil {
		return fmt.Errorf("sanfabric: writing %s: %w", mainConf, err)
	}
	logger.Info().Str("file", mainConf).Msg("spliced pure storage multipath stanza")
	return nil
}
