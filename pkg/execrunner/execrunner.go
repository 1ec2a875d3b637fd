// Package execrunner runs the handful of host commands the SAN fabric
// driver and Device Resolver need (iscsiadm, multipath, multipathd,
// udevadm, mkfs.ext4, blockdev, fuser...) with the stdout/stderr
// capture, bounded-timeout, and exit-code discipline this plugin
// depends on for correctness: a hung iscsiadm must not hang the whole
// request, and a handful of well-known "non-zero but fine" exit codes
// must not be treated as failures.
//
// Grounded on ceph-csi's internal/util/cephcmds.go ExecCommand /
// ExecCommandWithTimeout shape (bytes.Buffer stdout/stderr capture,
// exec.CommandContext for the timeout variant).
package execrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/cuemby/pve-flasharray/pkg/log"
)

// Result is the outcome of a completed (or killed) command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int // -1 if the process never produced one (signaled, timed out)
	TimedOut bool
}

// Runner executes host commands. The zero value is usable;
// DefaultTimeout is the default applied when a call doesn't pass its
// own via Context.
type Runner struct {
	// DefaultTimeout bounds any Run call that doesn't already carry a
	// deadline on its context. Zero means no default bound.
	DefaultTimeout time.Duration
}

// New returns a Runner with the given default timeout.
func New(defaultTimeout time.Duration) *Runner {
	return &Runner{DefaultTimeout: defaultTimeout}
}

// Run executes program with args, draining stdout and stderr
// concurrently with the wait, and enforces ctx's deadline or the
// Runner's DefaultTimeout, whichever is set. ignorableExitCodes lists
// exit codes that should not be treated as an error (e.g. iscsiadm's
// "15" for "already logged in").
func (r *Runner) Run(ctx context.Context, ignorableExitCodes []int, program string, args ...string) (Result, error) {
	if _, ok := ctx.Deadline(); !ok && r.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.DefaultTimeout)
		defer cancel()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, program, args...) // #nosec G204 -- args are validated allow-listed tokens, never raw host input
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	logger := log.WithComponent("execrunner")
	err := cmd.Run()
	res := Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: -1}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			logger.Warn().Str("program", program).Strs("args", args).Msg("command timed out")
			return res, fmt.Errorf("execrunner: %s timed out after deadline: %w", program, ctx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if isIgnorable(res.ExitCode, ignorableExitCodes) {
				logger.Debug().Str("program", program).Int("exit_code", res.ExitCode).
					Msg("command exited non-zero but code is ignorable")
				return res, nil
			}
		}

		logger.Debug().Str("program", program).Strs("args", args).Str("stderr", res.Stderr).
			Int("exit_code", res.ExitCode).Msg("command failed")
		return res, fmt.Errorf("execrunner: %s %v: %w (stderr: %s)", program, args, err, res.Stderr)
	}

	res.ExitCode = 0
	logger.Debug().Str("program", program).Strs("args", args).Msg("command succeeded")
	return res, nil
}

func isIgnorable(code int, ignorable []int) bool {
	for _, c := range ignorable {
		if c == code {
			return true
		}
	}
	return false
}

// AllowListed reports whether token consists solely of characters drawn
// from the given set of runes, used to validate caller-supplied
// fragments (a WWID, a device name, an IQN) before they are placed onto
// an argv slice.
func AllowListed(token string, allowed func(rune) bool) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		if !allowed(r) {
			return false
		}
	}
	return true
}

// IsSafeToken reports whether s contains only ASCII alphanumerics,
// '-', '_', '.', ':', and '/' — the superset needed for device paths,
// WWIDs, and IQNs. Anything else (whitespace, shell metacharacters,
// quotes) is rejected before it can reach argv.
func IsSafeToken(s string) bool {
	return AllowListed(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return true
		case r == '-' || r == '_' || r == '.' || r == ':' || r == '/':
			return true
		default:
			return false
		}
	})
}
