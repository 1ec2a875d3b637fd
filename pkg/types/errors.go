package types

import "fmt"

// TransientError marks a failure the caller should retry with backoff:
// HTTP 429/5xx, connection resets. See spec.md §7.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthExpiredError marks a 401 received after a session was already
// established; the array client invalidates the session and retries
// once per spec.md §7.
type AuthExpiredError struct {
	Op  string
	Err error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("%s: session expired: %v", e.Op, e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// NotFoundError marks a 404/"does not exist" response. Get-style
// callers convert this to (nil, nil); delete-style callers treat it as
// idempotent success; callers that require presence surface it.
type NotFoundError struct {
	Kind string // "volume", "snapshot", "host", ...
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// ConflictError marks a 409 or message-matched conflict: "already
// exists", "already connected", "has dependent volume", initiator
// registered to another host. Benign conflicts (race with self or a
// peer doing the same idempotent thing) are swallowed by the
// orchestrator; user-actionable ones are surfaced with Hint.
type ConflictError struct {
	Op     string
	Reason string // e.g. "already_exists", "has_dependent_clones", "initiator_in_use"
	Hint   string // human-actionable remediation, empty if none
	Benign bool
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Reason, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// LocalFatalError marks a local-side failure with no retry: device
// discovery timeout, mkfs failure, a destructive op refused because the
// device is in use. Diag carries whatever the failing layer could
// gather (active sessions, online FC targets, debug commands) so the
// host platform surfaces something actionable without log scraping.
type LocalFatalError struct {
	Op   string
	WWID string
	Diag string
	Err  error
}

func (e *LocalFatalError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.WWID != "" {
		msg += fmt.Sprintf(" (wwid=%s)", e.WWID)
	}
	if e.Diag != "" {
		msg += "\n" + e.Diag
	}
	return msg
}

func (e *LocalFatalError) Unwrap() error { return e.Err }

// InUseError is a specific, sentinel-matchable form of LocalFatalError
// used by pkg/devresolver to refuse destructive operations on devices
// that are mounted, held, or open.
type InUseError struct {
	Device string
	Reason string // "mounted", "has holders", "slave sdb mounted", "open (fuser)", ...
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("device %s is in use: %s", e.Device, e.Reason)
}
