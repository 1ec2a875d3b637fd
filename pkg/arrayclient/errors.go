package arrayclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cuemby/pve-flasharray/pkg/types"
)

// asNotFound and asConflict are thin errors.As wrappers so call sites
// read as intent ("is this absent?") rather than boilerplate.
func asNotFound(err error, target **types.NotFoundError) bool {
	return errors.As(err, target)
}

func asConflict(err error, target **types.ConflictError) bool {
	return errors.As(err, target)
}

type v2ErrorItem struct {
	Context string `json:"context"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type v2ErrorBody struct {
	Errors []v2ErrorItem `json:"errors"`
}

type v1ErrorBody struct {
	Msg string `json:"msg"`
}

// extractErrorMessage pulls the human-readable message out of either
// dialect's error body shape.
func extractErrorMessage(dialect Dialect, body []byte) string {
	if dialect == DialectV2 {
		var eb v2ErrorBody
		if err := json.Unmarshal(body, &eb); err == nil && len(eb.Errors) > 0 {
			parts := make([]string, 0, len(eb.Errors))
			for _, e := range eb.Errors {
				if e.Context != "" {
					parts = append(parts, fmt.Sprintf("%s: %s", e.Context, e.Message))
				} else {
					parts = append(parts, e.Message)
				}
			}
			return strings.Join(parts, "; ")
		}
	} else {
		var eb v1ErrorBody
		if err := json.Unmarshal(body, &eb); err == nil && eb.Msg != "" {
			return eb.Msg
		}
	}
	if len(body) == 0 {
		return "(no error body)"
	}
	return string(body)
}

// errorCode extracts the v2 structured error code, when present; v1
// never has one.
func errorCode(dialect Dialect, body []byte) string {
	if dialect != DialectV2 {
		return ""
	}
	var eb v2ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && len(eb.Errors) > 0 {
		return eb.Errors[0].Code
	}
	return ""
}

// hintFor annotates a status/message pair with a human-actionable
// remediation, per spec.md §4.B / §7.
func hintFor(status int, message string) string {
	lower := strings.ToLower(message)
	switch {
	case status == http.StatusUnauthorized:
		return "check that api-token/username+password are correct and the account is enabled"
	case status == http.StatusForbidden:
		return "check that the API token's role has permission for this operation"
	case status == http.StatusNotFound:
		return ""
	case status == http.StatusConflict && (strings.Contains(lower, "already exist") || strings.Contains(lower, "already connected")):
		return ""
	case status == http.StatusConflict && strings.Contains(lower, "in use"):
		return "remove the conflicting initiator/host registration before retrying"
	case status == http.StatusConflict && (strings.Contains(lower, "dependent") || strings.Contains(lower, "has a clone")):
		return "remove dependent clones/snapshots before deleting this object"
	case strings.Contains(lower, "quota"):
		return "the pod or array quota has been reached; free space or raise the quota"
	case strings.Contains(lower, "capacity") || strings.Contains(lower, "insufficient space"):
		return "the array is out of usable capacity"
	case status == http.StatusServiceUnavailable:
		return "array is temporarily unavailable"
	default:
		return ""
	}
}

// transientStatusError implements retryableError for 429/5xx.
type transientStatusError struct {
	Status  int
	Message string
}

func (e *transientStatusError) Error() string {
	return fmt.Sprintf("transient status %d: %s", e.Status, e.Message)
}
func (e *transientStatusError) retryable() {}

// classifyStatus maps an HTTP status + body into the spec.md §7
// taxonomy. The method is needed because the 5xx/POST exception only
// applies to non-idempotent writes.
func classifyStatus(dialect Dialect, method string, status int, body []byte) error {
	message := extractErrorMessage(dialect, body)
	hint := hintFor(status, message)

	switch {
	case status >= 200 && status < 300:
		return nil

	case status == http.StatusUnauthorized:
		return &types.AuthExpiredError{Op: method, Err: fmt.Errorf("%s%s", message, hintSuffix(hint))}

	case status == http.StatusTooManyRequests:
		return &transientStatusError{Status: status, Message: message}

	case status >= 500:
		if method == http.MethodPost {
			// Non-idempotent write on a server error: do not retry, a
			// retried POST could duplicate the create.
			return fmt.Errorf("arrayclient: %s failed (%d), not retrying a non-idempotent write: %s%s",
				method, status, message, hintSuffix(hint))
		}
		return &transientStatusError{Status: status, Message: message}

	case status == http.StatusNotFound || isNotFoundMessage(message):
		return &types.NotFoundError{Kind: "object", Name: message}

	case status == http.StatusConflict || isConflictMessage(message):
		return classifyConflict(dialect, method, message, hint, body)

	default:
		return fmt.Errorf("arrayclient: %s failed (%d): %s%s", method, status, message, hintSuffix(hint))
	}
}

func hintSuffix(hint string) string {
	if hint == "" {
		return ""
	}
	return " (" + hint + ")"
}

func isNotFoundMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "does not exist") || strings.Contains(lower, "not found")
}

func isConflictMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"already exist", "already connected", "in use", "has dependent", "has a clone", "conflict"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// dependentCloneCodes are the v2 structured error codes observed for
// "cannot delete, has dependent clones" responses. The array's message
// text alone is not a stable contract (spec.md Open Question 3), so
// the structured code is checked first and the substring match is a
// fallback for dialects/versions that only ever return text.
var dependentCloneCodes = map[string]bool{
	"has_dependent_volumes": true,
	"dependent_clone":       true,
}

// classifyConflict turns a 409 (or message-matched conflict) into a
// ConflictError, marking benign races (spec.md §5: "already exists",
// "already connected" are tolerated) and attaching a remediation hint
// for the user-actionable ones.
func classifyConflict(dialect Dialect, method, message, hint string, body []byte) *types.ConflictError {
	lower := strings.ToLower(message)
	code := errorCode(dialect, body)

	switch {
	case dependentCloneCodes[code] || strings.Contains(lower, "has dependent") || strings.Contains(lower, "has a clone"):
		return &types.ConflictError{
			Op: method, Reason: "has_dependent_clones",
			Hint: "remove dependent clones before deleting this snapshot/volume", Err: fmt.Errorf("%s", message),
		}
	case strings.Contains(lower, "already exist"):
		return &types.ConflictError{Op: method, Reason: "already_exists", Benign: true, Err: fmt.Errorf("%s", message)}
	case strings.Contains(lower, "already connected"):
		return &types.ConflictError{Op: method, Reason: "already_connected", Benign: true, Err: fmt.Errorf("%s", message)}
	case strings.Contains(lower, "in use") || strings.Contains(lower, "initiator"):
		return &types.ConflictError{
			Op: method, Reason: "initiator_in_use", Hint: hint, Err: fmt.Errorf("%s", message),
		}
	default:
		return &types.ConflictError{Op: method, Reason: "conflict", Hint: hint, Err: fmt.Errorf("%s", message)}
	}
}
