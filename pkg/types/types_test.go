package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialToWWID(t *testing.T) {
	serial := "9714b5cb91634c470002b2c8"
	wwid := SerialToWWID(serial)
	assert.Equal(t, "3624a9370"+serial, wwid)
	assert.Len(t, wwid, 33)
	assert.Equal(t, strings.ToLower(wwid), wwid)
}

func TestArrayVolumeWWID(t *testing.T) {
	v := ArrayVolume{Serial: "9714b5cb91634c470002b2c8"}
	assert.Equal(t, "3624a93709714b5cb91634c470002b2c8", v.WWID())
}

func TestIsTemplateMarker(t *testing.T) {
	assert.True(t, ArraySnapshot{Suffix: "pve-base"}.IsTemplateMarker())
	assert.False(t, ArraySnapshot{Suffix: "pve-snap-hourly"}.IsTemplateMarker())
}

func TestErrorTaxonomyMatching(t *testing.T) {
	// Every kind must survive a fmt.Errorf %w wrap and still match via
	// errors.As, since that is how the orchestrator classifies what the
	// lower layers return.
	wrapped := fmt.Errorf("orchestrator: doing a thing: %w",
		&ConflictError{Op: "connect", Reason: "already_connected", Benign: true})
	var conflict *ConflictError
	require.True(t, errors.As(wrapped, &conflict))
	assert.True(t, conflict.Benign)

	wrapped = fmt.Errorf("outer: %w", &NotFoundError{Kind: "volume", Name: "pve-pure1-100-disk0"})
	var nf *NotFoundError
	require.True(t, errors.As(wrapped, &nf))
	assert.Equal(t, "volume", nf.Kind)

	wrapped = fmt.Errorf("outer: %w", &AuthExpiredError{Op: "list", Err: errors.New("401")})
	var auth *AuthExpiredError
	assert.True(t, errors.As(wrapped, &auth))

	wrapped = fmt.Errorf("outer: %w", &TransientError{Op: "list", Err: errors.New("503")})
	var transient *TransientError
	assert.True(t, errors.As(wrapped, &transient))

	wrapped = fmt.Errorf("outer: %w", &InUseError{Device: "/dev/mapper/x", Reason: "mounted"})
	var inUse *InUseError
	assert.True(t, errors.As(wrapped, &inUse))
}

func TestConflictErrorMessageIncludesHint(t *testing.T) {
	err := &ConflictError{Op: "add_initiator", Reason: "initiator_in_use",
		Hint: "remove the conflicting registration on the array first"}
	assert.Contains(t, err.Error(), "initiator_in_use")
	assert.Contains(t, err.Error(), "remove the conflicting registration")
}

func TestLocalFatalErrorCarriesDiagnostics(t *testing.T) {
	err := &LocalFatalError{
		Op:   "wait_for_device",
		WWID: "3624a93709714b5cb91634c470002b2c8",
		Diag: "active sessions: iqn.2010-06.com.purestorage:flasharray.x",
		Err:  errors.New("device discovery timed out after 60s"),
	}
	msg := err.Error()
	assert.Contains(t, msg, "3624a9370")
	assert.Contains(t, msg, "active sessions")
	assert.Contains(t, msg, "timed out")
}

func TestInUseErrorMessage(t *testing.T) {
	err := &InUseError{Device: "/dev/mapper/3624a9370abc", Reason: "mounted"}
	assert.Contains(t, err.Error(), "in use")
	assert.Contains(t, err.Error(), "/dev/mapper/3624a9370abc")
}
