package arrayclient

import (
	"net/http"
	"testing"

	"github.com/cuemby/pve-flasharray/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractErrorMessageV2(t *testing.T) {
	body := []byte(`{"errors":[{"context":"volumes[0]","message":"volume already exists"}]}`)
	assert.Equal(t, "volumes[0]: volume already exists", extractErrorMessage(DialectV2, body))
}

func TestExtractErrorMessageV1(t *testing.T) {
	body := []byte(`{"msg":"Volume does not exist."}`)
	assert.Equal(t, "Volume does not exist.", extractErrorMessage(DialectV1, body))
}

func TestClassifyConflictBenign(t *testing.T) {
	err := classifyConflict(DialectV2, http.MethodPost, "Volume already exists.", "", nil)
	assert.True(t, err.Benign)
	assert.Equal(t, "already_exists", err.Reason)
}

func TestClassifyConflictDependentClones(t *testing.T) {
	body := []byte(`{"errors":[{"message":"cannot delete","code":"has_dependent_volumes"}]}`)
	err := classifyConflict(DialectV2, http.MethodDelete, "cannot delete", "", body)
	assert.Equal(t, "has_dependent_clones", err.Reason)
	assert.NotEmpty(t, err.Hint)
}

func TestClassifyConflictDependentClonesSubstringFallback(t *testing.T) {
	err := classifyConflict(DialectV1, http.MethodDelete, "Snapshot has dependent volume.", "", nil)
	assert.Equal(t, "has_dependent_clones", err.Reason)
}

func TestClassifyConflictInitiatorInUse(t *testing.T) {
	err := classifyConflict(DialectV2, http.MethodPost, "initiator already in use by host other-node", "remove it first", nil)
	assert.Equal(t, "initiator_in_use", err.Reason)
	assert.False(t, err.Benign)
}

func TestClassifyStatusNotFound(t *testing.T) {
	err := classifyStatus(DialectV1, http.MethodGet, http.StatusOK, nil)
	assert.NoError(t, err)

	err = classifyStatus(DialectV1, http.MethodGet, http.StatusNotFound, []byte(`{"msg":"Volume does not exist."}`))
	var nf *types.NotFoundError
	require.Error(t, err)
	assert.ErrorAs(t, err, &nf)
}

func TestClassifyStatus401(t *testing.T) {
	err := classifyStatus(DialectV2, http.MethodGet, http.StatusUnauthorized, nil)
	var ae *types.AuthExpiredError
	assert.ErrorAs(t, err, &ae)
}

func TestClassifyStatusRetryableOn429(t *testing.T) {
	err := classifyStatus(DialectV2, http.MethodGet, http.StatusTooManyRequests, nil)
	_, ok := err.(retryableError)
	assert.True(t, ok)
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, globMatch("pve-base", "pve-base"))
	assert.True(t, globMatch("*.pve-base", "vol.pve-base"))
	assert.True(t, globMatch("pve-snap-*", "pve-snap-hourly"))
	assert.False(t, globMatch("pve-base", "pve-snap-hourly"))
}
