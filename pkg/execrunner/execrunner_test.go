package execrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	r := New(5 * time.Second)
	res, err := r.Run(context.Background(), nil, "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestRunNonZeroExit(t *testing.T) {
	r := New(5 * time.Second)
	_, err := r.Run(context.Background(), nil, "false")
	assert.Error(t, err)
}

func TestRunIgnorableExitCode(t *testing.T) {
	r := New(5 * time.Second)
	// `sh -c "exit 15"` mimics iscsiadm's "already logged in" exit code.
	res, err := r.Run(context.Background(), []int{15}, "sh", "-c", "exit 15")
	require.NoError(t, err)
	assert.Equal(t, 15, res.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	r := New(20 * time.Millisecond)
	res, err := r.Run(context.Background(), nil, "sleep", "5")
	require.Error(t, err)
	assert.True(t, res.TimedOut)
}

func TestRunRespectsCallerContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	r := New(0)
	res, err := r.Run(ctx, nil, "sleep", "5")
	require.Error(t, err)
	assert.True(t, res.TimedOut)
}

func TestIsSafeToken(t *testing.T) {
	assert.True(t, IsSafeToken("3624a9370abcdef0123456789012"))
	assert.True(t, IsSafeToken("/dev/mapper/3624a9370abc"))
	assert.True(t, IsSafeToken("iqn.2020-01.com.example:host1"))
	assert.False(t, IsSafeToken(""))
	assert.False(t, IsSafeToken("foo; rm -rf /"))
	assert.False(t, IsSafeToken("foo bar"))
	assert.False(t, IsSafeToken("foo$(bar)"))
}
