package arrayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/pve-flasharray/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func serverPortal(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u := strings.TrimPrefix(srv.URL, "https://")
	host, portStr, found := strings.Cut(u, ":")
	require.True(t, found)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestDetectVersionV2(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/api_version":
			_ = json.NewEncoder(w).Encode(map[string]any{"version": []string{"1.0", "2.4", "2.21"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	host, port := serverPortal(t, srv)

	c, err := New(context.Background(), Config{Portal: host, Port: port, SSLVerify: false})
	require.NoError(t, err)
	assert.Equal(t, DialectV2, c.Dialect())
	assert.Equal(t, "2.21", c.Version())
}

func TestDetectVersionProbeFallback(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/api_version":
			w.WriteHeader(http.StatusNotFound)
		case strings.HasSuffix(r.URL.Path, "/1.19/arrays"):
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	host, port := serverPortal(t, srv)

	c, err := New(context.Background(), Config{Portal: host, Port: port})
	require.NoError(t, err)
	assert.Equal(t, DialectV1, c.Dialect())
	assert.Equal(t, "1.19", c.Version())
}

func TestLoginAndCreateVolumeV2(t *testing.T) {
	var sawToken string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/api_version":
			_ = json.NewEncoder(w).Encode(map[string]any{"version": []string{"2.21"}})
		case strings.HasSuffix(r.URL.Path, "/login"):
			assert.Equal(t, "tok-123", r.Header.Get("api-token"))
			w.Header().Set("x-auth-token", "session-abc")
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/volumes"):
			sawToken = r.Header.Get("x-auth-token")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []any{map[string]any{
					"name": "pve-pure1-100-disk0", "serial": strings.Repeat("a", 24),
					"provisioned": 1073741824, "destroyed": false, "created": "2024-01-01T00:00:00Z",
				}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	host, port := serverPortal(t, srv)

	c, err := New(context.Background(), Config{Portal: host, Port: port, Credentials: Credentials{APIToken: "tok-123"}})
	require.NoError(t, err)

	vol, err := c.CreateVolume(context.Background(), "pve-pure1-100-disk0", 1073741824)
	require.NoError(t, err)
	assert.Equal(t, "pve-pure1-100-disk0", vol.Name)
	assert.Equal(t, int64(1073741824), vol.Provisioned)
	assert.Equal(t, "session-abc", sawToken)
	assert.Equal(t, 2024, vol.Created.Year())
}

func TestGetVolumeNotFound(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/api_version":
			_ = json.NewEncoder(w).Encode(map[string]any{"version": []string{"2.21"}})
		case strings.HasSuffix(r.URL.Path, "/login"):
			w.Header().Set("x-auth-token", "session-abc")
		case strings.HasSuffix(r.URL.Path, "/volumes"):
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
		}
	})
	host, port := serverPortal(t, srv)

	c, err := New(context.Background(), Config{Portal: host, Port: port, Credentials: Credentials{APIToken: "tok"}})
	require.NoError(t, err)

	_, err = c.GetVolume(context.Background(), "pve-pure1-999-disk0")
	require.Error(t, err)
	var nf *types.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestRetriesOn401Once(t *testing.T) {
	loginCount := 0
	attempt := 0
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/api_version":
			_ = json.NewEncoder(w).Encode(map[string]any{"version": []string{"2.21"}})
		case strings.HasSuffix(r.URL.Path, "/login"):
			loginCount++
			w.Header().Set("x-auth-token", "session-"+strings.Repeat("x", loginCount))
		case strings.HasSuffix(r.URL.Path, "/volumes"):
			attempt++
			if attempt == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"errors":[{"message":"session expired"}]}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{map[string]any{
				"name": "pve-pure1-100-disk0", "serial": strings.Repeat("b", 24),
				"provisioned": 1024, "created": "2024-01-01T00:00:00Z",
			}}})
		}
	})
	host, port := serverPortal(t, srv)

	c, err := New(context.Background(), Config{Portal: host, Port: port, Credentials: Credentials{APIToken: "tok"}, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	vol, err := c.GetVolume(context.Background(), "pve-pure1-100-disk0")
	require.NoError(t, err)
	assert.Equal(t, "pve-pure1-100-disk0", vol.Name)
	assert.Equal(t, 2, loginCount)
}

func TestRetriesOn429(t *testing.T) {
	attempt := 0
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/api_version":
			_ = json.NewEncoder(w).Encode(map[string]any{"version": []string{"2.21"}})
		case strings.HasSuffix(r.URL.Path, "/login"):
			w.Header().Set("x-auth-token", "session-abc")
		case strings.HasSuffix(r.URL.Path, "/volumes"):
			attempt++
			if attempt < 3 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{map[string]any{
				"name": "pve-pure1-100-disk0", "serial": strings.Repeat("c", 24), "provisioned": 1024,
				"created": "2024-01-01T00:00:00Z",
			}}})
		}
	})
	host, port := serverPortal(t, srv)

	c, err := New(context.Background(), Config{Portal: host, Port: port, Credentials: Credentials{APIToken: "tok"}, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	vol, err := c.GetVolume(context.Background(), "pve-pure1-100-disk0")
	require.NoError(t, err)
	assert.Equal(t, "pve-pure1-100-disk0", vol.Name)
	assert.Equal(t, 3, attempt)
}

func TestNoRetryOnNonIdempotentPost5xx(t *testing.T) {
	attempt := 0
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/api_version":
			_ = json.NewEncoder(w).Encode(map[string]any{"version": []string{"2.21"}})
		case strings.HasSuffix(r.URL.Path, "/login"):
			w.Header().Set("x-auth-token", "session-abc")
		case strings.HasSuffix(r.URL.Path, "/volumes"):
			attempt++
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"errors":[{"message":"internal error"}]}`))
		}
	})
	host, port := serverPortal(t, srv)

	c, err := New(context.Background(), Config{Portal: host, Port: port, Credentials: Credentials{APIToken: "tok"}, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	_, err = c.CreateVolume(context.Background(), "pve-pure1-100-disk0", 1024)
	require.Error(t, err)
	assert.Equal(t, 1, attempt)
}
