package arrayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/cuemby/pve-flasharray/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHostGroupV2WithMembers(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/api_version":
			_ = json.NewEncoder(w).Encode(map[string]any{"version": []string{"2.21"}})
		case strings.HasSuffix(r.URL.Path, "/login"):
			w.Header().Set("x-auth-token", "session-abc")
		case strings.HasSuffix(r.URL.Path, "/host-groups/hosts"):
			assert.Equal(t, "pve-mycluster", r.URL.Query().Get("group_names"))
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{
				map[string]any{"group": map[string]any{"name": "pve-mycluster"}, "member": map[string]any{"name": "pve-mycluster-node1"}},
				map[string]any{"group": map[string]any{"name": "pve-mycluster"}, "member": map[string]any{"name": "pve-mycluster-node2"}},
			}})
		case strings.HasSuffix(r.URL.Path, "/host-groups"):
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{map[string]any{"name": "pve-mycluster"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	host, port := serverPortal(t, srv)

	c, err := New(context.Background(), Config{Portal: host, Port: port, Credentials: Credentials{APIToken: "tok"}})
	require.NoError(t, err)

	hg, err := c.GetHostGroup(context.Background(), "pve-mycluster")
	require.NoError(t, err)
	assert.Equal(t, "pve-mycluster", hg.Name)
	assert.Equal(t, []string{"pve-mycluster-node1", "pve-mycluster-node2"}, hg.Hosts)
}

func TestGetHostGroupV2NotFound(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/api_version":
			_ = json.NewEncoder(w).Encode(map[string]any{"version": []string{"2.21"}})
		case strings.HasSuffix(r.URL.Path, "/login"):
			w.Header().Set("x-auth-token", "session-abc")
		case strings.HasSuffix(r.URL.Path, "/host-groups"):
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
		}
	})
	host, port := serverPortal(t, srv)

	c, err := New(context.Background(), Config{Portal: host, Port: port, Credentials: Credentials{APIToken: "tok"}})
	require.NoError(t, err)

	_, err = c.GetHostGroup(context.Background(), "pve-absent")
	var nf *types.NotFoundError
	require.Error(t, err)
	assert.True(t, errors.As(err, &nf))
}

func TestListHostGroupsV1(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/api_version":
			_ = json.NewEncoder(w).Encode(map[string]any{"version": []string{"1.19"}})
		case strings.HasSuffix(r.URL.Path, "/auth/session"):
			w.Header().Set("x-auth-token", "session-abc")
		case strings.HasSuffix(r.URL.Path, "/hgroup"):
			_ = json.NewEncoder(w).Encode([]any{
				map[string]any{"name": "pve-mycluster", "hosts": []string{"pve-mycluster-node1"}},
			})
		}
	})
	host, port := serverPortal(t, srv)

	c, err := New(context.Background(), Config{Portal: host, Port: port, Credentials: Credentials{APIToken: "tok"}})
	require.NoError(t, err)
	require.Equal(t, DialectV1, c.Dialect())

	groups, err := c.ListHostGroups(context.Background(), "pve-")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "pve-mycluster", groups[0].Name)
	assert.Equal(t, []string{"pve-mycluster-node1"}, groups[0].Hosts)
}

func TestSetHostGroupHostsV2AppliesDiff(t *testing.T) {
	var added, removed string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/api_version":
			_ = json.NewEncoder(w).Encode(map[string]any{"version": []string{"2.21"}})
		case strings.HasSuffix(r.URL.Path, "/login"):
			w.Header().Set("x-auth-token", "session-abc")
		case strings.HasSuffix(r.URL.Path, "/host-groups/hosts") && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{
				map[string]any{"group": map[string]any{"name": "g"}, "member": map[string]any{"name": "node1"}},
				map[string]any{"group": map[string]any{"name": "g"}, "member": map[string]any{"name": "node2"}},
			}})
		case strings.HasSuffix(r.URL.Path, "/host-groups/hosts") && r.Method == http.MethodPost:
			added = r.URL.Query().Get("member_names")
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/host-groups/hosts") && r.Method == http.MethodDelete:
			removed = r.URL.Query().Get("member_names")
			w.WriteHeader(http.StatusOK)
		}
	})
	host, port := serverPortal(t, srv)

	c, err := New(context.Background(), Config{Portal: host, Port: port, Credentials: Credentials{APIToken: "tok"}})
	require.NoError(t, err)

	err = c.SetHostGroupHosts(context.Background(), "g", []string{"node2", "node3"})
	require.NoError(t, err)
	assert.Equal(t, "node3", added)
	assert.Equal(t, "node1", removed)
}
