package arrayclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/cuemby/pve-flasharray/pkg/types"
)

type rawConnectionV2 struct {
	Host   struct{ Name string } `json:"host"`
	Volume struct{ Name string } `json:"volume"`
}

type rawConnectionV1 struct {
	Host string `json:"host"`
	Name string `json:"name"`
}

// Connect attaches volName to hostName. "Already connected" is a
// benign conflict the orchestrator tolerates (spec.md §5).
func (c *Client) Connect(ctx context.Context, hostName, volName string) error {
	qhost, qvol := c.qualify(hostName), c.qualify(volName)
	if c.dialect == DialectV2 {
		q := url.Values{"host_names": {qhost}, "volume_names": {qvol}}
		return c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("connections"), query: q})
	}
	return c.do(ctx, requestOpts{
		method: http.MethodPost,
		path:   c.apiPath("host") + "/" + url.PathEscape(qhost) + "/volume/" + url.PathEscape(qvol),
	})
}

// Disconnect detaches volName from hostName. Absent connection is
// treated as idempotent success by the orchestrator, not here — the
// client surfaces whatever the array reports.
func (c *Client) Disconnect(ctx context.Context, hostName, volName string) error {
	qhost, qvol := c.qualify(hostName), c.qualify(volName)
	if c.dialect == DialectV2 {
		q := url.Values{"host_names": {qhost}, "volume_names": {qvol}}
		return c.do(ctx, requestOpts{method: http.MethodDelete, path: c.apiPath("connections"), query: q})
	}
	return c.do(ctx, requestOpts{
		method: http.MethodDelete,
		path:   c.apiPath("host") + "/" + url.PathEscape(qhost) + "/volume/" + url.PathEscape(qvol),
	})
}

// ListConnectionsForVolume lists every host currently connected to
// volName, used by free() to disconnect from all of them.
func (c *Client) ListConnectionsForVolume(ctx context.Context, volName string) ([]types.Connection, error) {
	qvol := c.qualify(volName)
	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawConnectionV2]
		q := url.Values{"volume_names": {qvol}}
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("connections"), query: q, out: &env})
		if err != nil {
			return nil, err
		}
		out := make([]types.Connection, 0, len(env.Items))
		for _, it := range env.Items {
			out = append(out, types.Connection{HostName: it.Host.Name, VolumeName: it.Volume.Name})
		}
		return out, nil
	}

	var raw []rawConnectionV1
	q := url.Values{"names": {qvol}}
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("volume") + "/" + url.PathEscape(qvol) + "/host", query: q, out: &raw})
	if err != nil {
		return nil, err
	}
	out := make([]types.Connection, 0, len(raw))
	for _, it := range raw {
		out = append(out, types.Connection{HostName: it.Host, VolumeName: it.Name})
	}
	return out, nil
}
