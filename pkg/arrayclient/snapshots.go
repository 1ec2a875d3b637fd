package arrayclient

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"context"

	"github.com/cuemby/pve-flasharray/pkg/types"
)

type rawSnapshotV2 struct {
	Name      string `json:"name"`
	Source    struct {
		Name string `json:"name"`
	} `json:"source"`
	Created   string `json:"created"`
	Destroyed bool   `json:"destroyed"`
}

type rawSnapshotV1 struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	Created   int64  `json:"created"`
	Destroyed bool   `json:"destroyed"`
}

func splitSnapshotName(full string) (volume, suffix string) {
	idx := strings.LastIndex(full, ".")
	if idx < 0 {
		return full, ""
	}
	return full[:idx], full[idx+1:]
}

func toArraySnapshotV2(r rawSnapshotV2) types.ArraySnapshot {
	created, err := time.Parse(time.RFC3339, r.Created)
	if err != nil {
		created = time.Time{}
	}
	_, suffix := splitSnapshotName(r.Name)
	return types.ArraySnapshot{
		Name: r.Name, Volume: r.Source.Name, Suffix: suffix,
		Created: created.UTC(), Destroyed: r.Destroyed,
	}
}

func toArraySnapshotV1(r rawSnapshotV1) types.ArraySnapshot {
	_, suffix := splitSnapshotName(r.Name)
	return types.ArraySnapshot{
		Name: r.Name, Volume: r.Source, Suffix: suffix,
		Created: time.Unix(r.Created, 0).UTC(), Destroyed: r.Destroyed,
	}
}

// CreateSnapshot creates "{volume}.{suffix}" on the array. suffix is
// expected to already be in "pve-snap-{name}" or "pve-base" form (see
// pkg/naming).
func (c *Client) CreateSnapshot(ctx context.Context, volume, suffix string) (types.ArraySnapshot, error) {
	qvol := c.qualify(volume)

	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawSnapshotV2]
		q := url.Values{"source_names": {qvol}}
		body := map[string]any{"suffix": suffix}
		err := c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("volume-snapshots"), query: q, body: body, out: &env})
		if err != nil {
			return types.ArraySnapshot{}, err
		}
		if len(env.Items) == 0 {
			return types.ArraySnapshot{}, fmt.Errorf("arrayclient: create snapshot %s.%s: empty response", qvol, suffix)
		}
		return toArraySnapshotV2(env.Items[0]), nil
	}

	var raw []rawSnapshotV1
	body := map[string]any{"source": []string{qvol}, "suffix": suffix}
	err := c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("volume") + "/" + url.PathEscape(qvol), body: body, out: &raw})
	if err != nil {
		return types.ArraySnapshot{}, err
	}
	if len(raw) == 0 {
		return types.ArraySnapshot{}, fmt.Errorf("arrayclient: create snapshot %s.%s: empty response", qvol, suffix)
	}
	return toArraySnapshotV1(raw[0]), nil
}

// GetSnapshot fetches one snapshot by its full "volume.suffix" name.
func (c *Client) GetSnapshot(ctx context.Context, fullName string) (types.ArraySnapshot, error) {
	qname := c.qualify(fullName)

	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawSnapshotV2]
		q := url.Values{"names": {qname}, "destroyed": {"false"}}
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("volume-snapshots"), query: q, out: &env})
		if err != nil {
			return types.ArraySnapshot{}, err
		}
		if len(env.Items) == 0 {
			return types.ArraySnapshot{}, &types.NotFoundError{Kind: "snapshot", Name: qname}
		}
		return toArraySnapshotV2(env.Items[0]), nil
	}

	var raw []rawSnapshotV1
	q := url.Values{"snap": {"true"}}
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("volume") + "/" + url.PathEscape(qname), query: q, out: &raw})
	if err != nil {
		return types.ArraySnapshot{}, err
	}
	if len(raw) == 0 {
		return types.ArraySnapshot{}, &types.NotFoundError{Kind: "snapshot", Name: qname}
	}
	return toArraySnapshotV1(raw[0]), nil
}

// ListSnapshots lists snapshots of volName (or, if volName is "", of
// every volume under the negotiated pod) whose suffix matches
// suffixGlob, e.g. "pve-base" to find template markers. The pattern is
// matched against the suffix alone, not the full "{volume}.{suffix}"
// name.
func (c *Client) ListSnapshots(ctx context.Context, volName, suffixGlob string, includeDestroyed bool) ([]types.ArraySnapshot, error) {
	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawSnapshotV2]
		q := url.Values{}
		if volName != "" {
			q.Set("source_names", c.qualify(volName))
		}
		if suffixGlob != "" {
			q.Set("filter", fmt.Sprintf("suffix='%s'", suffixGlob))
		}
		if !includeDestroyed {
			q.Set("destroyed", "false")
		}
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("volume-snapshots"), query: q, out: &env})
		if err != nil {
			return nil, err
		}
		out := make([]types.ArraySnapshot, 0, len(env.Items))
		for _, it := range env.Items {
			out = append(out, toArraySnapshotV2(it))
		}
		return out, nil
	}

	var raw []rawSnapshotV1
	q := url.Values{"snap": {"true"}}
	if volName != "" {
		q.Set("names", c.qualify(volName))
	}
	if includeDestroyed {
		q.Set("pending", "true")
	}
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("volume"), query: q, out: &raw})
	if err != nil {
		return nil, err
	}
	out := make([]types.ArraySnapshot, 0, len(raw))
	for _, it := range raw {
		_, suffix := splitSnapshotName(it.Name)
		if suffixGlob != "" && !globMatch(suffixGlob, suffix) {
			continue
		}
		out = append(out, toArraySnapshotV1(it))
	}
	return out, nil
}

// globMatch supports the single trailing/leading '*' forms this
// package needs ("pve-base", "*.pve-base", "pve-snap-*").
func globMatch(pattern, s string) bool {
	switch {
	case pattern == s:
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(s, strings.TrimPrefix(pattern, "*")):
		return true
	case strings.HasSuffix(pattern, "*") && strings.HasPrefix(s, strings.TrimSuffix(pattern, "*")):
		return true
	default:
		return false
	}
}

// DeleteSnapshot soft-deletes a snapshot (destroyed flag only).
func (c *Client) DeleteSnapshot(ctx context.Context, fullName string) error {
	qname := c.qualify(fullName)
	if c.dialect == DialectV2 {
		q := url.Values{"names": {qname}}
		body := map[string]any{"destroyed": true}
		return c.do(ctx, requestOpts{method: http.MethodPatch, path: c.apiPath("volume-snapshots"), query: q, body: body})
	}
	body := map[string]any{"destroyed": true}
	return c.do(ctx, requestOpts{method: http.MethodPut, path: c.apiPath("volume") + "/" + url.PathEscape(qname), body: body})
}

// EradicateSnapshot permanently removes a soft-deleted snapshot.
func (c *Client) EradicateSnapshot(ctx context.Context, fullName string) error {
	qname := c.qualify(fullName)
	if c.dialect == DialectV2 {
		q := url.Values{"names": {qname}}
		return c.do(ctx, requestOpts{method: http.MethodDelete, path: c.apiPath("volume-snapshots"), query: q})
	}
	q := url.Values{"eradicate": {"true"}}
	return c.do(ctx, requestOpts{method: http.MethodDelete, path: c.apiPath("volume") + "/" + url.PathEscape(qname), query: q})
}
