package arrayclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/pve-flasharray/pkg/types"
)

// Volume dialect payload shapes. v2 nests usage under "space" and
// reports size as "provisioned"; v1 is flat and calls it "size". Both
// report "created" but in different formats — see DESIGN.md Open
// Question 1 for the normalization rule applied in toArrayVolumeV2 and
// toArrayVolumeV1.
type rawVolumeV2 struct {
	Name        string `json:"name"`
	Serial      string `json:"serial"`
	Provisioned int64  `json:"provisioned"`
	Destroyed   bool   `json:"destroyed"`
	Created     string `json:"created"` // RFC3339
	Space       struct {
		UsedProvisioned int64 `json:"used_provisioned"`
	} `json:"space"`
}

type rawVolumeV1 struct {
	Name      string `json:"name"`
	Serial    string `json:"serial"`
	Size      int64  `json:"size"`
	Used      int64  `json:"volumes"` // v1 "volumes" reports logical bytes used
	Destroyed bool   `json:"destroyed"`
	Created   int64  `json:"created"` // epoch seconds
}

type itemsEnvelope[T any] struct {
	Items []T `json:"items"`
}

func toArrayVolumeV2(r rawVolumeV2) types.ArrayVolume {
	created, err := time.Parse(time.RFC3339, r.Created)
	if err != nil {
		created = time.Time{}
	}
	return types.ArrayVolume{
		Name:        r.Name,
		Serial:      r.Serial,
		Provisioned: r.Provisioned,
		Used:        r.Space.UsedProvisioned,
		Destroyed:   r.Destroyed,
		Created:     created.UTC(),
	}
}

func toArrayVolumeV1(r rawVolumeV1) types.ArrayVolume {
	return types.ArrayVolume{
		Name:        r.Name,
		Serial:      r.Serial,
		Provisioned: r.Size,
		Used:        r.Used,
		Destroyed:   r.Destroyed,
		Created:     time.Unix(r.Created, 0).UTC(),
	}
}

// CreateVolume creates a volume of the given provisioned size (bytes).
func (c *Client) CreateVolume(ctx context.Context, name string, sizeBytes int64) (types.ArrayVolume, error) {
	qname := c.qualify(name)

	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawVolumeV2]
		q := url.Values{"names": {qname}}
		body := map[string]any{"provisioned": sizeBytes}
		err := c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("volumes"), query: q, body: body, out: &env})
		if err != nil {
			return types.ArrayVolume{}, err
		}
		if len(env.Items) == 0 {
			return types.ArrayVolume{}, fmt.Errorf("arrayclient: create volume %q: empty response", qname)
		}
		return toArrayVolumeV2(env.Items[0]), nil
	}

	var raw []rawVolumeV1
	body := map[string]any{"size": sizeBytes}
	err := c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("volume") + "/" + url.PathEscape(qname), body: body, out: &raw})
	if err != nil {
		return types.ArrayVolume{}, err
	}
	if len(raw) == 0 {
		return types.ArrayVolume{}, fmt.Errorf("arrayclient: create volume %q: empty response", qname)
	}
	return toArrayVolumeV1(raw[0]), nil
}

// GetVolume fetches one volume by name. It returns (zero, nil, nil)-shaped
// behavior via types.NotFoundError bubbling up through do(); callers
// wanting "not present" semantics should match on it with errors.As.
func (c *Client) GetVolume(ctx context.Context, name string) (types.ArrayVolume, error) {
	qname := c.qualify(name)

	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawVolumeV2]
		q := url.Values{"names": {qname}, "destroyed": {"false"}}
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("volumes"), query: q, out: &env})
		if err != nil {
			return types.ArrayVolume{}, err
		}
		if len(env.Items) == 0 {
			return types.ArrayVolume{}, &types.NotFoundError{Kind: "volume", Name: qname}
		}
		return toArrayVolumeV2(env.Items[0]), nil
	}

	var raw rawVolumeV1
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("volume") + "/" + url.PathEscape(qname), out: &raw})
	if err != nil {
		return types.ArrayVolume{}, err
	}
	return toArrayVolumeV1(raw), nil
}

// ListVolumes lists volumes whose name matches a glob-style prefix
// (the array's own filter semantics: a trailing '*' is a prefix
// match). includeDestroyed controls whether destroyed-but-not-yet-
// eradicated volumes are included.
func (c *Client) ListVolumes(ctx context.Context, namePrefix string, includeDestroyed bool) ([]types.ArrayVolume, error) {
	qprefix := c.qualify(namePrefix)

	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawVolumeV2]
		q := url.Values{"filter": {fmt.Sprintf("name='%s*'", qprefix)}}
		if !includeDestroyed {
			q.Set("destroyed", "false")
		}
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("volumes"), query: q, out: &env})
		if err != nil {
			return nil, err
		}
		out := make([]types.ArrayVolume, 0, len(env.Items))
		for _, it := range env.Items {
			out = append(out, toArrayVolumeV2(it))
		}
		return out, nil
	}

	var raw []rawVolumeV1
	q := url.Values{"names": {qprefix}}
	if includeDestroyed {
		q.Set("pending", "true")
	}
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("volume"), query: q, out: &raw})
	if err != nil {
		return nil, err
	}
	out := make([]types.ArrayVolume, 0, len(raw))
	for _, it := range raw {
		out = append(out, toArrayVolumeV1(it))
	}
	return out, nil
}

// ResizeVolume changes a volume's provisioned size. The orchestrator
// enforces "reject shrink" before calling this; the client issues
// whatever it's told.
func (c *Client) ResizeVolume(ctx context.Context, name string, newSizeBytes int64) error {
	qname := c.qualify(name)
	if c.dialect == DialectV2 {
		q := url.Values{"names": {qname}}
		body := map[string]any{"provisioned": newSizeBytes}
		return c.do(ctx, requestOpts{method: http.MethodPatch, path: c.apiPath("volumes"), query: q, body: body})
	}
	body := map[string]any{"size": newSizeBytes}
	return c.do(ctx, requestOpts{method: http.MethodPut, path: c.apiPath("volume") + "/" + url.PathEscape(qname), body: body})
}

// RenameVolume changes a volume's host-visible name on the array,
// keeping its identity (serial, connections). Used by the
// orchestrator's rename_volume operation.
func (c *Client) RenameVolume(ctx context.Context, oldName, newName string) error {
	qold, qnew := c.qualify(oldName), c.qualify(newName)
	if c.dialect == DialectV2 {
		q := url.Values{"names": {qold}}
		body := map[string]any{"name": qnew}
		return c.do(ctx, requestOpts{method: http.MethodPatch, path: c.apiPath("volumes"), query: q, body: body})
	}
	body := map[string]any{"name": qnew}
	return c.do(ctx, requestOpts{method: http.MethodPut, path: c.apiPath("volume") + "/" + url.PathEscape(qold), body: body})
}

// CloneVolume creates a new volume named target as an array-side copy
// of source (a volume or "volume.snapshot" name).
func (c *Client) CloneVolume(ctx context.Context, source, target string) (types.ArrayVolume, error) {
	qsource, qtarget := c.qualify(source), c.qualify(target)

	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawVolumeV2]
		q := url.Values{"names": {qtarget}}
		body := map[string]any{"source": map[string]string{"name": qsource}}
		err := c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("volumes"), query: q, body: body, out: &env})
		if err != nil {
			return types.ArrayVolume{}, err
		}
		if len(env.Items) == 0 {
			return types.ArrayVolume{}, fmt.Errorf("arrayclient: clone %q from %q: empty response", qtarget, qsource)
		}
		return toArrayVolumeV2(env.Items[0]), nil
	}

	var raw []rawVolumeV1
	body := map[string]any{"source": qsource}
	err := c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("volume") + "/" + url.PathEscape(qtarget), body: body, out: &raw})
	if err != nil {
		return types.ArrayVolume{}, err
	}
	if len(raw) == 0 {
		return types.ArrayVolume{}, fmt.Errorf("arrayclient: clone %q from %q: empty response", qtarget, qsource)
	}
	return toArrayVolumeV1(raw[0]), nil
}

// OverwriteFromSnapshot rewrites volName's content in place from
// source (a "volume.snapshot" name), used by rollback.
func (c *Client) OverwriteFromSnapshot(ctx context.Context, volName, sourceSnapshot string) error {
	qvol, qsrc := c.qualify(volName), c.qualify(sourceSnapshot)

	if c.dialect == DialectV2 {
		q := url.Values{"names": {qvol}}
		body := map[string]any{"source": map[string]string{"name": qsrc}, "overwrite": true}
		return c.do(ctx, requestOpts{method: http.MethodPatch, path: c.apiPath("volumes"), query: q, body: body})
	}
	body := map[string]any{"source": qsrc, "overwrite": true}
	return c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("volume") + "/" + url.PathEscape(qvol), body: body})
}

// DestroyVolume soft-deletes a volume (sets the destroyed flag but
// does not eradicate it), per spec.md's two-phase delete.
func (c *Client) DestroyVolume(ctx context.Context, name string) error {
	qname := c.qualify(name)
	if c.dialect == DialectV2 {
		q := url.Values{"names": {qname}}
		body := map[string]any{"destroyed": true}
		return c.do(ctx, requestOpts{method: http.MethodPatch, path: c.apiPath("volumes"), query: q, body: body})
	}
	body := map[string]any{"destroyed": true}
	return c.do(ctx, requestOpts{method: http.MethodPut, path: c.apiPath("volume") + "/" + url.PathEscape(qname), body: body})
}

// EradicateVolume permanently removes a previously soft-deleted
// volume. The core only calls this for temp clones; everything else
// is left for the array's own eradication timer (spec.md §4.E state
// machine).
func (c *Client) EradicateVolume(ctx context.Context, name string) error {
	qname := c.qualify(name)
	if c.dialect == DialectV2 {
		q := url.Values{"names": {qname}}
		return c.do(ctx, requestOpts{method: http.MethodDelete, path: c.apiPath("volumes"), query: q})
	}
	q := url.Values{"eradicate": {"true"}}
	return c.do(ctx, requestOpts{method: http.MethodDelete, path: c.apiPath("volume") + "/" + url.PathEscape(qname), query: q})
}

// RecoverVolume un-destroys a volume that was soft-deleted but not yet
// eradicated.
func (c *Client) RecoverVolume(ctx context.Context, name string) error {
	qname := c.qualify(name)
	if c.dialect == DialectV2 {
		q := url.Values{"names": {qname}}
		body := map[string]any{"destroyed": false}
		return c.do(ctx, requestOpts{method: http.MethodPatch, path: c.apiPath("volumes"), query: q, body: body})
	}
	body := map[string]any{"destroyed": false}
	return c.do(ctx, requestOpts{method: http.MethodPut, path: c.apiPath("volume") + "/" + url.PathEscape(qname), body: body})
}

// ListDestroyedVolumes lists soft-deleted volumes matching namePrefix.
func (c *Client) ListDestroyedVolumes(ctx context.Context, namePrefix string) ([]types.ArrayVolume, error) {
	all, err := c.ListVolumes(ctx, namePrefix, true)
	if err != nil {
		return nil, err
	}
	out := make([]types.ArrayVolume, 0, len(all))
	for _, v := range all {
		if v.Destroyed {
			out = append(out, v)
		}
	}
	return out, nil
}
