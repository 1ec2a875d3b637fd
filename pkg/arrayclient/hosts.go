package arrayclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuemby/pve-flasharray/pkg/types"
)

type rawHostV2 struct {
	Name  string   `json:"name"`
	Iqns  []string `json:"iqns"`
	Wwns  []string `json:"wwns"`
}

type rawHostV1 struct {
	Name string   `json:"name"`
	Iqn  []string `json:"iqn"`
	Wwn  []string `json:"wwn"`
}

func toHostV2(r rawHostV2) types.Host {
	inits := make([]string, 0, len(r.Iqns)+len(r.Wwns))
	inits = append(inits, r.Iqns...)
	inits = append(inits, r.Wwns...)
	return types.Host{Name: r.Name, Initiators: inits}
}

func toHostV1(r rawHostV1) types.Host {
	inits := make([]string, 0, len(r.Iqn)+len(r.Wwn))
	inits = append(inits, r.Iqn...)
	inits = append(inits, r.Wwn...)
	return types.Host{Name: r.Name, Initiators: inits}
}

// GetHost fetches one host by name.
func (c *Client) GetHost(ctx context.Context, name string) (types.Host, error) {
	qname := c.qualify(name)
	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawHostV2]
		q := url.Values{"names": {qname}}
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("hosts"), query: q, out: &env})
		if err != nil {
			return types.Host{}, err
		}
		if len(env.Items) == 0 {
			return types.Host{}, &types.NotFoundError{Kind: "host", Name: qname}
		}
		return toHostV2(env.Items[0]), nil
	}

	var raw rawHostV1
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("host") + "/" + url.PathEscape(qname), out: &raw})
	if err != nil {
		return types.Host{}, err
	}
	return toHostV1(raw), nil
}

// ListHosts lists hosts whose name matches a prefix glob.
func (c *Client) ListHosts(ctx context.Context, namePrefix string) ([]types.Host, error) {
	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawHostV2]
		q := url.Values{"filter": {fmt.Sprintf("name='%s*'", namePrefix)}}
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("hosts"), query: q, out: &env})
		if err != nil {
			return nil, err
		}
		out := make([]types.Host, 0, len(env.Items))
		for _, it := range env.Items {
			out = append(out, toHostV2(it))
		}
		return out, nil
	}

	var raw []rawHostV1
	q := url.Values{"names": {namePrefix}}
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("host"), query: q, out: &raw})
	if err != nil {
		return nil, err
	}
	out := make([]types.Host, 0, len(raw))
	for _, it := range raw {
		out = append(out, toHostV1(it))
	}
	return out, nil
}

// CreateHost creates a host with no initiators yet.
func (c *Client) CreateHost(ctx context.Context, name string) (types.Host, error) {
	qname := c.qualify(name)
	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawHostV2]
		q := url.Values{"names": {qname}}
		err := c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("hosts"), query: q, out: &env})
		if err != nil {
			return types.Host{}, err
		}
		if len(env.Items) == 0 {
			return types.Host{}, fmt.Errorf("arrayclient: create host %q: empty response", qname)
		}
		return toHostV2(env.Items[0]), nil
	}

	var raw rawHostV1
	err := c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("host") + "/" + url.PathEscape(qname), out: &raw})
	if err != nil {
		return types.Host{}, err
	}
	return toHostV1(raw), nil
}

// GetOrCreateHost fetches a host, creating it if absent, and tolerates
// a race where a peer node created it between the Get and the Create
// (spec.md §4.E host registration).
func (c *Client) GetOrCreateHost(ctx context.Context, name string) (types.Host, error) {
	h, err := c.GetHost(ctx, name)
	if err == nil {
		return h, nil
	}
	var nf *types.NotFoundError
	if !asNotFound(err, &nf) {
		return types.Host{}, err
	}

	h, err = c.CreateHost(ctx, name)
	if err == nil {
		return h, nil
	}
	var conflict *types.ConflictError
	if asConflict(err, &conflict) && conflict.Reason == "already_exists" {
		return c.GetHost(ctx, name)
	}
	return types.Host{}, err
}

// AddInitiator registers an IQN or WWN to a host. v2's PATCH replaces
// the whole list, so this reads the host's current initiators and
// writes back the merged list; v1 has a dedicated additive endpoint.
func (c *Client) AddInitiator(ctx context.Context, hostName, initiator string, isWWN bool) error {
	qname := c.qualify(hostName)

	if c.dialect == DialectV2 {
		current, err := c.GetHost(ctx, hostName)
		if err != nil {
			return err
		}
		merged := appendUnique(filterByKind(current.Initiators, isWWN), initiator)
		q := url.Values{"names": {qname}}
		field := "iqns"
		if isWWN {
			field = "wwns"
		}
		body := map[string]any{field: merged}
		return c.do(ctx, requestOpts{method: http.MethodPatch, path: c.apiPath("hosts"), query: q, body: body})
	}

	field := "addiqnlist"
	if isWWN {
		field = "addwwnlist"
	}
	body := map[string]any{field: []string{initiator}}
	return c.do(ctx, requestOpts{method: http.MethodPut, path: c.apiPath("host") + "/" + url.PathEscape(qname), body: body})
}

// RemoveInitiator unregisters an IQN or WWN from a host.
func (c *Client) RemoveInitiator(ctx context.Context, hostName, initiator string, isWWN bool) error {
	qname := c.qualify(hostName)

	if c.dialect == DialectV2 {
		current, err := c.GetHost(ctx, hostName)
		if err != nil {
			return err
		}
		remaining := removeValue(filterByKind(current.Initiators, isWWN), initiator)
		q := url.Values{"names": {qname}}
		field := "iqns"
		if isWWN {
			field = "wwns"
		}
		body := map[string]any{field: remaining}
		return c.do(ctx, requestOpts{method: http.MethodPatch, path: c.apiPath("hosts"), query: q, body: body})
	}

	field := "remiqnlist"
	if isWWN {
		field = "remwwnlist"
	}
	body := map[string]any{field: []string{initiator}}
	return c.do(ctx, requestOpts{method: http.MethodPut, path: c.apiPath("host") + "/" + url.PathEscape(qname), body: body})
}

// filterByKind keeps only the WWN entries (16 raw hex chars) or only
// the IQN/EUI entries of a mixed initiator list. The v2 PATCH replaces
// one field wholesale, so the read-modify-write must never write an
// initiator of the other kind into that field.
func filterByKind(list []string, wantWWN bool) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		if isRawWWN(e) == wantWWN {
			out = append(out, e)
		}
	}
	return out
}

func isRawWWN(s string) bool {
	if len(s) != 16 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return list
		}
	}
	return append(append([]string{}, list...), v)
}

func removeValue(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		if !strings.EqualFold(e, v) {
			out = append(out, e)
		}
	}
	return out
}
