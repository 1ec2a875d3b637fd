package arrayclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuemby/pve-flasharray/pkg/types"
)

// Host-group dialect shapes. v2 keeps the group object and its
// membership in separate resources (/host-groups and
// /host-groups/hosts); v1's /hgroup carries the member list inline.
// Host-group names are array-scoped and never pod-qualified, so none
// of these calls go through qualify().
type rawHostGroupV2 struct {
	Name string `json:"name"`
}

type rawHostGroupMemberV2 struct {
	Group  struct{ Name string } `json:"group"`
	Member struct{ Name string } `json:"member"`
}

type rawHostGroupV1 struct {
	Name  string   `json:"name"`
	Hosts []string `json:"hosts"`
}

// GetHostGroup fetches one host group, including its member hosts.
func (c *Client) GetHostGroup(ctx context.Context, name string) (types.HostGroup, error) {
	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawHostGroupV2]
		q := url.Values{"names": {name}}
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("host-groups"), query: q, out: &env})
		if err != nil {
			return types.HostGroup{}, err
		}
		if len(env.Items) == 0 {
			return types.HostGroup{}, &types.NotFoundError{Kind: "host group", Name: name}
		}
		hosts, err := c.listHostGroupMembersV2(ctx, name)
		if err != nil {
			return types.HostGroup{}, err
		}
		return types.HostGroup{Name: env.Items[0].Name, Hosts: hosts}, nil
	}

	var raw rawHostGroupV1
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("hgroup") + "/" + url.PathEscape(name), out: &raw})
	if err != nil {
		return types.HostGroup{}, err
	}
	return types.HostGroup{Name: raw.Name, Hosts: raw.Hosts}, nil
}

func (c *Client) listHostGroupMembersV2(ctx context.Context, group string) ([]string, error) {
	var env itemsEnvelope[rawHostGroupMemberV2]
	q := url.Values{"group_names": {group}}
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("host-groups/hosts"), query: q, out: &env})
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(env.Items))
	for _, it := range env.Items {
		hosts = append(hosts, it.Member.Name)
	}
	return hosts, nil
}

// ListHostGroups lists host groups whose name matches a prefix glob.
// On v2, member hosts are not resolved here (use GetHostGroup for one
// group's full membership); v1 returns each group's members inline.
func (c *Client) ListHostGroups(ctx context.Context, namePrefix string) ([]types.HostGroup, error) {
	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawHostGroupV2]
		q := url.Values{"filter": {fmt.Sprintf("name='%s*'", namePrefix)}}
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("host-groups"), query: q, out: &env})
		if err != nil {
			return nil, err
		}
		out := make([]types.HostGroup, 0, len(env.Items))
		for _, it := range env.Items {
			out = append(out, types.HostGroup{Name: it.Name})
		}
		return out, nil
	}

	var raw []rawHostGroupV1
	q := url.Values{"names": {namePrefix}}
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("hgroup"), query: q, out: &raw})
	if err != nil {
		return nil, err
	}
	out := make([]types.HostGroup, 0, len(raw))
	for _, it := range raw {
		out = append(out, types.HostGroup{Name: it.Name, Hosts: it.Hosts})
	}
	return out, nil
}

// CreateHostGroup creates an empty host group.
func (c *Client) CreateHostGroup(ctx context.Context, name string) (types.HostGroup, error) {
	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawHostGroupV2]
		q := url.Values{"names": {name}}
		err := c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("host-groups"), query: q, out: &env})
		if err != nil {
			return types.HostGroup{}, err
		}
		if len(env.Items) == 0 {
			return types.HostGroup{}, fmt.Errorf("arrayclient: create host group %q: empty response", name)
		}
		return types.HostGroup{Name: env.Items[0].Name}, nil
	}

	var raw rawHostGroupV1
	err := c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("hgroup") + "/" + url.PathEscape(name), out: &raw})
	if err != nil {
		return types.HostGroup{}, err
	}
	return types.HostGroup{Name: raw.Name, Hosts: raw.Hosts}, nil
}

// DestroyHostGroup removes a host group. Members are released, not
// deleted; their own connections are untouched.
func (c *Client) DestroyHostGroup(ctx context.Context, name string) error {
	if c.dialect == DialectV2 {
		q := url.Values{"names": {name}}
		return c.do(ctx, requestOpts{method: http.MethodDelete, path: c.apiPath("host-groups"), query: q})
	}
	return c.do(ctx, requestOpts{method: http.MethodDelete, path: c.apiPath("hgroup") + "/" + url.PathEscape(name)})
}

// SetHostGroupHosts replaces the group's membership with exactly
// hosts. v1 takes the full list in one PUT; v2 has no replace call, so
// the current membership is read and the difference applied through
// the add/remove member endpoints.
func (c *Client) SetHostGroupHosts(ctx context.Context, name string, hosts []string) error {
	if c.dialect != DialectV2 {
		body := map[string]any{"hostlist": hosts}
		return c.do(ctx, requestOpts{method: http.MethodPut, path: c.apiPath("hgroup") + "/" + url.PathEscape(name), body: body})
	}

	current, err := c.listHostGroupMembersV2(ctx, name)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		wanted[h] = true
	}
	have := make(map[string]bool, len(current))
	for _, h := range current {
		have[h] = true
	}

	var add, remove []string
	for _, h := range hosts {
		if !have[h] {
			add = append(add, h)
		}
	}
	for _, h := range current {
		if !wanted[h] {
			remove = append(remove, h)
		}
	}

	if len(add) > 0 {
		q := url.Values{"group_names": {name}, "member_names": {strings.Join(add, ",")}}
		if err := c.do(ctx, requestOpts{method: http.MethodPost, path: c.apiPath("host-groups/hosts"), query: q}); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		q := url.Values{"group_names": {name}, "member_names": {strings.Join(remove, ",")}}
		if err := c.do(ctx, requestOpts{method: http.MethodDelete, path: c.apiPath("host-groups/hosts"), query: q}); err != nil {
			return err
		}
	}
	return nil
}
