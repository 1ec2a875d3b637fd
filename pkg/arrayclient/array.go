package arrayclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/cuemby/pve-flasharray/pkg/types"
)

type rawArrayInfoV2 struct {
	Name  string `json:"name"`
	Space struct {
		TotalPhysical   int64 `json:"total_physical"`
		UsedProvisioned int64 `json:"used_provisioned"`
	} `json:"space"`
	Capacity int64 `json:"capacity"`
}

type rawArrayInfoV1 struct {
	ArrayName string `json:"array_name"`
	Capacity  int64  `json:"capacity"`
	Total     int64  `json:"total"`
}

// GetArrayInfo fetches basic array identity and capacity, used by
// activate_storage to verify reachability and by status().
func (c *Client) GetArrayInfo(ctx context.Context) (types.Capacity, error) {
	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawArrayInfoV2]
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("arrays"), out: &env})
		if err != nil {
			return types.Capacity{}, err
		}
		if len(env.Items) == 0 {
			return types.Capacity{}, nil
		}
		info := env.Items[0]
		total := info.Capacity
		if total == 0 {
			total = info.Space.TotalPhysical
		}
		return types.Capacity{
			Total:     total,
			Used:      info.Space.UsedProvisioned,
			Available: total - info.Space.UsedProvisioned,
		}, nil
	}

	var raw rawArrayInfoV1
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("array"), out: &raw})
	if err != nil {
		return types.Capacity{}, err
	}
	return types.Capacity{Total: raw.Capacity, Used: raw.Total, Available: raw.Capacity - raw.Total}, nil
}

type rawPodInfoV2 struct {
	Name  string `json:"name"`
	Quota int64  `json:"quota_limit"`
	Space struct {
		TotalPhysical int64 `json:"total_physical"`
	} `json:"space"`
}

// GetPodCapacity fetches quota and usage for the configured pod, used
// by status() to prefer pod quota over array totals when set.
func (c *Client) GetPodCapacity(ctx context.Context, pod string) (types.Capacity, error) {
	if pod == "" {
		return types.Capacity{}, nil
	}

	if c.dialect == DialectV2 {
		var env itemsEnvelope[rawPodInfoV2]
		q := url.Values{"names": {pod}}
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("pods"), query: q, out: &env})
		if err != nil {
			return types.Capacity{}, err
		}
		if len(env.Items) == 0 {
			return types.Capacity{}, nil
		}
		info := env.Items[0]
		return types.Capacity{
			Total:     info.Quota,
			Used:      info.Space.TotalPhysical,
			Available: info.Quota - info.Space.TotalPhysical,
			PodQuota:  info.Quota,
		}, nil
	}

	var raw rawPodInfoV2
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("pod") + "/" + url.PathEscape(pod), out: &raw})
	if err != nil {
		return types.Capacity{}, err
	}
	return types.Capacity{
		Total: raw.Quota, Used: raw.Space.TotalPhysical,
		Available: raw.Quota - raw.Space.TotalPhysical, PodQuota: raw.Quota,
	}, nil
}
