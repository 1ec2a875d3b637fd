package arrayclient

import (
	"context"
	"net/http"
)

// ISCSIPort describes one array-side iSCSI target portal.
type ISCSIPort struct {
	Name       string `json:"name"`
	Portal     string `json:"portal"`
	IQN        string `json:"iqn"`
	WWN        string `json:"wwn,omitempty"`
}

// FCPort describes one array-side FC target port.
type FCPort struct {
	Name string `json:"name"`
	WWN  string `json:"wwn"`
}

// ListISCSIPorts enumerates the array's iSCSI target portals, used by
// activate_storage to discover-and-login on every configured target.
func (c *Client) ListISCSIPorts(ctx context.Context) ([]ISCSIPort, error) {
	if c.dialect == DialectV2 {
		var env itemsEnvelope[ISCSIPort]
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("ports"), out: &env})
		if err != nil {
			return nil, err
		}
		return env.Items, nil
	}
	var raw []ISCSIPort
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("port"), out: &raw})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ListFCPorts enumerates the array's FC target ports, used to sanity
// check that a configured HBA can see at least one online target.
func (c *Client) ListFCPorts(ctx context.Context) ([]FCPort, error) {
	if c.dialect == DialectV2 {
		var env itemsEnvelope[FCPort]
		err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("ports"), out: &env})
		if err != nil {
			return nil, err
		}
		return env.Items, nil
	}
	var raw []FCPort
	err := c.do(ctx, requestOpts{method: http.MethodGet, path: c.apiPath("port"), out: &raw})
	if err != nil {
		return nil, err
	}
	return raw, nil
}
