package client

import (
	"context"
	"net/http"
)

// GetRaw performs a GET on any path of the entry replica and returns the
// body as-is.
//
// Most client methods are typed and decode JSON into Go structs. This one
// is for the endpoints that do not fit a model (or are not worth one):
//   - /gossip (the membership digest)
//   - /metrics (Prometheus text format)
//   - debugging new routes
//
// Redirects are not followed and non-200 answers come back as *StatusError.
func (c *Client) GetRaw(ctx context.Context, path string) (string, error) {
	code, data, err := c.send(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", &StatusError{Code: code, Body: string(data)}
	}
	return string(data), nil
}
