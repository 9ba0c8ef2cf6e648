package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ringkv/internal/store"
)

// PeerClient is how a replica talks to other replicas. The HTTP
// implementation is used in production; tests wire nodes together in memory.
type PeerClient interface {
	// Replicate pushes a replicated write to POST /put/{slot}/{key}.
	Replicate(ctx context.Context, peer Replica, slot int, key string, w store.ReplicatedWrite) error
	// Overwrite pushes a reconciled snapshot to POST /reconcile/merge/{slot}/{key}.
	Overwrite(ctx context.Context, peer Replica, slot int, key string, snap store.Snapshot) error
	// Fetch reads one replica's version with GET /internal_get/{slot}/{key}.
	// found is false when the peer has no version for the key.
	Fetch(ctx context.Context, peer Replica, slot int, key string) (snap store.Snapshot, found bool, err error)
	// StashHint parks a hint on peer with POST /hinted/put.
	StashHint(ctx context.Context, peer Replica, h store.Hint) error
	// Gossip exchanges digests with POST /gossip and returns the peer's.
	Gossip(ctx context.Context, peer Replica, msg GossipMessage) (Digest, error)
	// Transfer ships exported partitions to POST {address}/receiver.
	Transfer(ctx context.Context, address string, buckets []store.Bucket) error
}

// StatusError is a non-2xx answer from a peer.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer %s returned HTTP %d", e.URL, e.Code)
}

// HTTPPeerClient implements PeerClient over HTTP/JSON.
type HTTPPeerClient struct {
	httpClient *http.Client
}

// NewHTTPPeerClient returns a client whose requests give up after timeout
// (connect, send and read together). Redirects are never followed: a 307
// from a peer means "not mine" and is reported as such.
func NewHTTPPeerClient(timeout time.Duration) *HTTPPeerClient {
	return &HTTPPeerClient{httpClient: &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (c *HTTPPeerClient) Replicate(ctx context.Context, peer Replica, slot int, key string, w store.ReplicatedWrite) error {
	w.Replicate = true
	return c.post(ctx, objectURL(peer.Address(), "put", slot, key), w, nil)
}

func (c *HTTPPeerClient) Overwrite(ctx context.Context, peer Replica, slot int, key string, snap store.Snapshot) error {
	snap.Replicated = true
	return c.post(ctx, objectURL(peer.Address(), "reconcile/merge", slot, key), snap, nil)
}

func (c *HTTPPeerClient) Fetch(ctx context.Context, peer Replica, slot int, key string) (store.Snapshot, bool, error) {
	target := objectURL(peer.Address(), "internal_get", slot, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return store.Snapshot{}, false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return store.Snapshot{}, false, err
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusTemporaryRedirect:
		return store.Snapshot{}, false, nil
	case resp.StatusCode >= 300:
		return store.Snapshot{}, false, &StatusError{URL: target, Code: resp.StatusCode}
	}

	var snap store.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return store.Snapshot{}, false, fmt.Errorf("decode %s: %w", target, err)
	}
	return snap, true, nil
}

func (c *HTTPPeerClient) StashHint(ctx context.Context, peer Replica, h store.Hint) error {
	return c.post(ctx, fmt.Sprintf("http://%s/hinted/put", peer.Address()), h, nil)
}

func (c *HTTPPeerClient) Gossip(ctx context.Context, peer Replica, msg GossipMessage) (Digest, error) {
	var d Digest
	if err := c.post(ctx, fmt.Sprintf("http://%s/gossip", peer.Address()), msg, &d); err != nil {
		return Digest{}, err
	}
	return d, nil
}

func (c *HTTPPeerClient) Transfer(ctx context.Context, address string, buckets []store.Bucket) error {
	if buckets == nil {
		buckets = []store.Bucket{}
	}
	return c.post(ctx, fmt.Sprintf("http://%s/receiver", address), buckets, nil)
}

// post sends body as JSON and, if out is non-nil, decodes the response into it.
func (c *HTTPPeerClient) post(ctx context.Context, target string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode >= 300 {
		return &StatusError{URL: target, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}
	return nil
}

func objectURL(address, route string, slot int, key string) string {
	return fmt.Sprintf("http://%s/%s/%d/%s", address, route, slot, url.PathEscape(key))
}

// drain consumes the rest of the body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
