// Package client is the Go client for a ringkv cluster.
//
// A client can be pointed at any replica. It hashes keys to ring slots
// itself and follows the replicas' redirects to the owner of the slot, so
// the entry replica does not need to be the right one.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ringkv/internal/cluster"
	"ringkv/internal/store"
)

// ErrNotFound is returned by Get when no replica had a version of the key.
var ErrNotFound = errors.New("key not found")

// ConflictError is returned by Add and Remove when the version sent with
// the write is no longer current. Retry with Clock.
type ConflictError struct {
	Clock store.VectorClock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale version, current clock is %v", map[string]uint64(e.Clock))
}

// RedirectError is returned when a request was still being redirected
// after as many hops as the ring has slots.
type RedirectError struct {
	Address string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("too many redirects, last one to %s", e.Address)
}

// StatusError is an unexpected HTTP answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, strings.TrimSpace(e.Body))
}

type Client struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	params *cluster.Params // fetched from /status on first use
}

// New returns a client that enters the cluster through the replica at
// baseURL ("host:port" or an http URL).
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: normalize(baseURL),
		httpClient: &http.Client{
			Timeout: timeout,
			// redirects carry a body ({address}) and are followed by hand
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

type putBody struct {
	Op      store.Op          `json:"op"`
	Item    string            `json:"item"`
	Version store.VectorClock `json:"version"`
}

// Get returns every version of key the owner gathered. More than one
// version means the replicas diverged; see Reconcile.
func (c *Client) Get(ctx context.Context, key string) ([]store.Snapshot, error) {
	path, capacity, err := c.objectPath(ctx, "get", key)
	if err != nil {
		return nil, err
	}

	var versions []store.Snapshot
	if err := c.call(ctx, http.MethodGet, path, nil, &versions, capacity); err != nil {
		return nil, err
	}
	return versions, nil
}

// Add appends item to key. version is the clock last read (nil or empty
// for a new key). It returns the new clock.
func (c *Client) Add(ctx context.Context, key, item string, version store.VectorClock) (store.VectorClock, error) {
	return c.put(ctx, key, store.OpAdd, item, version)
}

// Remove deletes one occurrence of item from key, under the same version
// check as Add.
func (c *Client) Remove(ctx context.Context, key, item string, version store.VectorClock) (store.VectorClock, error) {
	return c.put(ctx, key, store.OpRemove, item, version)
}

func (c *Client) put(ctx context.Context, key string, op store.Op, item string, version store.VectorClock) (store.VectorClock, error) {
	path, capacity, err := c.objectPath(ctx, "put", key)
	if err != nil {
		return nil, err
	}
	if version == nil {
		version = store.VectorClock{}
	}

	var out struct {
		Clock store.VectorClock `json:"clock"`
	}
	body := putBody{Op: op, Item: item, Version: version}
	if err := c.call(ctx, http.MethodPost, path, body, &out, capacity); err != nil {
		return nil, err
	}
	return out.Clock, nil
}

// Reconcile merges divergent versions of key and writes the result back.
// It returns the merged object as sent; the owner bumps its own counter on
// top of it.
func (c *Client) Reconcile(ctx context.Context, key string, versions []store.Snapshot) (store.Snapshot, error) {
	path, capacity, err := c.objectPath(ctx, "reconcile/merge", key)
	if err != nil {
		return store.Snapshot{}, err
	}

	merged := store.Merge(versions)
	if err := c.call(ctx, http.MethodPost, path, merged, nil, capacity); err != nil {
		return store.Snapshot{}, err
	}
	return merged, nil
}

// Status returns the entry replica's view of the cluster.
func (c *Client) Status(ctx context.Context) (cluster.Status, error) {
	var st cluster.Status
	if err := c.call(ctx, http.MethodGet, "/status", nil, &st, 0); err != nil {
		return cluster.Status{}, err
	}
	return st, nil
}

// Transfer asks the entry replica to ship its partitions in the inclusive
// slot range [start, end] to the replica at to. It returns how many
// partitions were shipped.
func (c *Client) Transfer(ctx context.Context, to string, start, end int, remove bool) (int, error) {
	body := struct {
		To     string `json:"to"`
		Range  []int  `json:"range"`
		Remove bool   `json:"remove"`
	}{To: to, Range: []int{start, end}, Remove: remove}

	var out struct {
		Buckets int `json:"buckets"`
	}
	if err := c.call(ctx, http.MethodPost, "/transfer", body, &out, 0); err != nil {
		return 0, err
	}
	return out.Buckets, nil
}

// Slot returns the ring slot of key.
func (c *Client) Slot(ctx context.Context, key string) (int, error) {
	p, err := c.ringParams(ctx)
	if err != nil {
		return 0, err
	}
	return cluster.SlotFor(key, p.Capacity), nil
}

func (c *Client) objectPath(ctx context.Context, route, key string) (string, int, error) {
	p, err := c.ringParams(ctx)
	if err != nil {
		return "", 0, err
	}
	slot := cluster.SlotFor(key, p.Capacity)
	return fmt.Sprintf("/%s/%d/%s", route, slot, url.PathEscape(key)), p.Capacity, nil
}

func (c *Client) ringParams(ctx context.Context) (cluster.Params, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.params != nil {
		return *c.params, nil
	}

	st, err := c.Status(ctx)
	if err != nil {
		return cluster.Params{}, fmt.Errorf("discover ring: %w", err)
	}
	c.params = &st.Params
	return st.Params, nil
}

// call sends one request and follows up to maxRedirects redirects. A nil
// out discards a successful answer.
func (c *Client) call(ctx context.Context, method, path string, body, out any, maxRedirects int) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	base := c.baseURL
	for hops := 0; ; hops++ {
		code, data, err := c.send(ctx, method, base+path, payload)
		if err != nil {
			return err
		}

		switch code {
		case http.StatusOK:
			if out == nil {
				return nil
			}
			return json.Unmarshal(data, out)

		case http.StatusTemporaryRedirect:
			var r struct {
				Address string `json:"address"`
			}
			if err := json.Unmarshal(data, &r); err != nil || r.Address == "" {
				return &StatusError{Code: code, Body: string(data)}
			}
			if hops >= maxRedirects {
				return &RedirectError{Address: r.Address}
			}
			base = normalize(r.Address)

		case http.StatusNotFound:
			return ErrNotFound

		case http.StatusConflict:
			var r struct {
				Clock store.VectorClock `json:"clock"`
			}
			if err := json.Unmarshal(data, &r); err != nil {
				return &StatusError{Code: code, Body: string(data)}
			}
			return &ConflictError{Clock: r.Clock}

		default:
			return &StatusError{Code: code, Body: string(data)}
		}
	}
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func normalize(address string) string {
	address = strings.TrimSuffix(address, "/")
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return address
	}
	return "http://" + address
}
