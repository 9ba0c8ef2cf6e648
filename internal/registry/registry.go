// Package registry talks to the membership coordinator: the service that
// hands out ring slots to joining replicas and is told when a replica is
// found dead.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"ringkv/internal/cluster"
)

// ErrRejected is returned when the coordinator refuses a registration,
// typically because every slot of the ring is taken.
var ErrRejected = errors.New("registration rejected")

// Assignment is the coordinator's answer to a registration.
type Assignment struct {
	Slot     int               `json:"key"`
	Capacity int               `json:"capacity"`
	N        int               `json:"N"`
	W        int               `json:"W"`
	R        int               `json:"R"`
	Seeds    []cluster.Replica `json:"seeds"`
}

// Params returns the ring parameters of the assignment.
func (a Assignment) Params() cluster.Params {
	return cluster.Params{Capacity: a.Capacity, N: a.N, W: a.W, R: a.R}
}

// Client is an HTTP client for the coordinator. It implements
// cluster.Deregisterer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// New returns a client for the coordinator at address ("host:port" or a
// full http URL).
func New(address string, timeout time.Duration, logger *zap.Logger) *Client {
	base := strings.TrimSuffix(address, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger,
	}
}

// Register announces self and returns the slot and ring parameters to
// start with.
func (c *Client) Register(ctx context.Context, self cluster.Replica) (Assignment, error) {
	var a Assignment
	if err := c.post(ctx, "/register", self, &a); err != nil {
		return Assignment{}, err
	}
	if a.Capacity <= 0 || a.Slot < 0 || a.Slot >= a.Capacity {
		return Assignment{}, fmt.Errorf("%w: slot %d outside ring of %d", ErrRejected, a.Slot, a.Capacity)
	}

	c.log.Info("Registered with coordinator",
		zap.String("coordinator", c.baseURL),
		zap.Int("slot", a.Slot),
		zap.Int("capacity", a.Capacity),
		zap.Int("seeds", len(a.Seeds)),
	)
	return a, nil
}

// Deregister tells the coordinator that rep is gone.
func (c *Client) Deregister(ctx context.Context, rep cluster.Replica) error {
	if err := c.post(ctx, "/deregister", rep, nil); err != nil {
		return err
	}
	c.log.Info("Deregistered replica", zap.String("id", rep.ID), zap.Int("slot", rep.Slot))
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator %s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: coordinator %s returned HTTP %d", ErrRejected, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode coordinator %s: %w", path, err)
	}
	return nil
}
