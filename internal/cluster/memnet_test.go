package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ringkv/internal/store"
)

var errUnreachable = errors.New("connection refused")

// memNet is an in-memory PeerClient routing calls to Nodes by address.
// Every payload goes through a JSON round trip, as it would on the wire.
type memNet struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	down       map[string]bool
	replicated []replicateCall
}

type replicateCall struct {
	To    string
	Slot  int
	Key   string
	Write store.ReplicatedWrite
}

func newMemNet() *memNet {
	return &memNet{nodes: map[string]*Node{}, down: map[string]bool{}}
}

func (m *memNet) add(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.Ring().Self().Address()] = n
}

func (m *memNet) setDown(n *Node, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[n.Ring().Self().Address()] = down
}

func (m *memNet) calls() []replicateCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]replicateCall(nil), m.replicated...)
}

func (m *memNet) route(address string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down[address] {
		return nil, fmt.Errorf("dial %s: %w", address, errUnreachable)
	}
	n, ok := m.nodes[address]
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", address, errUnreachable)
	}
	return n, nil
}

func wire[T any](in T) T {
	data, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

func (m *memNet) Replicate(ctx context.Context, peer Replica, slot int, key string, w store.ReplicatedWrite) error {
	n, err := m.route(peer.Address())
	if err != nil {
		return err
	}
	w.Replicate = true
	w = wire(w)

	m.mu.Lock()
	m.replicated = append(m.replicated, replicateCall{To: peer.ID, Slot: slot, Key: key, Write: w})
	m.mu.Unlock()

	_, err = n.ApplyReplicate(slot, key, w)
	return err
}

func (m *memNet) Overwrite(ctx context.Context, peer Replica, slot int, key string, snap store.Snapshot) error {
	n, err := m.route(peer.Address())
	if err != nil {
		return err
	}
	snap.Replicated = true
	n.Reconcile(ctx, slot, key, wire(snap))
	return nil
}

func (m *memNet) Fetch(ctx context.Context, peer Replica, slot int, key string) (store.Snapshot, bool, error) {
	n, err := m.route(peer.Address())
	if err != nil {
		return store.Snapshot{}, false, err
	}
	snap, found, redirect := n.InternalGet(slot, key)
	if !found || redirect != "" {
		return store.Snapshot{}, false, nil
	}
	return wire(snap), true, nil
}

func (m *memNet) StashHint(ctx context.Context, peer Replica, h store.Hint) error {
	n, err := m.route(peer.Address())
	if err != nil {
		return err
	}
	n.StashHint(wire(h))
	return nil
}

func (m *memNet) Gossip(ctx context.Context, peer Replica, msg GossipMessage) (Digest, error) {
	n, err := m.route(peer.Address())
	if err != nil {
		return Digest{}, err
	}
	d, err := n.HandleGossip(wire(msg))
	if err != nil {
		return Digest{}, err
	}
	return wire(d), nil
}

func (m *memNet) Transfer(ctx context.Context, address string, buckets []store.Bucket) error {
	n, err := m.route(address)
	if err != nil {
		return err
	}
	n.Receive(wire(buckets))
	return nil
}

type fakeRegistry struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRegistry) Deregister(ctx context.Context, rep Replica) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, rep.ID)
	return nil
}

func (f *fakeRegistry) deregistered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type testCluster struct {
	net      *memNet
	registry *fakeRegistry
	nodes    map[string]*Node
}

// newTestCluster starts R1@0, R2@3, R3@6 on an 8-slot ring.
func newTestCluster(t *testing.T, n, w, r int) *testCluster {
	t.Helper()
	params := Params{Capacity: 8, N: n, W: w, R: r}
	all := []Replica{replica("R1", 0), replica("R2", 3), replica("R3", 6)}

	tc := &testCluster{net: newMemNet(), registry: &fakeRegistry{}, nodes: map[string]*Node{}}
	for _, self := range all {
		ring, err := NewRing(params, self, all, zap.NewNop())
		require.NoError(t, err)
		node := NewNode(ring, store.New(self.ID), tc.net, Options{
			PeerTimeout: 200 * time.Millisecond,
			Registry:    tc.registry,
		})
		tc.net.add(node)
		tc.nodes[self.ID] = node
	}
	return tc
}

func (tc *testCluster) node(id string) *Node {
	return tc.nodes[id]
}
