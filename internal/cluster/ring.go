// Package cluster handles all distributed logic: the slot ring and its
// gossip-replicated membership, quorum fan-out for writes and reads, hinted
// handoff and anti-entropy transfers.
package cluster

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Ring is a fixed-capacity array of slots, each empty or holding one replica.
//
// Membership is a CRDT made of two grow-only logs:
//
//	added:   replica id → slot (never shrinks)
//	deleted: replica ids      (never shrinks)
//
// A replica is live iff it is in added and not in deleted. Once an id is in
// deleted it never occupies a slot again, whatever order the logs arrive in.
//
// Safe for concurrent use.
type Ring struct {
	mu      sync.RWMutex
	params  Params
	self    Replica
	slots   []*Replica
	added   map[string]int
	deleted map[string]struct{}
	live    int
	log     *zap.Logger
}

// NewRing creates a ring holding self and the seed replicas.
func NewRing(params Params, self Replica, seeds []Replica, logger *zap.Logger) (*Ring, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("ring params: %w", err)
	}
	r := &Ring{
		params:  params,
		self:    self,
		slots:   make([]*Replica, params.Capacity),
		added:   make(map[string]int),
		deleted: make(map[string]struct{}),
		log:     logger,
	}
	if err := r.place(self); err != nil {
		return nil, err
	}
	for _, s := range seeds {
		if s.ID == self.ID {
			continue
		}
		s.Seed = true
		if err := r.place(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Ring) place(rep Replica) error {
	if rep.Slot < 0 || rep.Slot >= r.params.Capacity {
		return fmt.Errorf("replica %s: slot %d outside ring of %d", rep.ID, rep.Slot, r.params.Capacity)
	}
	if cur := r.slots[rep.Slot]; cur != nil && cur.ID != rep.ID {
		return fmt.Errorf("replica %s: slot %d already held by %s", rep.ID, rep.Slot, cur.ID)
	}
	r.insert(rep)
	return nil
}

// insert must be called with mu held for writing (or before the ring is shared).
func (r *Ring) insert(rep Replica) {
	rp := rep
	if r.slots[rep.Slot] == nil {
		r.live++
	}
	r.slots[rep.Slot] = &rp
	r.added[rep.ID] = rep.Slot
	r.log.Info("Replica added to ring", zap.String("id", rep.ID), zap.Int("slot", rep.Slot))
}

// Self returns the local replica.
func (r *Ring) Self() Replica {
	return r.self
}

// Params returns the ring constants.
func (r *Ring) Params() Params {
	return r.params
}

// LiveCount returns the number of occupied slots.
func (r *Ring) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// Live returns the occupied slots in ring order.
func (r *Ring) Live() []Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Replica, 0, r.live)
	for _, rep := range r.slots {
		if rep != nil {
			out = append(out, *rep)
		}
	}
	return out
}

// Replica returns the live replica with id.
func (r *Ring) Replica(id string) (Replica, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot, ok := r.added[id]
	if !ok || r.slots[slot] == nil || r.slots[slot].ID != id {
		return Replica{}, false
	}
	return *r.slots[slot], true
}

// PreferenceList walks clockwise from slot and returns up to N-1 other live
// replicas, nearest first. The local replica is never included; the walk
// stops after one full turn when the ring holds fewer than N replicas.
func (r *Ring) PreferenceList(slot int) []Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capacity := r.params.Capacity
	want := r.params.N - 1
	out := make([]Replica, 0, max(want, 0))

	start := wrap(slot, capacity)
	for i := 0; i < capacity && len(out) < want; i++ {
		rep := r.slots[(start+i)%capacity]
		if rep != nil && rep.ID != r.self.ID {
			out = append(out, *rep)
		}
	}
	return out
}

// CheckOwnership reports whether the local replica is responsible for slot.
//
// The local replica owns the slots between its N-th occupied predecessor
// (exclusive) and itself (inclusive). When it does not, redirect is the
// address of the first occupied slot at or after slot: the natural
// successor, which may itself redirect again.
func (r *Ring) CheckOwnership(slot int) (redirect string, owned bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capacity := r.params.Capacity
	slot = wrap(slot, capacity)
	start := r.rangeStart()
	end := r.self.Slot

	switch {
	case start == end:
		owned = slot == end
	case start < end:
		owned = slot >= start && slot <= end
	default:
		owned = slot >= start || slot <= end
	}
	if start == wrap(end+1, capacity) {
		owned = true // the range covers the whole ring
	}
	if owned {
		return "", true
	}

	for i := 0; i < capacity; i++ {
		if rep := r.slots[(slot+i)%capacity]; rep != nil {
			return rep.Address(), false
		}
	}
	return "", false
}

// rangeStart walks counter-clockwise from self over at most N occupied
// predecessors and returns the first slot of the owned range.
func (r *Ring) rangeStart() int {
	capacity := r.params.Capacity
	slot := r.self.Slot
	visited := 0
	for {
		slot = wrap(slot-1, capacity)
		if r.slots[slot] != nil {
			visited++
		}
		if slot == r.self.Slot || visited >= r.params.N {
			break
		}
	}
	return (slot + 1) % capacity
}

// HintHolder returns the replica min(N, live) occupied slots clockwise of
// self. Writes for an unreachable replica are parked there, a node likely to
// hold or soon receive the partition. It may be self.
func (r *Ring) HintHolder() Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capacity := r.params.Capacity
	hops := min(r.params.N, r.live)
	slot := r.self.Slot
	for count := 0; count < hops; {
		slot = (slot + 1) % capacity
		if r.slots[slot] != nil {
			count++
		}
	}
	return *r.slots[slot]
}

// PickGossipPeer returns a uniformly random live replica other than self.
// It returns false if self is alone on the ring.
func (r *Ring) PickGossipPeer() (Replica, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Replica, 0, r.live)
	for _, rep := range r.slots {
		if rep != nil && rep.ID != r.self.ID {
			peers = append(peers, rep)
		}
	}
	if len(peers) == 0 {
		return Replica{}, false
	}
	return *peers[rand.Intn(len(peers))], true
}

// Evict frees the slot of id and tombstones it. It reports whether id was
// occupying a slot.
func (r *Ring) Evict(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evict(id)
}

func (r *Ring) evict(id string) bool {
	r.deleted[id] = struct{}{}
	if id == r.self.ID {
		// Peers may tombstone us after a partition; we keep serving our slot.
		r.log.Warn("Peer reported local replica as deleted", zap.String("id", id))
		return false
	}

	slot, ok := r.added[id]
	if !ok || r.slots[slot] == nil || r.slots[slot].ID != id {
		return false
	}
	r.slots[slot] = nil
	r.live--
	r.log.Info("Replica removed from ring", zap.String("id", id), zap.Int("slot", slot))
	return true
}

// Digest snapshots the membership logs for gossip.
func (r *Ring) Digest() Digest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := Digest{
		Added:    make([]string, 0, len(r.added)),
		Deleted:  make([]string, 0, len(r.deleted)),
		Replicas: make(map[string]Replica, r.live),
	}
	for id, slot := range r.added {
		d.Added = append(d.Added, id)
		if _, gone := r.deleted[id]; gone {
			continue
		}
		if rep := r.slots[slot]; rep != nil && rep.ID == id {
			d.Replicas[id] = *rep
		}
	}
	for id := range r.deleted {
		d.Deleted = append(d.Deleted, id)
	}
	sort.Strings(d.Added)
	sort.Strings(d.Deleted)
	return d
}

// Merge folds a remote digest into the local logs.
//
// New ids from the remote add log are placed unless either side has
// tombstoned them. New ids from the remote delete log are evicted if they
// occupy a slot and recorded otherwise, so a delete that overtakes its add
// still wins. The returned ids were evicted by this merge; callers drop any
// hinted writes held for them.
func (r *Ring) Merge(d Digest) (evicted []string, err error) {
	if err := d.Validate(r.params.Capacity); err != nil {
		return nil, err
	}

	remoteDeleted := make(map[string]struct{}, len(d.Deleted))
	for _, id := range d.Deleted {
		remoteDeleted[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range d.Added {
		if _, known := r.added[id]; known {
			continue
		}
		if _, gone := remoteDeleted[id]; gone {
			continue
		}
		if _, gone := r.deleted[id]; gone {
			continue
		}
		rep := d.Replicas[id]
		rep.ID = id
		if cur := r.slots[rep.Slot]; cur != nil {
			// Two live replicas claim one slot; keep ours until a tombstone settles it.
			r.log.Warn("Slot conflict in membership digest",
				zap.String("id", id), zap.String("holder", cur.ID), zap.Int("slot", rep.Slot))
			continue
		}
		r.insert(rep)
	}

	for _, id := range d.Deleted {
		if _, known := r.deleted[id]; known {
			continue
		}
		if r.evict(id) {
			evicted = append(evicted, id)
		}
	}
	return evicted, nil
}
