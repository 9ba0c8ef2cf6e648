// Package store contains the replica-side storage engine of the ring.
//
// This store:
//   - Keeps every key in memory, grouped by the ring slot ("partition") it
//     hashes to. One replica usually hosts several partitions.
//   - Versions every key with a vector clock (see Object).
//   - Queues hinted writes for replicas that were unreachable at write time.
//
// Big idea:
//
//  1. Conditional writes
//     Clients send the clock they last read. A write only lands if that
//     clock is still current; otherwise the client gets the current clock
//     back and retries.
//
//  2. Replicated writes
//     Replicas apply writes pushed by a coordinator only when the pushed
//     clock descends from theirs. Concurrent versions are kept apart and
//     later merged by the client (see Merge).
//
//  3. Concurrency
//     A single sync.RWMutex guards the partition map and the hint queue.
//     Each Object has its own lock, and the map lock is released before an
//     object is mutated, so slow writers on one key never block the map.
//
// Nothing is persisted: a restarted replica is rebuilt from its peers.
package store

import (
	"sync"
)

// WriteResult is the outcome of a conditional client write.
//
// Exactly one of Clock / Conflict is set: Clock is the new version after an
// accepted write, Conflict is the current version the client must retry with.
type WriteResult struct {
	Clock    VectorClock
	Conflict VectorClock
}

// Accepted reports whether the conditional write was applied.
func (r WriteResult) Accepted() bool {
	return r.Conflict == nil
}

// Store is the main storage object.
//
// It is safe for concurrent use.
//
// Fields:
//   - mu: guards partitions and hints
//   - partitions: slot → key → Object
//   - hints: target replica id → writes waiting for that replica
//   - replicaID: id of this replica (the counter it bumps in vector clocks)
type Store struct {
	mu         sync.RWMutex
	partitions map[int]map[string]*Object
	hints      map[string][]Hint
	replicaID  string
}

// New creates an empty store for replicaID.
func New(replicaID string) *Store {
	return &Store{
		partitions: make(map[int]map[string]*Object),
		hints:      make(map[string][]Hint),
		replicaID:  replicaID,
	}
}

// ReplicaID returns the id this store bumps in vector clocks.
func (s *Store) ReplicaID() string {
	return s.replicaID
}

// Write applies a conditional add/remove on (partition, key).
func (s *Store) Write(partition int, key string, op Op, item string, expected VectorClock) (WriteResult, error) {
	if err := op.validate(); err != nil {
		return WriteResult{}, err
	}

	obj := s.object(partition, key)

	var (
		clock VectorClock
		ok    bool
	)
	if op == OpAdd {
		clock, ok = obj.Add(s.replicaID, item, expected)
	} else {
		clock, ok = obj.Remove(s.replicaID, item, expected)
	}
	if !ok {
		return WriteResult{Conflict: clock}, nil
	}
	return WriteResult{Clock: clock}, nil
}

// ApplyReplicate stores a write pushed by the key's coordinator.
// It returns false when the write was dropped as concurrent or stale.
func (s *Store) ApplyReplicate(partition int, key string, w ReplicatedWrite) (bool, error) {
	if err := w.Op.validate(); err != nil {
		return false, err
	}
	return s.object(partition, key).StoreReplicate(w), nil
}

// Overwrite unconditionally replaces (partition, key) with snap.
// See Object.Overwrite for the returned snapshot.
func (s *Store) Overwrite(partition int, key string, snap Snapshot) Snapshot {
	return s.object(partition, key).Overwrite(s.replicaID, snap)
}

// Read returns the current version of (partition, key).
//
// It returns false if the partition is not hosted here or the key was never
// written, which callers report as "not found".
func (s *Store) Read(partition int, key string) (Snapshot, bool) {
	s.mu.RLock()
	obj, ok := s.partitions[partition][key]
	s.mu.RUnlock()

	if !ok {
		return Snapshot{}, false
	}
	return obj.Snapshot(), true
}

// Partitions returns the hosted partitions and their key counts.
func (s *Store) Partitions() map[int]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]int, len(s.partitions))
	for p, keys := range s.partitions {
		out[p] = len(keys)
	}
	return out
}

// object returns the Object for (partition, key), creating it if needed.
//
// Creation happens under the store-wide write lock so two writers never
// create the same key twice; the lock is released before the caller touches
// the object's own lock.
func (s *Store) object(partition int, key string) *Object {
	s.mu.RLock()
	obj, ok := s.partitions[partition][key]
	s.mu.RUnlock()
	if ok {
		return obj
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.partitions[partition]
	if !ok {
		bucket = make(map[string]*Object)
		s.partitions[partition] = bucket
	}
	obj, ok = bucket[key]
	if !ok {
		obj = newObject()
		bucket[key] = obj
	}
	return obj
}
