package store

import (
	"maps"
	"sort"
)

// Entry is one key of an exported partition.
type Entry struct {
	Key    string   `json:"key"`
	Object Snapshot `json:"object"`
}

// Bucket is one exported partition.
type Bucket struct {
	Partition int     `json:"hashKey"`
	Entries   []Entry `json:"data"`
}

// ExportRange snapshots every hosted partition in the inclusive, ring-wrapping
// slot range [start, end] of a ring with capacity slots. Exported objects are
// marked replicated so the receiver does not bump its own counter.
//
// If remove is set the exported partitions are dropped from this store in
// the same critical section that selects them.
func (s *Store) ExportRange(start, end, capacity int, remove bool) []Bucket {
	if capacity <= 0 {
		return nil
	}
	start, end = mod(start, capacity), mod(end, capacity)

	type partition struct {
		slot int
		keys map[string]*Object
	}
	var picked []partition

	s.mu.Lock()
	for slot := start; ; slot = (slot + 1) % capacity {
		if keys, ok := s.partitions[slot]; ok {
			if remove {
				delete(s.partitions, slot)
			} else {
				// Writers may add keys to a hosted partition once the lock is released.
				keys = maps.Clone(keys)
			}
			picked = append(picked, partition{slot: slot, keys: keys})
		}
		if slot == end {
			break
		}
	}
	s.mu.Unlock()

	buckets := make([]Bucket, 0, len(picked))
	for _, p := range picked {
		buckets = append(buckets, exportBucket(p.slot, p.keys))
	}
	return buckets
}

func exportBucket(slot int, keys map[string]*Object) Bucket {
	b := Bucket{Partition: slot, Entries: make([]Entry, 0, len(keys))}
	for key, obj := range keys {
		snap := obj.Snapshot()
		snap.Replicated = true
		b.Entries = append(b.Entries, Entry{Key: key, Object: snap})
	}
	sort.Slice(b.Entries, func(i, j int) bool { return b.Entries[i].Key < b.Entries[j].Key })
	return b
}

// ImportRange recreates every bucket, replacing any partition already hosted
// under the same slot. Clocks are taken as-is.
func (s *Store) ImportRange(buckets []Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range buckets {
		keys := make(map[string]*Object, len(b.Entries))
		for _, e := range b.Entries {
			keys[e.Key] = s.restored(e.Object)
		}
		s.partitions[b.Partition] = keys
	}
}

// RestoreRange puts back buckets taken by ExportRange with remove set, for
// a transfer that failed. Keys written since the export are kept; only keys
// still absent are restored.
func (s *Store) RestoreRange(buckets []Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range buckets {
		keys, ok := s.partitions[b.Partition]
		if !ok {
			keys = make(map[string]*Object, len(b.Entries))
			s.partitions[b.Partition] = keys
		}
		for _, e := range b.Entries {
			if _, taken := keys[e.Key]; taken {
				continue
			}
			keys[e.Key] = s.restored(e.Object)
		}
	}
}

// restored builds an unpublished object from an exported snapshot. Nobody
// else can reach it yet, so taking its lock under s.mu cannot contend.
func (s *Store) restored(snap Snapshot) *Object {
	obj := newObject()
	snap.Replicated = true
	obj.Overwrite(s.replicaID, snap)
	return obj
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}
