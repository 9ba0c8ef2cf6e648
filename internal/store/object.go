package store

import (
	"errors"
	"fmt"
	"sync"
)

// Op names a mutation carried by client writes, replicated writes and hints.
type Op string

const (
	OpAdd       Op = "add"
	OpRemove    Op = "remove"
	OpOverwrite Op = "overwrite" // only used by hints of reconciliation write-backs
)

// ErrUnknownOp is returned when a write names an op other than add/remove.
var ErrUnknownOp = errors.New("unknown op")

func (op Op) validate() error {
	switch op {
	case OpAdd, OpRemove:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, string(op))
}

// Snapshot is a read-only projection of an Object.
//
// Replicated marks a snapshot that must be ingested without bumping the
// receiver's own counter: anti-entropy transfers and the fan-out leg of a
// reconciliation carry it, a client's merged write-back does not.
type Snapshot struct {
	Items      []string    `json:"items"`
	Clock      VectorClock `json:"clock"`
	Replicated bool        `json:"replicate,omitempty"`
}

// ReplicatedWrite is what a coordinator pushes to the rest of the preference
// list after its local conditional write succeeded.
type ReplicatedWrite struct {
	Op        Op          `json:"op"`
	Item      string      `json:"item"`
	Clock     VectorClock `json:"clock"`
	Replicate bool        `json:"replicate"`
}

// Object is the value of a single key: an ordered multiset of opaque items
// and the vector clock of the replicas that mutated it.
//
// There is no delete: removing every item leaves an empty item list with a
// non-trivial clock.
type Object struct {
	mu    sync.RWMutex
	items []string
	clock VectorClock
}

func newObject() *Object {
	return &Object{
		items: []string{},
		clock: make(VectorClock),
	}
}

// Add appends item if expected is identical to the current clock and bumps
// self's counter. It returns the new clock and true, or the current clock
// and false when the caller raced another writer and must retry.
func (o *Object) Add(self, item string, expected VectorClock) (VectorClock, bool) {
	return o.conditional(self, expected, func() {
		o.items = append(o.items, item)
	})
}

// Remove deletes the first occurrence of item under the same gate as Add.
// Removing an absent item is still an accepted mutation and bumps the clock.
func (o *Object) Remove(self, item string, expected VectorClock) (VectorClock, bool) {
	return o.conditional(self, expected, func() {
		o.items = removeFirst(o.items, item)
	})
}

func (o *Object) conditional(self string, expected VectorClock, mutate func()) (VectorClock, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.clock.Identical(expected) {
		return o.clock.Copy(), false
	}
	mutate()
	o.clock.Increment(self)
	return o.clock.Copy(), true
}

// StoreReplicate applies a write pushed by another coordinator. The write is
// accepted only if its clock strictly descends from ours; concurrent, stale
// and duplicate deliveries are dropped and reported as false.
func (o *Object) StoreReplicate(w ReplicatedWrite) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if w.Clock.Compare(o.clock) != After {
		return false
	}
	switch w.Op {
	case OpAdd:
		o.items = append(o.items, w.Item)
	case OpRemove:
		o.items = removeFirst(o.items, w.Item)
	}
	for id, cnt := range w.Clock {
		o.clock[id] = cnt
	}
	return true
}

// Overwrite replaces items and clock with snap. When snap is not marked as
// replicated the overwrite counts as a local mutation: self's counter is
// bumped and the returned snapshot, marked replicated, is what should be
// propagated to the other replicas.
func (o *Object) Overwrite(self string, snap Snapshot) Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.items = append(make([]string, 0, len(snap.Items)), snap.Items...)
	o.clock = snap.Clock.Copy()
	if !snap.Replicated {
		o.clock.Increment(self)
	}
	return Snapshot{
		Items:      append([]string(nil), o.items...),
		Clock:      o.clock.Copy(),
		Replicated: true,
	}
}

// OverwriteNewer replaces items and clock with snap only if snap's clock
// strictly descends from ours. The clock is taken as-is, as for a replicated
// overwrite. It reports whether the object changed.
func (o *Object) OverwriteNewer(snap Snapshot) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if snap.Clock.Compare(o.clock) != After {
		return false
	}
	o.items = append(make([]string, 0, len(snap.Items)), snap.Items...)
	o.clock = snap.Clock.Copy()
	return true
}

// Snapshot returns a copy safe to serialize while the object keeps changing.
func (o *Object) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return Snapshot{
		Items: append(make([]string, 0, len(o.items)), o.items...),
		Clock: o.clock.Copy(),
	}
}

func removeFirst(items []string, item string) []string {
	for i, it := range items {
		if it == item {
			return append(items[:i], items[i+1:]...)
		}
	}
	return items
}
