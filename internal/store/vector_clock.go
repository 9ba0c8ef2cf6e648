package store

// VectorClock tracks causality for a single key across replicas.
//
// A vector clock maps replicaID → logical counter. A replica bumps its own
// counter every time it accepts a mutation of the key. Comparing two clocks
// tells us whether one version happened-before the other or whether the two
// were written concurrently and need reconciliation:
//
//	R1 writes:            {R1:1}
//	R2 receives it:       {R1:1}
//	R2 reconciles:        {R1:1, R2:1}
//	R1 receives it:       R2:1 > 0 and nothing went backwards → accepted
type VectorClock map[string]uint64

// ClockRelation represents the causal relationship between two vector clocks.
type ClockRelation int

const (
	Before           ClockRelation = iota // self happened-before other
	After                                 // self happened-after other
	Equal                                 // identical
	ConcurrentClocks                      // concurrent, needs reconciliation
)

func (r ClockRelation) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	default:
		return "concurrent"
	}
}

// Increment bumps the counter for replicaID.
func (vc VectorClock) Increment(replicaID string) {
	vc[replicaID]++
}

// Compare returns the causal relationship of vc relative to other.
// Missing entries count as zero.
func (vc VectorClock) Compare(other VectorClock) ClockRelation {
	vcDominates := false    // vc has at least one counter > other
	otherDominates := false // other has at least one counter > vc

	for id, cnt := range vc {
		if cnt > other[id] {
			vcDominates = true
		} else if cnt < other[id] {
			otherDominates = true
		}
	}
	for id, cnt := range other {
		if _, ok := vc[id]; !ok && cnt > 0 {
			otherDominates = true
		}
	}

	switch {
	case !vcDominates && !otherDominates:
		return Equal
	case vcDominates && !otherDominates:
		return After
	case !vcDominates && otherDominates:
		return Before
	default:
		return ConcurrentClocks
	}
}

// Identical reports whether both clocks carry exactly the same replica ids
// with the same counters. Unlike Compare, {R1:0} and {} are not identical.
// This is the optimistic-concurrency gate used by conditional writes.
func (vc VectorClock) Identical(other VectorClock) bool {
	if len(vc) != len(other) {
		return false
	}
	for id, cnt := range vc {
		o, ok := other[id]
		if !ok || o != cnt {
			return false
		}
	}
	return true
}

// Merge returns a new VectorClock that takes the max of each counter.
// Used when merging concurrent versions.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Copy()
	for id, cnt := range other {
		if cnt > merged[id] {
			merged[id] = cnt
		}
	}
	return merged
}

// Copy returns a deep copy. A nil clock copies to an empty, non-nil one.
func (vc VectorClock) Copy() VectorClock {
	c := make(VectorClock, len(vc))
	for k, v := range vc {
		c[k] = v
	}
	return c
}
