package store

// Hint is a write held on behalf of a replica that was unreachable when the
// write was replicated. It travels back to its target with the next
// successful gossip round between the holder and the target.
type Hint struct {
	TargetID  string      `json:"targetId" binding:"required"`
	Partition int         `json:"partitionSlot"`
	Key       string      `json:"key" binding:"required"`
	Op        Op          `json:"op" binding:"required"`
	Item      string      `json:"item,omitempty"`
	Items     []string    `json:"items,omitempty"` // overwrite hints only
	Clock     VectorClock `json:"clock"`
	Replicate bool        `json:"replicate"`
}

// StashHint appends h to the queue of h.TargetID.
func (s *Store) StashHint(h Hint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hints[h.TargetID] = append(s.hints[h.TargetID], h)
}

// DrainHints removes and returns every hint queued for targetID.
// It returns nil when there is nothing to deliver.
func (s *Store) DrainHints(targetID string) []Hint {
	s.mu.Lock()
	defer s.mu.Unlock()

	hints := s.hints[targetID]
	delete(s.hints, targetID)
	return hints
}

// RestoreHints puts hints taken by DrainHints back in front of anything
// stashed for targetID since, keeping delivery order.
func (s *Store) RestoreHints(targetID string, hints []Hint) {
	if len(hints) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.hints[targetID] = append(append([]Hint(nil), hints...), s.hints[targetID]...)
}

// ClearHints drops every hint queued for targetID and returns how many
// were dropped.
func (s *Store) ClearHints(targetID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.hints[targetID])
	delete(s.hints, targetID)
	return n
}

// PendingHints returns the number of queued hints per target.
func (s *Store) PendingHints() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.hints))
	for id, hs := range s.hints {
		out[id] = len(hs)
	}
	return out
}

// ApplyHint ingests a hint delivered to its target.
// It returns false if the hinted write was dropped as not causally newer.
// Overwrite hints follow the same rule: by the time one arrives the target
// may have moved past the reconciled version.
func (s *Store) ApplyHint(h Hint) (bool, error) {
	if h.Op == OpOverwrite {
		return s.object(h.Partition, h.Key).OverwriteNewer(Snapshot{
			Items: h.Items,
			Clock: h.Clock,
		}), nil
	}
	return s.ApplyReplicate(h.Partition, h.Key, ReplicatedWrite{
		Op:        h.Op,
		Item:      h.Item,
		Clock:     h.Clock,
		Replicate: true,
	})
}
