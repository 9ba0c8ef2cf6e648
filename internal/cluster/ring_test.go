package cluster

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func replica(id string, slot int) Replica {
	return Replica{ID: id, Host: "127.0.0.1", Port: 7000 + slot, Slot: slot}
}

// threeReplicaRing builds the 8-slot ring R1@0, R2@3, R3@6 as seen by self.
func threeReplicaRing(t *testing.T, self string, n int) *Ring {
	t.Helper()
	all := []Replica{replica("R1", 0), replica("R2", 3), replica("R3", 6)}
	var me Replica
	for _, r := range all {
		if r.ID == self {
			me = r
		}
	}
	ring, err := NewRing(Params{Capacity: 8, N: n, W: 1, R: 1}, me, all, zap.NewNop())
	require.NoError(t, err)
	return ring
}

func ids(reps []Replica) []string {
	out := make([]string, 0, len(reps))
	for _, r := range reps {
		out = append(out, r.ID)
	}
	return out
}

func TestNewRing_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		self   Replica
		seeds  []Replica
	}{
		{"bad params", Params{Capacity: 8, N: 0, W: 1, R: 1}, replica("R1", 0), nil},
		{"self outside ring", Params{Capacity: 4, N: 1, W: 1, R: 1}, replica("R1", 4), nil},
		{"seed outside ring", Params{Capacity: 4, N: 1, W: 1, R: 1}, replica("R1", 0), []Replica{replica("R2", 9)}},
		{"slot collision", Params{Capacity: 4, N: 1, W: 1, R: 1}, replica("R1", 0), []Replica{replica("R2", 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRing(tt.params, tt.self, tt.seeds, zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestNewRing_SeedsIncludingSelf(t *testing.T) {
	ring := threeReplicaRing(t, "R2", 2)

	assert.Equal(t, 3, ring.LiveCount())
	assert.Equal(t, []string{"R1", "R2", "R3"}, ids(ring.Live()))

	r1, ok := ring.Replica("R1")
	require.True(t, ok)
	assert.True(t, r1.Seed)
	assert.Equal(t, "127.0.0.1:7000", r1.Address())
}

func TestRing_PreferenceList(t *testing.T) {
	tests := []struct {
		self string
		n    int
		slot int
		want []string
	}{
		{"R1", 2, 0, []string{"R2"}},
		{"R1", 3, 0, []string{"R2", "R3"}},
		{"R1", 2, 4, []string{"R3"}},
		{"R1", 3, 7, []string{"R2", "R3"}},
		{"R2", 2, 0, []string{"R1"}},
		{"R3", 3, 5, []string{"R1", "R2"}},
		{"R1", 1, 0, []string{}},
		// N larger than the cluster: one full turn, then stop.
		{"R1", 8, 2, []string{"R2", "R3"}},
	}
	for _, tt := range tests {
		ring := threeReplicaRing(t, tt.self, tt.n)
		got := ring.PreferenceList(tt.slot)
		assert.Equal(t, tt.want, ids(got), "self=%s n=%d slot=%d", tt.self, tt.n, tt.slot)
		assert.LessOrEqual(t, len(got), tt.n)
		assert.NotContains(t, ids(got), tt.self)
	}
}

func TestRing_CheckOwnership(t *testing.T) {
	// N=2 on R1@0, R2@3, R3@6:
	//   R1 owns 4..0, R2 owns 7..3, R3 owns 1..6
	owned := map[string][]int{
		"R1": {4, 5, 6, 7, 0},
		"R2": {7, 0, 1, 2, 3},
		"R3": {1, 2, 3, 4, 5, 6},
	}
	for self, slots := range owned {
		ring := threeReplicaRing(t, self, 2)
		for slot := 0; slot < 8; slot++ {
			redirect, ok := ring.CheckOwnership(slot)
			want := contains(slots, slot)
			assert.Equal(t, want, ok, "self=%s slot=%d", self, slot)
			if ok {
				assert.Empty(t, redirect)
			} else {
				assert.NotEmpty(t, redirect)
			}
		}
	}
}

func TestRing_RedirectTargetsAgree(t *testing.T) {
	rings := map[string]*Ring{
		"R1": threeReplicaRing(t, "R1", 2),
		"R2": threeReplicaRing(t, "R2", 2),
		"R3": threeReplicaRing(t, "R3", 2),
	}
	byAddr := map[string]string{}
	for id, r := range rings {
		byAddr[r.Self().Address()] = id
	}

	for slot := 0; slot < 8; slot++ {
		targets := map[string]bool{}
		for _, r := range rings {
			if addr, ok := r.CheckOwnership(slot); !ok {
				targets[byAddr[addr]] = true
			}
		}
		// Every non-owner points at the same replica, and that replica owns the slot.
		require.LessOrEqual(t, len(targets), 1, "slot %d", slot)
		for id := range targets {
			_, ok := rings[id].CheckOwnership(slot)
			assert.True(t, ok, "redirect target %s must own slot %d", id, slot)
		}
	}
}

func TestRing_SmallClusterOwnsEverything(t *testing.T) {
	ring, err := NewRing(Params{Capacity: 8, N: 3, W: 2, R: 2}, replica("R1", 5), []Replica{replica("R2", 1)}, zap.NewNop())
	require.NoError(t, err)

	for slot := 0; slot < 8; slot++ {
		_, ok := ring.CheckOwnership(slot)
		assert.True(t, ok, "slot %d", slot)
	}
}

func TestRing_HintHolder(t *testing.T) {
	assert.Equal(t, "R3", threeReplicaRing(t, "R1", 2).HintHolder().ID)
	assert.Equal(t, "R1", threeReplicaRing(t, "R2", 2).HintHolder().ID)
	assert.Equal(t, "R1", threeReplicaRing(t, "R1", 3).HintHolder().ID, "N >= live wraps to self")

	alone, err := NewRing(Params{Capacity: 4, N: 2, W: 1, R: 1}, replica("R1", 2), nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "R1", alone.HintHolder().ID)
}

func TestRing_PickGossipPeer(t *testing.T) {
	ring := threeReplicaRing(t, "R1", 2)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		p, ok := ring.PickGossipPeer()
		require.True(t, ok)
		seen[p.ID] = true
	}
	assert.Equal(t, map[string]bool{"R2": true, "R3": true}, seen)

	alone, err := NewRing(Params{Capacity: 4, N: 1, W: 1, R: 1}, replica("R1", 0), nil, zap.NewNop())
	require.NoError(t, err)
	_, ok := alone.PickGossipPeer()
	assert.False(t, ok)
}

func TestRing_MergeAddsReplicas(t *testing.T) {
	r1, err := NewRing(Params{Capacity: 8, N: 2, W: 1, R: 1}, replica("R1", 0), nil, zap.NewNop())
	require.NoError(t, err)

	remote := threeReplicaRing(t, "R2", 2).Digest()
	evicted, err := r1.Merge(remote)
	require.NoError(t, err)
	assert.Empty(t, evicted)

	assert.Equal(t, []string{"R1", "R2", "R3"}, ids(r1.Live()))
	assert.Equal(t, []string{"R2"}, ids(r1.PreferenceList(0)))
}

func TestRing_TombstoneWins(t *testing.T) {
	t.Run("delete after add evicts", func(t *testing.T) {
		ring := threeReplicaRing(t, "R1", 2)

		evicted, err := ring.Merge(Digest{Added: []string{"R2"}, Deleted: []string{"R2"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"R2"}, evicted)
		assert.Equal(t, []string{"R1", "R3"}, ids(ring.Live()))

		// Seeing the add again changes nothing.
		_, err = ring.Merge(Digest{Added: []string{"R2"}, Replicas: map[string]Replica{"R2": replica("R2", 3)}})
		require.NoError(t, err)
		assert.Equal(t, 2, ring.LiveCount())
	})

	t.Run("delete before add is remembered", func(t *testing.T) {
		ring, err := NewRing(Params{Capacity: 8, N: 2, W: 1, R: 1}, replica("R1", 0), nil, zap.NewNop())
		require.NoError(t, err)

		evicted, err := ring.Merge(Digest{Deleted: []string{"R4"}})
		require.NoError(t, err)
		assert.Empty(t, evicted)

		_, err = ring.Merge(Digest{Added: []string{"R4"}, Replicas: map[string]Replica{"R4": replica("R4", 5)}})
		require.NoError(t, err)
		assert.Equal(t, 1, ring.LiveCount())
		assert.Contains(t, ring.Digest().Deleted, "R4")
	})

	t.Run("add and delete in one digest", func(t *testing.T) {
		ring, err := NewRing(Params{Capacity: 8, N: 2, W: 1, R: 1}, replica("R1", 0), nil, zap.NewNop())
		require.NoError(t, err)

		_, err = ring.Merge(Digest{Added: []string{"R4"}, Deleted: []string{"R4"}})
		require.NoError(t, err)
		assert.Equal(t, 1, ring.LiveCount())
	})

	t.Run("self tombstone keeps slot", func(t *testing.T) {
		ring := threeReplicaRing(t, "R1", 2)

		evicted, err := ring.Merge(Digest{Deleted: []string{"R1"}})
		require.NoError(t, err)
		assert.Empty(t, evicted)
		assert.Equal(t, 3, ring.LiveCount())
		_, ok := ring.CheckOwnership(0)
		assert.True(t, ok)
	})
}

func TestRing_MergeRejectsMalformed(t *testing.T) {
	ring := threeReplicaRing(t, "R1", 2)
	before := ring.Digest()

	tests := []Digest{
		{Added: []string{"R9"}},
		{Added: []string{"R9"}, Replicas: map[string]Replica{"R9": replica("R9", 8)}},
		{Added: []string{""}},
		{Deleted: []string{""}},
	}
	for _, d := range tests {
		_, err := ring.Merge(d)
		assert.True(t, errors.Is(err, ErrMalformedDigest), "digest %+v", d)
	}
	assert.Equal(t, before, ring.Digest())
}

func TestRing_EvictLocal(t *testing.T) {
	ring := threeReplicaRing(t, "R1", 2)

	assert.True(t, ring.Evict("R2"))
	assert.False(t, ring.Evict("R2"))
	assert.Equal(t, []string{"R3"}, ids(ring.PreferenceList(0)))

	d := ring.Digest()
	assert.Equal(t, []string{"R1", "R2", "R3"}, d.Added)
	assert.Equal(t, []string{"R2"}, d.Deleted)
	assert.NotContains(t, d.Replicas, "R2")
}

func TestSlotFor(t *testing.T) {
	for _, key := range []string{"", "cart", "user:42", "ünïcode"} {
		slot := SlotFor(key, 8)
		assert.GreaterOrEqual(t, slot, 0)
		assert.Less(t, slot, 8)
		assert.Equal(t, slot, SlotFor(key, 8))
	}
	assert.Equal(t, 0, SlotFor("cart", 0))
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
