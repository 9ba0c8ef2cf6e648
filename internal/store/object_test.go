package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObject_ChainedWrites(t *testing.T) {
	obj := newObject()

	ops := []struct {
		op   Op
		item string
	}{
		{OpAdd, "a"},
		{OpAdd, "b"},
		{OpAdd, "a"},
		{OpRemove, "a"},
		{OpAdd, "c"},
		{OpRemove, "zzz"}, // absent: accepted, clock still moves
	}

	clock := VectorClock{}
	for _, o := range ops {
		var ok bool
		if o.op == OpAdd {
			clock, ok = obj.Add("R1", o.item, clock)
		} else {
			clock, ok = obj.Remove("R1", o.item, clock)
		}
		require.True(t, ok, "op %s %s", o.op, o.item)
	}

	snap := obj.Snapshot()
	assert.Equal(t, []string{"b", "a", "c"}, snap.Items)
	assert.Equal(t, VectorClock{"R1": uint64(len(ops))}, snap.Clock)
}

func TestObject_StaleExpectedClock(t *testing.T) {
	obj := newObject()

	first, ok := obj.Add("R1", "x", nil)
	require.True(t, ok)
	assert.Equal(t, VectorClock{"R1": 1}, first)

	current, ok := obj.Add("R1", "y", VectorClock{})
	assert.False(t, ok)
	assert.Equal(t, VectorClock{"R1": 1}, current)

	// {R1:0} names the right replica but not the right counter.
	_, ok = obj.Remove("R1", "x", VectorClock{"R1": 0})
	assert.False(t, ok)

	assert.Equal(t, []string{"x"}, obj.Snapshot().Items)
}

func TestObject_ConcurrentWritersOneWinner(t *testing.T) {
	obj := newObject()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts []VectorClock
	)
	for _, item := range []string{"x", "y"} {
		wg.Add(1)
		go func(item string) {
			defer wg.Done()
			clock, ok := obj.Add("R1", item, VectorClock{})
			mu.Lock()
			defer mu.Unlock()
			if ok {
				accepted++
				return
			}
			conflicts = append(conflicts, clock)
		}(item)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	require.Len(t, conflicts, 1)
	assert.Equal(t, VectorClock{"R1": 1}, conflicts[0])
}

func TestObject_StoreReplicate(t *testing.T) {
	tests := []struct {
		name      string
		local     VectorClock
		incoming  VectorClock
		wantApply bool
		wantClock VectorClock
	}{
		{
			name:      "fresh object accepts",
			local:     VectorClock{},
			incoming:  VectorClock{"R1": 1},
			wantApply: true,
			wantClock: VectorClock{"R1": 1},
		},
		{
			name:      "newer counter accepts and unions",
			local:     VectorClock{"R1": 1, "R2": 3},
			incoming:  VectorClock{"R1": 2, "R2": 3},
			wantApply: true,
			wantClock: VectorClock{"R1": 2, "R2": 3},
		},
		{
			name:      "new replica id accepts",
			local:     VectorClock{"R1": 1},
			incoming:  VectorClock{"R1": 1, "R3": 1},
			wantApply: true,
			wantClock: VectorClock{"R1": 1, "R3": 1},
		},
		{
			name:      "stale counter drops",
			local:     VectorClock{"R1": 2},
			incoming:  VectorClock{"R1": 1},
			wantApply: false,
			wantClock: VectorClock{"R1": 2},
		},
		{
			name:      "concurrent drops",
			local:     VectorClock{"R1": 1},
			incoming:  VectorClock{"R2": 1},
			wantApply: false,
			wantClock: VectorClock{"R1": 1},
		},
		{
			name:      "duplicate drops",
			local:     VectorClock{"R1": 1},
			incoming:  VectorClock{"R1": 1},
			wantApply: false,
			wantClock: VectorClock{"R1": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := newObject()
			obj.clock = tt.local.Copy()

			applied := obj.StoreReplicate(ReplicatedWrite{Op: OpAdd, Item: "x", Clock: tt.incoming, Replicate: true})

			assert.Equal(t, tt.wantApply, applied)
			snap := obj.Snapshot()
			assert.Equal(t, tt.wantClock, snap.Clock)
			if tt.wantApply {
				assert.Equal(t, []string{"x"}, snap.Items)
			} else {
				assert.Empty(t, snap.Items)
			}
		})
	}
}

func TestObject_StoreReplicateReplayIsNoop(t *testing.T) {
	obj := newObject()
	w := ReplicatedWrite{Op: OpAdd, Item: "x", Clock: VectorClock{"R1": 1}, Replicate: true}

	require.True(t, obj.StoreReplicate(w))
	before := obj.Snapshot()

	assert.False(t, obj.StoreReplicate(w))
	assert.Equal(t, before, obj.Snapshot())
}

func TestObject_Overwrite(t *testing.T) {
	t.Run("local overwrite bumps own counter", func(t *testing.T) {
		obj := newObject()
		out := obj.Overwrite("R1", Snapshot{
			Items: []string{"a", "b"},
			Clock: VectorClock{"R1": 2, "R2": 1},
		})

		assert.True(t, out.Replicated)
		assert.Equal(t, VectorClock{"R1": 3, "R2": 1}, out.Clock)
		assert.Equal(t, []string{"a", "b"}, obj.Snapshot().Items)
		assert.Equal(t, out.Clock, obj.Snapshot().Clock)
	})

	t.Run("replicated overwrite keeps clock", func(t *testing.T) {
		obj := newObject()
		_, _ = obj.Add("R1", "old", nil)

		obj.Overwrite("R1", Snapshot{
			Items:      []string{"new"},
			Clock:      VectorClock{"R2": 4},
			Replicated: true,
		})

		snap := obj.Snapshot()
		assert.Equal(t, []string{"new"}, snap.Items)
		assert.Equal(t, VectorClock{"R2": 4}, snap.Clock)
	})
}

func TestObject_SnapshotIsDetached(t *testing.T) {
	obj := newObject()
	_, _ = obj.Add("R1", "a", nil)

	snap := obj.Snapshot()
	snap.Items[0] = "mutated"
	snap.Clock["R1"] = 99

	again := obj.Snapshot()
	assert.Equal(t, []string{"a"}, again.Items)
	assert.Equal(t, VectorClock{"R1": 1}, again.Clock)
}
