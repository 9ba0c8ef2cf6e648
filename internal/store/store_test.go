package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteAndRead(t *testing.T) {
	s := New("R1")

	_, found := s.Read(3, "cart")
	assert.False(t, found)

	res, err := s.Write(3, "cart", OpAdd, "apple", VectorClock{})
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, VectorClock{"R1": 1}, res.Clock)

	res, err = s.Write(3, "cart", OpAdd, "pear", res.Clock)
	require.NoError(t, err)
	require.True(t, res.Accepted())

	snap, found := s.Read(3, "cart")
	require.True(t, found)
	assert.Equal(t, []string{"apple", "pear"}, snap.Items)
	assert.Equal(t, VectorClock{"R1": 2}, snap.Clock)

	// Same key in another partition is a different object.
	_, found = s.Read(4, "cart")
	assert.False(t, found)
}

func TestStore_WriteConflictReturnsCurrentClock(t *testing.T) {
	s := New("R1")

	_, err := s.Write(0, "k", OpAdd, "x", nil)
	require.NoError(t, err)

	res, err := s.Write(0, "k", OpAdd, "y", VectorClock{})
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Nil(t, res.Clock)
	assert.Equal(t, VectorClock{"R1": 1}, res.Conflict)
}

func TestStore_RejectsUnknownOp(t *testing.T) {
	s := New("R1")

	_, err := s.Write(0, "k", Op("append"), "x", nil)
	assert.True(t, errors.Is(err, ErrUnknownOp))

	_, err = s.Write(0, "k", OpOverwrite, "x", nil)
	assert.ErrorIs(t, err, ErrUnknownOp)

	_, err = s.ApplyReplicate(0, "k", ReplicatedWrite{Op: "bogus", Clock: VectorClock{"R2": 1}})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestStore_ReplicaConvergesOnSequentialWrites(t *testing.T) {
	coord := New("R1")
	replica := New("R2")

	clock := VectorClock{}
	for _, item := range []string{"a", "b", "c"} {
		res, err := coord.Write(1, "k", OpAdd, item, clock)
		require.NoError(t, err)
		clock = res.Clock

		applied, err := replica.ApplyReplicate(1, "k", ReplicatedWrite{Op: OpAdd, Item: item, Clock: clock, Replicate: true})
		require.NoError(t, err)
		assert.True(t, applied)
	}

	want, _ := coord.Read(1, "k")
	got, _ := replica.Read(1, "k")
	assert.Equal(t, want, got)
}

func TestStore_Partitions(t *testing.T) {
	s := New("R1")
	_, _ = s.Write(2, "a", OpAdd, "x", nil)
	_, _ = s.Write(2, "b", OpAdd, "x", nil)
	_, _ = s.Write(5, "c", OpAdd, "x", nil)

	assert.Equal(t, map[int]int{2: 2, 5: 1}, s.Partitions())
}

func TestStore_OverwriteLocalBumpsReplicaID(t *testing.T) {
	s := New("R2")

	out := s.Overwrite(0, "k", Snapshot{Items: []string{"x", "y"}, Clock: VectorClock{"R1": 1, "R3": 1}})

	assert.Equal(t, VectorClock{"R1": 1, "R2": 1, "R3": 1}, out.Clock)
	assert.True(t, out.Replicated)

	snap, ok := s.Read(0, "k")
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, snap.Items)
	assert.False(t, snap.Replicated)
}
