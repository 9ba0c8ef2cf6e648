package cluster

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ringkv/internal/metrics"
	"ringkv/internal/store"
)

////////////////////////////////////////////////////////////////////////////////
// REPLICATOR
////////////////////////////////////////////////////////////////////////////////

// Replicator coordinates the fan-out legs of a request.
//
// The replica that accepts a client request is the coordinator for it.
// It has already applied the request locally; the Replicator then:
//
//   • Sends it to the rest of the preference list
//   • Waits until enough peers have answered (or given up)
//   • Parks the write for every peer that could not be reached
//
// -----------------------------------------------------------------------------
// QUORUM
//
//	N = replicas per key (coordinator + N-1 preference list entries)
//	W = replicas that must have seen a write before the client hears back
//	R = replicas consulted by a read
//
// The coordinator counts as one, so fan-outs wait for W-1 / R-1 peer
// attempts, capped by the number of other live replicas. A small cluster
// therefore degrades to fewer acknowledgements instead of blocking.
//
// Nothing here fails the client request: the client-visible outcome was
// decided by the local write. Unreachable peers get a hint instead.
////////////////////////////////////////////////////////////////////////////////

// Replicator fans writes, overwrites and reads out to the preference list.
type Replicator struct {
	ring    *Ring
	store   *store.Store
	peers   PeerClient
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewReplicator creates a replicator. timeout bounds every peer request,
// including ones still running after their fan-out returned.
func NewReplicator(ring *Ring, st *store.Store, peers PeerClient, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Replicator {
	return &Replicator{
		ring:    ring,
		store:   st,
		peers:   peers,
		timeout: timeout,
		log:     logger,
		metrics: m,
	}
}

////////////////////////////////////////////////////////////////////////////////
// WRITE PATH
////////////////////////////////////////////////////////////////////////////////

// Replicate pushes a write the coordinator already accepted.
//
// Steps:
//
// 1) Compute the preference list of slot.
// 2) Send {op, item, clock, replicate:true} to every entry at once.
// 3) Return once min(W-1, live-1) of them answered, successfully or not.
// 4) Every failed send, including late ones, becomes a hint.
//
// It returns how many of the counted attempts succeeded.
func (rep *Replicator) Replicate(ctx context.Context, slot int, key string, w store.ReplicatedWrite) int {
	w.Replicate = true
	w.Clock = w.Clock.Copy()

	peers := rep.ring.PreferenceList(slot)
	required := quorum(rep.ring.Params().W, rep.ring.LiveCount())

	started := time.Now()
	got := fanOut(ctx, peers, required, rep.timeout,
		func(ctx context.Context, peer Replica) (struct{}, error) {
			return struct{}{}, rep.peers.Replicate(ctx, peer, slot, key, w)
		},
		func(a attempt[struct{}]) {
			rep.observe(metrics.PathReplicate, a.err)
			if a.err == nil {
				return
			}
			rep.log.Warn("Replicate failed, handing off",
				zap.String("peer", a.peer.ID), zap.Int("slot", slot), zap.String("key", key), zap.Error(a.err))
			rep.handoff(store.Hint{
				TargetID:  a.peer.ID,
				Partition: slot,
				Key:       key,
				Op:        w.Op,
				Item:      w.Item,
				Clock:     w.Clock,
				Replicate: true,
			})
		})
	rep.metrics.FanoutDuration.WithLabelValues(metrics.PathReplicate).Observe(time.Since(started).Seconds())

	return succeeded(got)
}

// ReplicateOverwrite pushes a reconciled object the coordinator already
// stored. Same shape as Replicate; failed peers get an overwrite hint
// carrying the whole snapshot.
func (rep *Replicator) ReplicateOverwrite(ctx context.Context, slot int, key string, snap store.Snapshot) int {
	snap.Replicated = true
	snap.Clock = snap.Clock.Copy()
	snap.Items = append([]string(nil), snap.Items...)

	peers := rep.ring.PreferenceList(slot)
	required := quorum(rep.ring.Params().W, rep.ring.LiveCount())

	started := time.Now()
	got := fanOut(ctx, peers, required, rep.timeout,
		func(ctx context.Context, peer Replica) (struct{}, error) {
			return struct{}{}, rep.peers.Overwrite(ctx, peer, slot, key, snap)
		},
		func(a attempt[struct{}]) {
			rep.observe(metrics.PathOverwrite, a.err)
			if a.err == nil {
				return
			}
			rep.log.Warn("Overwrite failed, handing off",
				zap.String("peer", a.peer.ID), zap.Int("slot", slot), zap.String("key", key), zap.Error(a.err))
			rep.handoff(store.Hint{
				TargetID:  a.peer.ID,
				Partition: slot,
				Key:       key,
				Op:        store.OpOverwrite,
				Items:     snap.Items,
				Clock:     snap.Clock,
				Replicate: true,
			})
		})
	rep.metrics.FanoutDuration.WithLabelValues(metrics.PathOverwrite).Observe(time.Since(started).Seconds())

	return succeeded(got)
}

////////////////////////////////////////////////////////////////////////////////
// HINTED HANDOFF
////////////////////////////////////////////////////////////////////////////////

// handoff parks h on the hint holder (see Ring.HintHolder). When the holder
// is this replica, is the unreachable target itself, or cannot be reached
// either, the hint is kept here. Either way the holder's gossip loop
// delivers it once it next talks to the target.
func (rep *Replicator) handoff(h store.Hint) {
	holder := rep.ring.HintHolder()
	self := rep.ring.Self()

	if holder.ID != self.ID && holder.ID != h.TargetID {
		ctx, cancel := context.WithTimeout(context.Background(), rep.timeout)
		err := rep.peers.StashHint(ctx, holder, h)
		cancel()
		if err == nil {
			rep.log.Debug("Hint parked on holder",
				zap.String("target", h.TargetID), zap.String("holder", holder.ID), zap.String("key", h.Key))
			return
		}
		rep.log.Warn("Hint holder unreachable, keeping hint locally",
			zap.String("holder", holder.ID), zap.Error(err))
	}
	rep.StashLocal(h)
}

// StashLocal queues h in the local store.
func (rep *Replicator) StashLocal(h store.Hint) {
	rep.store.StashHint(h)
	rep.metrics.HintsStashed.Inc()
	rep.log.Debug("Hint stashed",
		zap.String("target", h.TargetID), zap.Int("slot", h.Partition), zap.String("key", h.Key), zap.String("op", string(h.Op)))
}

func (rep *Replicator) observe(path string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	rep.metrics.FanoutAttempts.WithLabelValues(path, outcome).Inc()
}

func succeeded[T any](got []attempt[T]) int {
	n := 0
	for _, a := range got {
		if a.err == nil {
			n++
		}
	}
	return n
}
