package cluster

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ringkv/internal/metrics"
	"ringkv/internal/store"
)

////////////////////////////////////////////////////////////////////////////////
// READ PATH
////////////////////////////////////////////////////////////////////////////////

// fetched is one peer's answer to an internal read.
type fetched struct {
	snap  store.Snapshot
	found bool
}

// Gather collects the versions of (slot, key) known to the coordinator and
// min(R-1, live-1) peers.
//
// Versions are deduplicated by clock. The local version, if any, comes
// first; otherwise the first peer answer does. More than one version in the
// result means the replicas diverged and the caller has to reconcile.
// An empty result means nobody had the key.
func (rep *Replicator) Gather(ctx context.Context, slot int, key string) []store.Snapshot {
	peers := rep.ring.PreferenceList(slot)
	required := quorum(rep.ring.Params().R, rep.ring.LiveCount())

	started := time.Now()
	got := fanOut(ctx, peers, required, rep.timeout,
		func(ctx context.Context, peer Replica) (fetched, error) {
			snap, found, err := rep.peers.Fetch(ctx, peer, slot, key)
			return fetched{snap: snap, found: found}, err
		},
		func(a attempt[fetched]) {
			rep.observe(metrics.PathGather, a.err)
			if a.err != nil {
				rep.log.Debug("Read from peer failed",
					zap.String("peer", a.peer.ID), zap.Int("slot", slot), zap.String("key", key), zap.Error(a.err))
			}
		})
	rep.metrics.FanoutDuration.WithLabelValues(metrics.PathGather).Observe(time.Since(started).Seconds())

	var answers []store.Snapshot
	for _, a := range got {
		if a.err == nil && a.val.found {
			answers = append(answers, a.val.snap)
		}
	}

	local, ok := rep.store.Read(slot, key)
	return distinctVersions(local, ok, answers)
}

func distinctVersions(local store.Snapshot, hasLocal bool, answers []store.Snapshot) []store.Snapshot {
	var versions []store.Snapshot
	switch {
	case hasLocal:
		versions = append(versions, local)
	case len(answers) > 0:
		versions = append(versions, answers[0])
		answers = answers[1:]
	default:
		return nil
	}

next:
	for _, a := range answers {
		for _, v := range versions {
			if v.Clock.Identical(a.Clock) {
				continue next
			}
		}
		a.Replicated = false
		versions = append(versions, a)
	}
	return versions
}
