package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"ringkv/internal/metrics"
	"ringkv/internal/store"
)

// Deregisterer tells the membership coordinator a replica is gone.
type Deregisterer interface {
	Deregister(ctx context.Context, rep Replica) error
}

// Gossiper runs the membership exchange loop and answers peers' rounds.
//
// Every interval it picks one random live peer and POSTs its digest plus
// the hints it holds for that peer. The peer answers with its own digest,
// which is merged here. A peer that cannot be reached, or answers with
// garbage, is evicted from the local ring; there is no separate failure
// detector.
type Gossiper struct {
	ring     *Ring
	store    *store.Store
	peers    PeerClient
	registry Deregisterer // optional
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics

	// peer id → time of the last successful round with it
	lastContact *xsync.MapOf[string, time.Time]
}

// NewGossiper creates a gossiper. registry may be nil.
func NewGossiper(ring *Ring, st *store.Store, peers PeerClient, registry Deregisterer,
	interval, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Gossiper {
	return &Gossiper{
		ring:        ring,
		store:       st,
		peers:       peers,
		registry:    registry,
		interval:    interval,
		timeout:     timeout,
		log:         logger,
		metrics:     m,
		lastContact: xsync.NewMapOf[string, time.Time](),
	}
}

// Run gossips every interval until ctx is done.
func (g *Gossiper) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.log.Info("Gossip loop started", zap.Duration("interval", g.interval))
	for {
		select {
		case <-ctx.Done():
			g.log.Info("Gossip loop stopped")
			return nil
		case <-ticker.C:
			if err := g.Round(ctx); err != nil {
				g.log.Warn("Gossip round failed", zap.Error(err))
			}
		}
	}
}

// Round performs one exchange with a random peer. It is a no-op when the
// local replica is alone on the ring.
func (g *Gossiper) Round(ctx context.Context) error {
	peer, ok := g.ring.PickGossipPeer()
	if !ok {
		g.metrics.GossipRounds.WithLabelValues("idle").Inc()
		return nil
	}
	defer g.refreshGauges()

	// Taken atomically so a concurrent write failing towards the same peer
	// either makes it into this batch or stays queued for the next one.
	hints := g.store.DrainHints(peer.ID)
	msg := GossipMessage{Digest: g.ring.Digest(), Hints: hints}

	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	remote, err := g.peers.Gossip(rctx, peer, msg)
	cancel()
	if err != nil {
		g.store.RestoreHints(peer.ID, hints)
		g.metrics.GossipRounds.WithLabelValues("failed").Inc()
		g.evict(ctx, peer, err)
		return err
	}

	// The peer accepted the message, so the hints are delivered even if its
	// answer turns out to be unusable.
	if len(hints) > 0 {
		g.metrics.HintsDelivered.Add(float64(len(hints)))
		g.log.Info("Hinted writes delivered", zap.String("peer", peer.ID), zap.Int("count", len(hints)))
	}

	evicted, err := g.ring.Merge(remote)
	if err != nil {
		g.metrics.GossipRounds.WithLabelValues("failed").Inc()
		g.evict(ctx, peer, err)
		return err
	}
	g.purge(evicted)

	g.lastContact.Store(peer.ID, time.Now())
	g.metrics.GossipRounds.WithLabelValues("ok").Inc()
	return nil
}

// Handle answers a peer's round: it returns the local digest as it was
// before merging the peer's, then merges it and applies the hints carried
// for this replica.
func (g *Gossiper) Handle(msg GossipMessage) (Digest, error) {
	own := g.ring.Digest()

	evicted, err := g.ring.Merge(msg.Digest)
	if err != nil {
		return Digest{}, err
	}
	g.purge(evicted)

	self := g.ring.Self().ID
	for _, h := range msg.Hints {
		if h.TargetID != self {
			g.log.Warn("Dropping hint addressed to another replica",
				zap.String("target", h.TargetID), zap.String("key", h.Key))
			continue
		}
		applied, err := g.store.ApplyHint(h)
		if err != nil {
			g.log.Warn("Dropping invalid hint", zap.String("key", h.Key), zap.Error(err))
			continue
		}
		g.log.Debug("Hint applied",
			zap.Int("slot", h.Partition), zap.String("key", h.Key), zap.Bool("applied", applied))
	}

	g.refreshGauges()
	return own, nil
}

// LastContact returns, per peer, when the last successful round with it ended.
func (g *Gossiper) LastContact() map[string]time.Time {
	out := make(map[string]time.Time, g.lastContact.Size())
	g.lastContact.Range(func(id string, at time.Time) bool {
		out[id] = at
		return true
	})
	return out
}

// evict removes an unreachable peer locally and, best effort, from the
// coordinator. Hints held for it stay queued.
func (g *Gossiper) evict(ctx context.Context, peer Replica, cause error) {
	if !g.ring.Evict(peer.ID) {
		return
	}
	g.lastContact.Delete(peer.ID)
	g.metrics.Evictions.Inc()
	g.log.Warn("Evicted unreachable peer", zap.String("peer", peer.ID), zap.Error(cause))

	if g.registry == nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.registry.Deregister(dctx, peer); err != nil && !errors.Is(err, context.Canceled) {
		g.log.Warn("Deregister failed", zap.String("peer", peer.ID), zap.Error(err))
	}
}

// purge drops hints for replicas tombstoned by a merged digest.
func (g *Gossiper) purge(ids []string) {
	for _, id := range ids {
		g.lastContact.Delete(id)
		g.metrics.Evictions.Inc()
		if n := g.store.ClearHints(id); n > 0 {
			g.log.Info("Dropped hints for deleted replica", zap.String("id", id), zap.Int("count", n))
		}
	}
}

func (g *Gossiper) refreshGauges() {
	pending := 0
	for _, n := range g.store.PendingHints() {
		pending += n
	}
	g.metrics.PendingHints.Set(float64(pending))
	g.metrics.LiveReplicas.Set(float64(g.ring.LiveCount()))
}
