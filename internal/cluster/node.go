package cluster

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ringkv/internal/metrics"
	"ringkv/internal/store"
)

// Options configures a Node.
type Options struct {
	PeerTimeout    time.Duration
	GossipInterval time.Duration
	Registry       Deregisterer // optional
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Node is the replica handle: it owns the ring view, the store and the
// coordinators built on them, and is what the HTTP layer talks to.
type Node struct {
	ring       *Ring
	store      *store.Store
	peers      PeerClient
	replicator *Replicator
	gossiper   *Gossiper
	timeout    time.Duration
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// PutResult is the outcome of a client write. At most one of Conflict and
// Redirect is set; when neither is, Clock is the new version.
type PutResult struct {
	Clock    store.VectorClock
	Conflict store.VectorClock
	Redirect string
}

// Status is a point-in-time view of the replica for operators.
type Status struct {
	Self         Replica              `json:"self"`
	Params       Params               `json:"params"`
	Replicas     []Replica            `json:"replicas"`
	Deleted      []string             `json:"deleted"`
	Partitions   map[int]int          `json:"partitions"`
	PendingHints map[string]int       `json:"pendingHints"`
	LastContact  map[string]time.Time `json:"lastContact"`
}

// NewNode wires a replica together.
func NewNode(ring *Ring, st *store.Store, peers PeerClient, opts Options) *Node {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.PeerTimeout == 0 {
		opts.PeerTimeout = 5 * time.Second
	}
	if opts.GossipInterval == 0 {
		opts.GossipInterval = time.Second
	}

	log := opts.Logger.With(zap.String("replica", ring.Self().ID))
	n := &Node{
		ring:    ring,
		store:   st,
		peers:   peers,
		timeout: opts.PeerTimeout,
		log:     log,
		metrics: opts.Metrics,
	}
	n.replicator = NewReplicator(ring, st, peers, opts.PeerTimeout, log, opts.Metrics)
	n.gossiper = NewGossiper(ring, st, peers, opts.Registry, opts.GossipInterval, opts.PeerTimeout, log, opts.Metrics)
	n.metrics.LiveReplicas.Set(float64(ring.LiveCount()))
	return n
}

// Ring returns the local ring view.
func (n *Node) Ring() *Ring { return n.ring }

// Store returns the local store.
func (n *Node) Store() *store.Store { return n.store }

// Gossiper returns the gossip agent; callers run its loop.
func (n *Node) Gossiper() *Gossiper { return n.gossiper }

// Put handles a client's conditional add/remove.
//
// Steps:
//
// 1) Redirect if the slot is not ours.
// 2) Apply locally; a stale expected clock ends here with a conflict.
// 3) Fan the accepted write out and wait for the write quorum.
func (n *Node) Put(ctx context.Context, slot int, key string, op store.Op, item string, expected store.VectorClock) (PutResult, error) {
	if addr, owned := n.ring.CheckOwnership(slot); !owned {
		n.metrics.ClientWrites.WithLabelValues("redirect").Inc()
		return PutResult{Redirect: addr}, nil
	}

	res, err := n.store.Write(slot, key, op, item, expected)
	if err != nil {
		n.metrics.ClientWrites.WithLabelValues("error").Inc()
		return PutResult{}, err
	}
	if !res.Accepted() {
		n.metrics.ClientWrites.WithLabelValues("conflict").Inc()
		n.log.Debug("Stale write rejected", zap.Int("slot", slot), zap.String("key", key))
		return PutResult{Conflict: res.Conflict}, nil
	}

	acks := n.replicator.Replicate(ctx, slot, key, store.ReplicatedWrite{
		Op:    op,
		Item:  item,
		Clock: res.Clock,
	})
	n.metrics.ClientWrites.WithLabelValues("ok").Inc()
	n.log.Debug("Write accepted",
		zap.Int("slot", slot), zap.String("key", key), zap.String("op", string(op)), zap.Int("peer_acks", acks))
	return PutResult{Clock: res.Clock}, nil
}

// ApplyReplicate stores a write pushed by another coordinator. No ownership
// check: the coordinator chose us from its preference list.
func (n *Node) ApplyReplicate(slot int, key string, w store.ReplicatedWrite) (bool, error) {
	applied, err := n.store.ApplyReplicate(slot, key, w)
	if err != nil {
		return false, err
	}
	if applied {
		n.metrics.ReplicatedWrites.WithLabelValues("applied").Inc()
		n.log.Debug("Replicated write applied", zap.Int("slot", slot), zap.String("key", key))
	} else {
		n.metrics.ReplicatedWrites.WithLabelValues("dropped").Inc()
		n.log.Warn("Replicated write dropped, not causally newer",
			zap.Int("slot", slot), zap.String("key", key), zap.Any("clock", w.Clock))
	}
	return applied, nil
}

// Get gathers the versions of (slot, key). redirect is set when the slot
// is not ours; an empty versions list means not found.
func (n *Node) Get(ctx context.Context, slot int, key string) (versions []store.Snapshot, redirect string) {
	if addr, owned := n.ring.CheckOwnership(slot); !owned {
		n.metrics.ClientReads.WithLabelValues("redirect").Inc()
		return nil, addr
	}

	versions = n.replicator.Gather(ctx, slot, key)
	if len(versions) == 0 {
		n.metrics.ClientReads.WithLabelValues("not_found").Inc()
		return nil, ""
	}
	n.metrics.ClientReads.WithLabelValues("ok").Inc()
	n.metrics.ReadVersions.Observe(float64(len(versions)))
	return versions, ""
}

// InternalGet returns the local version only, for a peer's gather.
func (n *Node) InternalGet(slot int, key string) (snap store.Snapshot, found bool, redirect string) {
	if addr, owned := n.ring.CheckOwnership(slot); !owned {
		return store.Snapshot{}, false, addr
	}
	snap, found = n.store.Read(slot, key)
	return snap, found, ""
}

// Reconcile writes back a merged object.
//
// A snapshot marked replicated comes from another owner's fan-out and is
// stored as-is. Otherwise it is a client write-back: it must land on an
// owner, counts as a local mutation there and is fanned out as an
// unconditional overwrite.
func (n *Node) Reconcile(ctx context.Context, slot int, key string, snap store.Snapshot) (redirect string) {
	if snap.Replicated {
		n.store.Overwrite(slot, key, snap)
		n.log.Debug("Replicated overwrite stored", zap.Int("slot", slot), zap.String("key", key))
		return ""
	}

	if addr, owned := n.ring.CheckOwnership(slot); !owned {
		n.metrics.Reconciliations.WithLabelValues("redirect").Inc()
		return addr
	}

	out := n.store.Overwrite(slot, key, snap)
	acks := n.replicator.ReplicateOverwrite(ctx, slot, key, out)
	n.metrics.Reconciliations.WithLabelValues("ok").Inc()
	n.log.Info("Reconciled object written back",
		zap.Int("slot", slot), zap.String("key", key), zap.Any("clock", out.Clock), zap.Int("peer_acks", acks))
	return ""
}

// StashHint parks a hint another coordinator handed to us.
func (n *Node) StashHint(h store.Hint) {
	n.replicator.StashLocal(h)
}

// HandleGossip answers a peer's gossip round.
func (n *Node) HandleGossip(msg GossipMessage) (Digest, error) {
	return n.gossiper.Handle(msg)
}

// Digest returns the local membership digest.
func (n *Node) Digest() Digest {
	return n.ring.Digest()
}

// Transfer exports the partitions in [start, end] and ships them to the
// replica at address. With remove set the partitions leave this store; if
// the shipment fails they are put back, except for keys written meanwhile.
func (n *Node) Transfer(ctx context.Context, address string, start, end int, remove bool) (int, error) {
	buckets := n.store.ExportRange(start, end, n.ring.Params().Capacity, remove)

	tctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.peers.Transfer(tctx, address, buckets); err != nil {
		if remove {
			n.store.RestoreRange(buckets)
		}
		n.log.Error("Transfer failed",
			zap.String("to", address), zap.Int("start", start), zap.Int("end", end), zap.Error(err))
		return 0, fmt.Errorf("transfer [%d, %d] to %s: %w", start, end, address, err)
	}

	n.metrics.TransferredBuckets.WithLabelValues("out").Add(float64(len(buckets)))
	n.log.Info("Transferred partitions",
		zap.String("to", address), zap.Int("start", start), zap.Int("end", end),
		zap.Int("buckets", len(buckets)), zap.Bool("removed", remove))
	return len(buckets), nil
}

// Receive imports partitions shipped by another replica's Transfer.
func (n *Node) Receive(buckets []store.Bucket) {
	n.store.ImportRange(buckets)
	n.metrics.TransferredBuckets.WithLabelValues("in").Add(float64(len(buckets)))
	n.log.Info("Received partitions", zap.Int("buckets", len(buckets)))
}

// Status reports the replica's view of the cluster.
func (n *Node) Status() Status {
	d := n.ring.Digest()
	return Status{
		Self:         n.ring.Self(),
		Params:       n.ring.Params(),
		Replicas:     n.ring.Live(),
		Deleted:      d.Deleted,
		Partitions:   n.store.Partitions(),
		PendingHints: n.store.PendingHints(),
		LastContact:  n.gossiper.LastContact(),
	}
}
