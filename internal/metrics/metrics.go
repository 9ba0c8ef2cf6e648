// Package metrics defines the Prometheus metrics exported by a replica.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "ringkv"
	subsystem = "replica"
)

// Fan-out paths used as the "path" label.
const (
	PathReplicate = "replicate"
	PathGather    = "gather"
	PathOverwrite = "overwrite"
)

// Metrics holds all Prometheus metrics for one replica.
type Metrics struct {
	// Client-facing requests
	ClientWrites    *prometheus.CounterVec // result: ok | conflict | redirect | error
	ClientReads     *prometheus.CounterVec // result: ok | not_found | redirect
	Reconciliations *prometheus.CounterVec // result: ok | redirect
	ReadVersions    prometheus.Histogram

	// Replica-to-replica
	ReplicatedWrites *prometheus.CounterVec // result: applied | dropped
	FanoutAttempts   *prometheus.CounterVec // path, outcome: ok | error
	FanoutDuration   *prometheus.HistogramVec

	// Hinted handoff
	HintsStashed   prometheus.Counter
	HintsDelivered prometheus.Counter
	PendingHints   prometheus.Gauge

	// Membership
	GossipRounds *prometheus.CounterVec // outcome: ok | failed | idle
	Evictions    prometheus.Counter
	LiveReplicas prometheus.Gauge

	// Anti-entropy
	TransferredBuckets *prometheus.CounterVec // direction: out | in
}

// New creates all metrics and registers them with reg.
// Tests pass a fresh prometheus.NewRegistry() so repeated construction does
// not collide on the default registry.
func New(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	f := promauto.With(reg)

	return &Metrics{
		ClientWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "client_writes_total",
			Help:        "Conditional client writes by result",
			ConstLabels: labels,
		}, []string{"result"}),
		ClientReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "client_reads_total",
			Help:        "Client reads by result",
			ConstLabels: labels,
		}, []string{"result"}),
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "reconciliations_total",
			Help:        "Reconciliation write-backs by result",
			ConstLabels: labels,
		}, []string{"result"}),
		ReadVersions: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "read_versions",
			Help:        "Number of distinct versions returned by a read",
			ConstLabels: labels,
			Buckets:     []float64{1, 2, 3, 4, 6, 8},
		}),
		ReplicatedWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "replicated_writes_total",
			Help:        "Writes pushed by other coordinators, applied or dropped as not causally newer",
			ConstLabels: labels,
		}, []string{"result"}),
		FanoutAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "fanout_attempts_total",
			Help:        "Peer requests issued by fan-outs",
			ConstLabels: labels,
		}, []string{"path", "outcome"}),
		FanoutDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "fanout_quorum_seconds",
			Help:        "Time until a fan-out reached its required attempt count",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"path"}),
		HintsStashed: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "hints_stashed_total",
			Help:        "Hinted writes stored on this replica",
			ConstLabels: labels,
		}),
		HintsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "hints_delivered_total",
			Help:        "Hinted writes handed to their target through gossip",
			ConstLabels: labels,
		}),
		PendingHints: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "pending_hints",
			Help:        "Hinted writes waiting for their target",
			ConstLabels: labels,
		}),
		GossipRounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gossip_rounds_total",
			Help:        "Gossip rounds by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "evictions_total",
			Help:        "Replicas removed from the ring",
			ConstLabels: labels,
		}),
		LiveReplicas: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "live_replicas",
			Help:        "Replicas currently on the local ring view",
			ConstLabels: labels,
		}),
		TransferredBuckets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "transferred_buckets_total",
			Help:        "Partitions moved by anti-entropy transfers",
			ConstLabels: labels,
		}, []string{"direction"}),
	}
}

// NewNop returns metrics registered on a private registry, for tests and
// tools that do not expose /metrics.
func NewNop() *Metrics {
	return New("", prometheus.NewRegistry())
}
