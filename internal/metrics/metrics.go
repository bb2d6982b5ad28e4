package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "areastate"

var (
	RaftIsLeader = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "is_leader",
		Help:      "Whether this node leads the area's group (1=leader, 0=follower)",
	}, []string{"area"})

	RaftTerm = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "term",
		Help:      "Current Raft term per area",
	}, []string{"area"})

	RaftCommitIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "commit_index",
		Help:      "Current Raft commit index per area",
	}, []string{"area"})

	RaftAppliedIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "applied_index",
		Help:      "Last applied Raft index per area",
	}, []string{"area"})

	RaftSnapshotIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "snapshot_index",
		Help:      "Last snapshot index per area",
	}, []string{"area"})

	RaftVoters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "voters",
		Help:      "Number of voters in the area's group",
	}, []string{"area"})

	RaftLeaderChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "leader_changes_total",
		Help:      "Observed leader changes per area",
	}, []string{"area"})

	RaftMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "messages_total",
		Help:      "Total Raft messages sent/received",
	}, []string{"direction", "type"})

	RaftMessageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "message_errors_total",
		Help:      "Total Raft message send errors",
	}, []string{"peer_id"})

	RaftMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "messages_dropped_total",
		Help:      "Inbound messages dropped before reaching Raft",
	}, []string{"reason"})

	ProposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proposal",
		Name:      "total",
		Help:      "Proposals by terminal outcome",
	}, []string{"area", "outcome"})

	ProposalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "proposal",
		Name:      "duration_seconds",
		Help:      "Time from submit to terminal outcome",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"area"})

	ProposalsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proposal",
		Name:      "in_flight",
		Help:      "Proposals awaiting a terminal outcome",
	})

	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "total",
		Help:      "Snapshots by kind (taken, installed, corrupt)",
	}, []string{"area", "kind"})

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "duration_seconds",
		Help:      "Time to take and persist a snapshot",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	SnapshotSizeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "size_bytes",
		Help:      "Size of the last snapshot state blob",
	}, []string{"area"})

	LogTruncations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "log",
		Name:      "truncations_total",
		Help:      "Committed-log truncations after a snapshot barrier",
	}, []string{"area"})

	MembershipNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "membership",
		Name:      "nodes",
		Help:      "Known nodes by liveness status",
	}, []string{"status"})

	EquivocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "membership",
		Name:      "equivocations_total",
		Help:      "Equivocation evidence accepted",
	})

	NodesBanned = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "membership",
		Name:      "banned_nodes",
		Help:      "Nodes currently banned",
	})

	AreasHosted = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "areas_hosted",
		Help:      "Areas this node replicates",
	})

	AreasDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "areas_degraded",
		Help:      "Areas with fewer eligible replicas than the minimum quorum",
	})

	ResolverActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "actions_total",
		Help:      "Conflict resolution actions taken",
	}, []string{"action"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "State cache lookups",
	}, []string{"result"})

	TransportQueueDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "queue_dropped_total",
		Help:      "Envelopes dropped because a peer queue was full",
	}, []string{"peer_id"})

	PeerDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "peer",
		Name:      "deliveries_total",
		Help:      "Inbound peer envelope deliveries by RPC method, envelope kind and status code",
	}, []string{"method", "kind", "code"})

	PeerDeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "peer",
		Name:      "delivery_duration_seconds",
		Help:      "Time to hand an inbound envelope to the local host",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"method", "kind"})

	WALWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "writes_total",
		Help:      "Total WAL writes",
	})

	WALWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "write_duration_seconds",
		Help:      "WAL write duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	WALSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "sync_duration_seconds",
		Help:      "WAL sync duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})
)

var areaVecs = []*prometheus.GaugeVec{
	RaftIsLeader, RaftTerm, RaftCommitIndex, RaftAppliedIndex, RaftSnapshotIndex, RaftVoters, SnapshotSizeBytes,
}

// ForgetArea drops per-area gauge series once the node stops hosting it.
func ForgetArea(area string) {
	for _, v := range areaVecs {
		v.DeleteLabelValues(area)
	}
}
