// Package metrics exposes the client's Prometheus instrumentation,
// generalizing the teacher's broker-side counters to the client/transfer
// domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesSent/FramesReceived count MQTT-SN frames by message type name.
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picosn_frames_sent_total",
			Help: "Total number of MQTT-SN frames sent, by message type",
		},
		[]string{"type"},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "picosn_frames_received_total",
			Help: "Total number of MQTT-SN frames received, by message type",
		},
		[]string{"type"},
	)

	// PubAckTimeouts counts QoS 1/2 publishes that exhausted the pending
	// retry budget without an ack.
	PubAckTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "picosn_puback_timeouts_total",
		Help: "Total number of PUBLISH operations that failed after exhausting the retry budget",
	})

	// QueueDrops counts inbound frames dropped because the bounded inbound
	// queue was full.
	QueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "picosn_queue_drops_total",
		Help: "Total number of inbound frames dropped due to a full inbound queue",
	})

	// MalformedFrames counts frames that failed to decode.
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "picosn_malformed_frames_total",
		Help: "Total number of inbound frames discarded for failing to decode",
	})

	// RetransmitRequests/RetransmitFulfilments track NACK traffic.
	RetransmitRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "picosn_retransmit_requests_total",
		Help: "Total number of NACK requests sent by the block-transfer receiver",
	})

	RetransmitFulfilments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "picosn_retransmit_fulfilments_total",
		Help: "Total number of chunks resent in response to NACK requests",
	})

	// ActiveAssemblyBytes/SenderCacheBytes give heap-ceiling visibility into
	// the ~120KB per-transfer budget (spec.md §5).
	ActiveAssemblyBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picosn_active_assembly_bytes",
		Help: "Size in bytes of the block-transfer receiver's current assembly buffer",
	})

	SenderCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picosn_sender_cache_bytes",
		Help: "Size in bytes of the block-transfer sender's active transfer cache",
	})

	// BlockTransfersCompleted/BlockTransfersAbandoned count transfer
	// outcomes.
	BlockTransfersCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "picosn_block_transfers_completed_total",
		Help: "Total number of block transfers that completed and were written to disk",
	})

	BlockTransfersAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "picosn_block_transfers_abandoned_total",
		Help: "Total number of block transfers abandoned after 60s with no progress",
	})

	// PubAckLatencySeconds tracks round-trip time between a QoS 1/2
	// PUBLISH and its final acknowledgment, surfacing the original
	// firmware's latency statistics (spec.md §9 supplemented features).
	PubAckLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "picosn_puback_latency_seconds",
		Help:    "Round-trip latency between a QoS 1/2 PUBLISH and its final acknowledgment",
		Buckets: prometheus.DefBuckets,
	})

	// BlockTransferProgressRatio reports the most recently reported
	// fraction (0.0-1.0) of chunks sent for the active block transfer.
	BlockTransferProgressRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picosn_block_transfer_progress_ratio",
		Help: "Fraction of chunks sent for the active block transfer",
	})
)
