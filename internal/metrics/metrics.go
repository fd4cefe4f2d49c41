// Package metrics exposes the engine's live counters and gauges using
// the promauto style.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every prometheus collector the engine updates: messages
// sent/received, consensus decision latency, vote counts, checkpoint and
// CST round counters, and connected-peer gauge.
type Metrics struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec

	consensusLatency prometheus.Histogram
	decidedTotal      prometheus.Counter
	prepareVotes      prometheus.Histogram
	commitVotes       prometheus.Histogram

	checkpointsTotal prometheus.Counter
	cstRoundsTotal   *prometheus.CounterVec

	connectedPeers prometheus.Gauge
}

// NewMetrics registers and returns a fresh Metrics instance. Each process
// must call this at most once per registry (the default promauto registry
// here).
func NewMetrics() *Metrics {
	return &Metrics{
		messagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bft_messages_sent_total",
			Help: "Total number of wire messages sent, by system message kind.",
		}, []string{"kind"}),

		messagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bft_messages_received_total",
			Help: "Total number of wire messages received, by system message kind.",
		}, []string{"kind"}),

		consensusLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bft_consensus_latency_seconds",
			Help:    "Time from PrePrepare broadcast to Decided for a sequence number.",
			Buckets: prometheus.DefBuckets,
		}),

		decidedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bft_decided_total",
			Help: "Total number of consensus instances that reached Decided.",
		}),

		prepareVotes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bft_prepare_votes",
			Help:    "Number of Prepare votes observed before quorum per instance.",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15},
		}),

		commitVotes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bft_commit_votes",
			Help:    "Number of Commit votes observed before quorum per instance.",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15},
		}),

		checkpointsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bft_checkpoints_total",
			Help: "Total number of checkpoints finalized.",
		}),

		cstRoundsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bft_cst_rounds_total",
			Help: "Total number of CST recovery rounds, by phase.",
		}, []string{"phase"}),

		connectedPeers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bft_connected_peers",
			Help: "Current number of connected replica peers.",
		}),
	}
}

func (m *Metrics) MessageSent(kind string)     { m.messagesSent.WithLabelValues(kind).Inc() }
func (m *Metrics) MessageReceived(kind string) { m.messagesReceived.WithLabelValues(kind).Inc() }

func (m *Metrics) ObserveConsensusLatency(d time.Duration) {
	m.consensusLatency.Observe(d.Seconds())
	m.decidedTotal.Inc()
}

func (m *Metrics) ObservePrepareVotes(n int) { m.prepareVotes.Observe(float64(n)) }
func (m *Metrics) ObserveCommitVotes(n int)  { m.commitVotes.Observe(float64(n)) }

func (m *Metrics) CheckpointFinalized() { m.checkpointsTotal.Inc() }

func (m *Metrics) CstRound(phase string) { m.cstRoundsTotal.WithLabelValues(phase).Inc() }

func (m *Metrics) SetConnectedPeers(n int) { m.connectedPeers.Set(float64(n)) }
