// Package metrics exposes the storage node's operational counters as
// Prometheus metrics, generalizing the teacher's per-peer labeled
// collector to this domain's peers/transfers/bytes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "p2pnode"
	subsystem = "storage"
)

// Label names for storage-node metrics.
const (
	labelRemote = "remote"
	labelStatus = "status"
)

// -------------------------------------------------------------------------
// Collector — Prometheus storage-node metrics
// -------------------------------------------------------------------------

// Collector holds all node-level Prometheus metrics.
//
//   - Peers gauges track currently connected remote peers.
//   - Transfer counters track started/completed/failed/canceled fragment
//     sends.
//   - BytesSent counts streamed fragment bytes, for throughput dashboards.
//   - FragmentsIndexed tracks the size of the local fragment inventory.
type Collector struct {
	// PeersConnected tracks the number of peer sessions currently in
	// the READY state. Incremented on data-channel open, decremented on
	// teardown.
	PeersConnected prometheus.Gauge

	// TransfersStarted counts every fragment send that passed its
	// pre-flight gates and began streaming.
	TransfersStarted prometheus.Counter

	// TransfersFinished counts terminal transfer outcomes, labeled by
	// status (completed, failed, canceled).
	TransfersFinished *prometheus.CounterVec

	// BytesSent counts fragment payload bytes written to data channels,
	// labeled by remote peer id.
	BytesSent *prometheus.CounterVec

	// FragmentsIndexed reports the current size of the fragment index.
	FragmentsIndexed prometheus.Gauge
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "p2pnode_storage_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PeersConnected,
		c.TransfersStarted,
		c.TransfersFinished,
		c.BytesSent,
		c.FragmentsIndexed,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers_connected",
			Help:      "Number of peer sessions currently in the READY state.",
		}),

		TransfersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfers_started_total",
			Help:      "Total fragment transfers that passed pre-flight gates and began streaming.",
		}),

		TransfersFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfers_finished_total",
			Help:      "Total fragment transfers reaching a terminal status, labeled by outcome.",
		}, []string{labelStatus}),

		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_sent_total",
			Help:      "Total fragment payload bytes streamed to peers.",
		}, []string{labelRemote}),

		FragmentsIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fragments_indexed",
			Help:      "Number of fragment ids currently present in the local index.",
		}),
	}
}

// -------------------------------------------------------------------------
// Peer Lifecycle
// -------------------------------------------------------------------------

// PeerConnected increments the connected-peers gauge. Called when a
// peer session's data channel opens.
func (c *Collector) PeerConnected() {
	c.PeersConnected.Inc()
}

// PeerDisconnected decrements the connected-peers gauge. Called once
// per peer teardown.
func (c *Collector) PeerDisconnected() {
	c.PeersConnected.Dec()
}

// -------------------------------------------------------------------------
// Transfers
// -------------------------------------------------------------------------

// TransferStarted increments the started-transfers counter.
func (c *Collector) TransferStarted() {
	c.TransfersStarted.Inc()
}

// TransferFinished increments the finished-transfers counter labeled by
// status (completed, failed, canceled) and, whatever the status, adds
// any non-zero bytes sent for remote to BytesSent.
func (c *Collector) TransferFinished(remote, status string, bytesSent int64) {
	c.TransfersFinished.WithLabelValues(status).Inc()
	if bytesSent > 0 {
		c.BytesSent.WithLabelValues(remote).Add(float64(bytesSent))
	}
}

// -------------------------------------------------------------------------
// Fragment Index
// -------------------------------------------------------------------------

// SetFragmentsIndexed records the current size of the fragment index.
func (c *Collector) SetFragmentsIndexed(n int) {
	c.FragmentsIndexed.Set(float64(n))
}
