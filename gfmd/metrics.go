package gfmd

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gfarm-project/gfmd-replicate/mdhost"
)

// Metrics exposes the replication-health instrumentation spec.md's ambient
// observability concerns call for: per-slave replication lag, synchronous-
// commit latency, live peer count, and async fan-out queue depth. Grounded
// on pkg/monitoring.MetricsCollector's registry-plus-MustRegister idiom; a
// private *prometheus.Registry is used instead of the package default so
// constructing more than one Metrics (as the tests do) never double-registers.
type Metrics struct {
	registry *prometheus.Registry

	replicationLag    *prometheus.GaugeVec
	syncCommitLatency prometheus.Histogram
	livePeers         prometheus.Gauge
	asyncQueueDepth   prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.replicationLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gfmd_replication_lag_records",
		Help: "Records by which a slave's last-acknowledged journal seqnum trails the master's.",
	}, []string{"host"})

	m.syncCommitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gfmd_sync_commit_seconds",
		Help:    "Time a synchronous-replication commit spent waiting on its quorum.",
		Buckets: prometheus.DefBuckets,
	})

	m.livePeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gfmd_live_peers",
		Help: "Peer-table entries not yet reclaimed by the closer.",
	})

	m.asyncQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gfmd_async_queue_depth",
		Help: "Hosts currently registered as asynchronous fan-out targets.",
	})

	m.registry.MustRegister(m.replicationLag, m.syncCommitLatency, m.livePeers, m.asyncQueueDepth)
	return m
}

// Handler serves this daemon's metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSyncCommit records one synchronous-quorum commit's latency.
func (m *Metrics) ObserveSyncCommit(d time.Duration) {
	m.syncCommitLatency.Observe(d.Seconds())
}

// Sample recomputes the poll-based gauges against current registry state.
// masterLastSeqnum is this process's own journal position (meaningful when
// self is master; zero lag is reported for every host otherwise, since a
// slave has no visibility into the master's true position between polls).
func (m *Metrics) Sample(reg *mdhost.Registry, masterLastSeqnum uint64, livePeers, asyncQueueDepth int) {
	self := reg.LookupSelf()
	selfIsMaster := self != nil && self.IsMaster()
	reg.ForEach(func(h *mdhost.Host) bool {
		if self == nil || h == self {
			return true
		}
		lag := int64(0)
		if selfIsMaster {
			if l := int64(masterLastSeqnum) - int64(h.LastFetchSeqnum()); l > 0 {
				lag = l
			}
		}
		m.replicationLag.WithLabelValues(h.Name()).Set(float64(lag))
		return true
	})
	m.livePeers.Set(float64(livePeers))
	m.asyncQueueDepth.Set(float64(asyncQueueDepth))
}
