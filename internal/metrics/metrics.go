// Package metrics declares Bufferbane's prometheus metrics, grouped the
// way internal/collector/metrics.go groups the internet-latency-collector's:
// a build-info gauge plus one vec per subsystem, all via promauto so
// registration happens on package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bufferbane_build_info",
		Help: "Build information of the bufferbane binary",
	}, []string{"version", "commit", "date"})

	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bufferbane_probes_total",
		Help: "Total probes attempted, by kind and outcome",
	}, []string{"kind", "target", "status"})

	ProbeRTTSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bufferbane_probe_rtt_seconds",
		Help:    "Observed probe round-trip time",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"kind", "target"})

	SyncQuality = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bufferbane_sync_quality",
		Help: "Current time-sync estimator quality score (0-100)",
	}, []string{"target"})

	SyncEstablishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bufferbane_sync_established_total",
		Help: "Total sync_established transitions observed",
	}, []string{"target"})

	SyncLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bufferbane_sync_lost_total",
		Help: "Total sync_lost transitions observed",
	}, []string{"target"})

	NonceReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bufferbane_nonce_replays_total",
		Help: "Total ECHO_REQ packets rejected as nonce replays",
	}, []string{"remote_addr"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bufferbane_sessions_active",
		Help: "Currently active server sessions",
	})

	SessionsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bufferbane_sessions_dropped_total",
		Help: "Total KNOCKs silently dropped because the session table was at capacity",
	})

	StorageWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bufferbane_storage_writes_total",
		Help: "Total storage batch writes, by outcome",
	}, []string{"status"})

	StorageBackpressureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bufferbane_storage_backpressure_total",
		Help: "Total measurements dropped because the writer channel was saturated",
	})

	MeasurementChannelDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bufferbane_measurement_channel_depth",
		Help: "Current number of buffered measurements awaiting a storage write",
	})
)
