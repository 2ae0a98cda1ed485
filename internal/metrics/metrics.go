// Package metrics holds the Prometheus collectors for the sync runtime and
// the /metrics handler serving them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection lifecycle
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dw_connections_active",
		Help: "Current number of live client sessions",
	})
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dw_connections_total",
		Help: "Total client sessions accepted",
	})
	ConnectionsRefused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dw_connections_refused_total",
		Help: "Connections refused before upgrade, by reason",
	}, []string{"reason"})

	// Frame traffic
	FramesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dw_frames_in_total",
		Help: "Frames received from clients",
	})
	FramesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dw_frames_out_total",
		Help: "Frames sent to clients",
	})
	BytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dw_bytes_out_total",
		Help: "Bytes written to clients",
	})
	ErrorFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dw_error_frames_total",
		Help: "Error frames sent, by wire error code",
	}, []string{"code"})

	// Slow-client policy
	SlowClientStrikes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dw_slow_client_strikes_total",
		Help: "Egress enqueue failures due to a full send buffer",
	})
	SlowClientDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dw_slow_client_disconnects_total",
		Help: "Sessions closed after repeated send buffer overruns",
	})

	// Store and fan-out
	Emits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dw_emits_total",
		Help: "Entity emits, partitioned by whether state changed",
	}, []string{"changed"})
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dw_subscriptions_active",
		Help: "Current number of live subscriptions",
	})
	BroadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dw_broadcast_fanout",
		Help:    "Subscribers reached per broadcast",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
	UpdateStrategies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dw_update_strategies_total",
		Help: "Per-field updates sent, by encoding strategy",
	}, []string{"strategy"})
	BroadcastFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dw_broadcast_fallbacks_total",
		Help: "Per-subscriber diff failures recovered with a full value frame",
	})

	// Op-log occupancy
	OplogEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dw_oplog_entries",
		Help: "Patch entries currently retained",
	})
	OplogBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dw_oplog_bytes",
		Help: "Approximate bytes retained by the op-log",
	})
	OplogEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dw_oplog_evictions_total",
		Help: "Entries evicted from the op-log, by bound",
	}, []string{"reason"})

	// Reconnect protocol
	ReconnectResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dw_reconnect_results_total",
		Help: "Per-subscription reconnect decisions, by status",
	}, []string{"status"})
	ReconnectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dw_reconnect_duration_seconds",
		Help:    "Wall time to process one reconnect request",
		Buckets: prometheus.DefBuckets,
	})

	// Ingest
	IngestRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dw_ingest_records_total",
		Help: "Emit records consumed from external buses, by source",
	}, []string{"source"})
	LaneDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dw_lane_depth",
		Help: "Total tasks queued across ingest work lanes",
	})

	PanicsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dw_panics_recovered_total",
		Help: "Goroutine panics caught by recovery handlers",
	})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		ConnectionsActive, ConnectionsTotal, ConnectionsRefused,
		FramesIn, FramesOut, BytesOut, ErrorFrames,
		SlowClientStrikes, SlowClientDisconnects,
		Emits, SubscriptionsActive, BroadcastFanout, UpdateStrategies, BroadcastFallbacks,
		OplogEntries, OplogBytes, OplogEvictions,
		ReconnectResults, ReconnectDuration,
		IngestRecords, LaneDepth, PanicsRecovered,
	)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the registry for Prometheus scrapes.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
