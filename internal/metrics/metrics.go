package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	ActiveMonitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matsuri_active_monitors",
			Help: "Number of ingestion tasks currently registered with the supervisor",
		},
	)

	MonitorTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matsuri_monitor_transitions_total",
			Help: "Ingestion task state transitions",
		},
		[]string{"state"},
	)

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matsuri_events_ingested_total",
			Help: "Chat events forwarded to stream reports",
		},
		[]string{"type"},
	)

	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matsuri_fetch_errors_total",
			Help: "Chat endpoint fetch failures",
		},
		[]string{"kind"}, // "transient", "protocol"
	)

	AlertsRaised = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matsuri_alerts_total",
			Help: "Groups raised by notify rules",
		},
	)

	// Supervisor
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matsuri_supervisor_cycle_duration_seconds",
			Help:    "Duration of supervisor reconciliation cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	CycleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matsuri_supervisor_cycle_errors_total",
			Help: "Supervisor cycle step failures",
		},
		[]string{"step"}, // "rules", "directory"
	)

	ArchivedReports = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matsuri_archived_reports",
			Help: "Number of finished reports held in the in-memory archive",
		},
	)

	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matsuri_archive_writes_total",
			Help: "Finished reports handed to the archive store",
		},
		[]string{"backend", "result"},
	)

	// Snapshot cache
	SnapshotCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matsuri_snapshot_cache_hits_total",
			Help: "Live/archive JSON snapshot cache hits",
		},
		[]string{"view"},
	)

	SnapshotCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matsuri_snapshot_cache_misses_total",
			Help: "Live/archive JSON snapshot cache misses",
		},
		[]string{"view"},
	)

	// Directory
	DirectoryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matsuri_directory_requests_total",
			Help: "Requests to the live stream directory",
		},
		[]string{"endpoint", "result"},
	)

	// Alert fan-out
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matsuri_websocket_clients",
			Help: "Connected alert websocket clients",
		},
	)
)
