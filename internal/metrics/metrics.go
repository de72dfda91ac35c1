package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for agentdesk
type Metrics struct {
	// API metrics
	APIRequestsTotal     *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
	APIErrorsTotal       *prometheus.CounterVec
	APIActiveConnections prometheus.Gauge

	// Storage metrics
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	CatalogCacheResults      *prometheus.CounterVec
	DBSize                   prometheus.Gauge
	ViewedLedgerSize         prometheus.Gauge

	// Router metrics
	RouterTopicsActive         prometheus.Gauge
	RouterConsumersActive      prometheus.Gauge
	RouterBackendSubscriptions prometheus.Counter
	RouterFanoutsTotal         *prometheus.CounterVec
	RouterCoalescedTotal       prometheus.Counter
	RouterErrorsTotal          prometheus.Counter

	// Backend metrics
	BackendMessagesTotal *prometheus.CounterVec

	// Pause metrics
	PauseTransitionsTotal       *prometheus.CounterVec
	PauseCommandErrorsTotal     *prometheus.CounterVec
	PauseHistoryWriteFailures   prometheus.Counter
	PauseStaleCompletionsTotal  prometheus.Counter
	PauseSessionDurationSeconds prometheus.Histogram

	// Notifier metrics
	NotifierEventsTotal       *prometheus.CounterVec
	NotifierSoundFailures     prometheus.Counter
	NotifierPushFailures      prometheus.Counter
	NotifierConnectionsActive prometheus.Gauge
	NotifierFramesPublished   *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentdesk_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	m.APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_api_errors_total",
			Help: "Total number of API errors",
		},
		[]string{"method", "path", "error_type"},
	)

	m.APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdesk_api_active_connections",
			Help: "Number of active API connections",
		},
	)

	// Storage metrics
	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_storage_operations_total",
			Help: "Total number of local storage operations",
		},
		[]string{"operation", "success"},
	)

	m.StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentdesk_storage_operation_duration_seconds",
			Help:    "Duration of local storage operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	m.CatalogCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_catalog_cache_results_total",
			Help: "Reason catalog lookups by result",
		},
		[]string{"result"}, // hit, miss, fallback
	)

	m.DBSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdesk_db_size_bytes",
			Help: "Size of the local database in bytes",
		},
	)

	m.ViewedLedgerSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdesk_viewed_ledger_entries",
			Help: "Number of message ids held by the viewed ledger",
		},
	)

	// Router metrics
	m.RouterTopicsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdesk_router_topics_active",
			Help: "Number of topics with at least one consumer",
		},
	)

	m.RouterConsumersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdesk_router_consumers_active",
			Help: "Number of attached consumers across all topics",
		},
	)

	m.RouterBackendSubscriptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdesk_router_backend_subscriptions_total",
			Help: "Total number of backend subscriptions opened",
		},
	)

	m.RouterFanoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_router_fanouts_total",
			Help: "Total number of fan-outs to consumers",
		},
		[]string{"mode"}, // immediate, debounced, replay
	)

	m.RouterCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdesk_router_coalesced_total",
			Help: "Backend pushes folded into an already scheduled fan-out",
		},
	)

	m.RouterErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdesk_router_errors_total",
			Help: "Total number of errors forwarded to consumers",
		},
	)

	// Backend metrics
	m.BackendMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_backend_messages_total",
			Help: "Messages received from the backend by topic prefix",
		},
		[]string{"prefix", "outcome"}, // outcome: decoded, invalid
	)

	// Pause metrics
	m.PauseTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_pause_transitions_total",
			Help: "Pause lifecycle state transitions",
		},
		[]string{"from", "to"},
	)

	m.PauseCommandErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_pause_command_errors_total",
			Help: "Pause commands that failed against a collaborator",
		},
		[]string{"command"},
	)

	m.PauseHistoryWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdesk_pause_history_write_failures_total",
			Help: "History appends that failed",
		},
	)

	m.PauseStaleCompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdesk_pause_stale_completions_total",
			Help: "Asynchronous completions discarded because the state moved on",
		},
	)

	m.PauseSessionDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentdesk_pause_session_duration_seconds",
			Help:    "Length of ended pause sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10), // from 30s to ~4h
		},
	)

	// Notifier metrics
	m.NotifierEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_notifier_events_total",
			Help: "Notification events by outcome and channel",
		},
		[]string{"outcome", "channel"}, // outcome: delivered, suppressed
	)

	m.NotifierSoundFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdesk_notifier_sound_failures_total",
			Help: "Sound playbacks that failed",
		},
	)

	m.NotifierPushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdesk_notifier_push_failures_total",
			Help: "System notifications that failed and degraded to in-app",
		},
	)

	m.NotifierConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdesk_notifier_connections_active",
			Help: "Number of active UI stream connections",
		},
	)

	m.NotifierFramesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_notifier_frames_published_total",
			Help: "Frames written to UI stream clients",
		},
		[]string{"type"}, // snapshot, banner, sound, push
	)

	return m
}

// Value returns the current value of a counter or gauge (for testing).
func Value(c prometheus.Metric) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}
