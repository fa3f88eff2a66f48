package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sentinel metrics for production monitoring
var (
	// Detection metrics
	SamplesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_samples_processed_total",
			Help: "Total number of samples run through the detection ensemble",
		},
		[]string{"kind"}, // kind: single/multi/skipped
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_anomalies_detected_total",
			Help: "Total number of anomalous verdicts",
		},
		[]string{"severity", "consensus"},
	)

	StrategyVotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_strategy_votes_total",
			Help: "Total number of anomaly votes cast per strategy",
		},
		[]string{"strategy"},
	)

	DetectionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_detection_latency_seconds",
			Help:    "Per-sample ensemble latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10µs to ~80ms
		},
	)

	// Model metrics
	ModelRetrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_model_retrains_total",
			Help: "Total number of isolation forest builds",
		},
		[]string{"trigger"}, // trigger: stream/initialize
	)

	ModelVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_model_version",
			Help: "Version of the installed isolation forest (0 when untrained)",
		},
	)

	TrackedServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_tracked_servers",
			Help: "Number of servers with buffered history",
		},
	)

	// Pipeline metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_ingest_queue_depth",
			Help: "Samples waiting in the asynchronous ingest queue",
		},
	)

	QueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_ingest_queue_dropped_total",
			Help: "Samples rejected because the ingest queue was full",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_store_errors_total",
			Help: "Total number of persistence failures",
		},
		[]string{"store", "op"},
	)

	RetentionPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_retention_pruned_total",
			Help: "Stored samples removed by retention sweeps",
		},
	)

	ForecastRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_forecast_requests_total",
			Help: "Total number of forecast requests",
		},
		[]string{"metric", "status"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"route", "code"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_http_rate_limited_total",
			Help: "Ingestion requests rejected by the per-client rate limit",
		},
	)
)
