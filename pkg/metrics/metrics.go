package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WebhookEventsTotal is the per-event operability contract: every branch
	// of event handling increments it with {origin, tenant_id, instance_id,
	// result, reason}.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of WhatsApp events processed per origin and outcome (count)",
		},
		[]string{"origin", "tenant_id", "instance_id", "result", "reason"},
	)

	WebhookRequestsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_rejected_total",
			Help: "Total number of webhook requests rejected before event handling (count)",
		},
		[]string{"reason"},
	)

	WebhookRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_request_duration_ms",
			Help:    "Webhook request handling duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"status"},
	)

	IdempotencyChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_checks_total",
			Help: "Total number of idempotency checks (count)",
		},
		[]string{"status"},
	)

	IdempotencyCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "idempotency_cache_size",
			Help: "Approximate number of live idempotency keys (count)",
		},
	)

	AckUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ack_updates_total",
			Help: "Total number of delivery ack updates processed per outcome (count)",
		},
		[]string{"result"},
	)

	PollChoiceOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_choice_outcomes_total",
			Help: "Total number of poll vote events per terminal outcome (count)",
		},
		[]string{"outcome", "reason"},
	)

	PollRewriteRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_rewrite_retries_total",
			Help: "Total number of deferred poll message rewrite retries (count)",
		},
		[]string{"result"},
	)

	IngestQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Current number of jobs waiting in the ingestion queue (count)",
		},
	)

	IngestQueueWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_queue_wait_duration_ms",
			Help:    "Duration jobs wait in the ingestion queue before processing in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)

	IngestJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_jobs_total",
			Help: "Total number of ingestion jobs consumed per outcome (count)",
		},
		[]string{"result"},
	)

	PollerBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_batches_total",
			Help: "Total number of broker fetch cycles per outcome (count)",
		},
		[]string{"result"},
	)

	PollerEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poller_events_total",
			Help: "Total number of events pulled from the broker event log (count)",
		},
	)

	PollerFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poller_fetch_duration_ms",
			Help:    "Broker fetch duration in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)

	InstanceMappingWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instance_mapping_writes_total",
			Help: "Total number of instance mapping creations and broker id updates (count)",
		},
		[]string{"kind"},
	)

	ExportMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_messages_total",
			Help: "Total number of normalized messages published to the export topic (count)",
		},
		[]string{"status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "operation"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of fallback decisions taken on dependency errors (count)",
		},
		[]string{"component", "action", "error"},
	)
)

func RegisterIngestMetrics() {
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(WebhookRequestsRejectedTotal)
	prometheus.MustRegister(WebhookRequestDuration)
	prometheus.MustRegister(IdempotencyChecksTotal)
	prometheus.MustRegister(IdempotencyCacheSize)
	prometheus.MustRegister(AckUpdatesTotal)
	prometheus.MustRegister(PollChoiceOutcomesTotal)
	prometheus.MustRegister(PollRewriteRetriesTotal)
	prometheus.MustRegister(IngestQueueDepth)
	prometheus.MustRegister(IngestQueueWaitDuration)
	prometheus.MustRegister(IngestJobsTotal)
	prometheus.MustRegister(InstanceMappingWritesTotal)
	prometheus.MustRegister(RateLimitRequestsTotal)
	prometheus.MustRegister(FallbackUsageTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
}

func RegisterPollerMetrics() {
	prometheus.MustRegister(PollerBatchesTotal)
	prometheus.MustRegister(PollerEventsTotal)
	prometheus.MustRegister(PollerFetchDuration)
}

func RegisterExportMetrics() {
	prometheus.MustRegister(ExportMessagesTotal)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

// IncEvent records one event outcome on the shared operability contract.
func IncEvent(origin, tenantID, instanceID, result, reason string) {
	if tenantID == "" {
		tenantID = "unknown"
	}
	if instanceID == "" {
		instanceID = "unknown"
	}
	WebhookEventsTotal.WithLabelValues(origin, tenantID, instanceID, result, reason).Inc()
}

func ObserveWebhookDuration(duration time.Duration, status string) {
	WebhookRequestDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func ObserveQueueWait(duration time.Duration) {
	IngestQueueWaitDuration.Observe(float64(duration.Milliseconds()))
}

func ObservePollerFetch(duration time.Duration) {
	PollerFetchDuration.Observe(float64(duration.Milliseconds()))
}

func SetQueueDepth(depth int) {
	IngestQueueDepth.Set(float64(depth))
}

func SetIdempotencyCacheSize(size int) {
	IdempotencyCacheSize.Set(float64(size))
}
