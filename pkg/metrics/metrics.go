package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Total number of webhook requests by outcome (count)",
		},
		[]string{"channel", "outcome"},
	)

	WebhookAdmissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_admission_duration_ms",
			Help:    "Duration of the verify, admit and enqueue path in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"channel"},
	)

	OutboundRateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_rate_limit_decisions_total",
			Help: "Total number of outbound rate limiter decisions (count)",
		},
		[]string{"endpoint", "decision"},
	)

	RateLimitFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_flushes_total",
			Help: "Total number of rate limit window write-backs to the durable store (count)",
		},
		[]string{"granularity", "status"},
	)

	IngestMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Total number of canonical messages handled by the processor (count)",
		},
		[]string{"channel", "status"},
	)

	PipelineProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_processing_duration_ms",
			Help:    "Processing duration per envelope in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"kind", "status"},
	)

	RuleEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_evaluations_total",
			Help: "Total number of rule evaluations by action and result (count)",
		},
		[]string{"action", "result"},
	)

	RulesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rules_active",
			Help: "Number of active rules in the cache (count)",
		},
	)

	FlowEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_events_total",
			Help: "Total number of channel events seen by the flow engine (count)",
		},
		[]string{"event", "outcome"},
	)

	FlowLifecycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_lifecycle_total",
			Help: "Total number of flow starts and completions (count)",
		},
		[]string{"stage"},
	)

	OutboundSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_sends_total",
			Help: "Total number of outbound sends by channel (count)",
		},
		[]string{"channel", "status"},
	)

	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polls_total",
			Help: "Total number of account polls by outcome (count)",
		},
		[]string{"channel", "status"},
	)

	PollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poll_duration_ms",
			Help:    "Duration of one account poll in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"channel"},
	)

	PollMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_messages_total",
			Help: "Total number of messages found by polling (count)",
		},
		[]string{"channel", "status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
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
			Help: "Total number of ingress requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"service", "strategy", "reason"},
	)

	BrokerMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_written_total",
			Help: "Total number of envelopes written to the broker (count)",
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)
)

// register tolerates collectors that are already registered, so services can
// share Register* helpers without panicking.
func register(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			panic(err)
		}
	}
}

func RegisterGatewayMetrics() {
	register(
		WebhookRequestsTotal,
		WebhookAdmissionDuration,
		RateLimitRequestsTotal,
		BrokerMessagesWrittenTotal,
	)
}

func RegisterProcessorMetrics() {
	register(
		IngestMessagesTotal,
		PipelineProcessingDuration,
		RuleEvaluationsTotal,
		RulesActive,
		FlowEventsTotal,
		FlowLifecycleTotal,
		OutboundSendsTotal,
		OutboundRateLimitDecisionsTotal,
		RateLimitFlushesTotal,
		FallbackUsageTotal,
	)
}

func RegisterPollerMetrics() {
	register(
		PollsTotal,
		PollDuration,
		PollMessagesTotal,
		BrokerMessagesWrittenTotal,
		FallbackUsageTotal,
	)
}

func RegisterBrokerMetrics() {
	register(RetryAttemptsTotal, DLQMessagesTotal)
}

func RegisterCircuitBreakerMetrics() {
	register(CircuitBreakerState, CircuitBreakerRequests, CircuitBreakerFailures)
}

func RegisterManagementMetrics() {
	register(DatabaseQueriesTotal, DatabaseQueryDuration)
}

func ObserveWebhookAdmission(channel string, duration time.Duration) {
	WebhookAdmissionDuration.WithLabelValues(channel).Observe(float64(duration.Milliseconds()))
}

func IncWebhookRequest(channel, outcome string) {
	WebhookRequestsTotal.WithLabelValues(channel, outcome).Inc()
}

func IncRateLimitDecision(endpoint, decision string) {
	OutboundRateLimitDecisionsTotal.WithLabelValues(endpoint, decision).Inc()
}

func IncRateLimitFlush(granularity, status string) {
	RateLimitFlushesTotal.WithLabelValues(granularity, status).Inc()
}

func IncIngestMessage(channel, status string) {
	IngestMessagesTotal.WithLabelValues(channel, status).Inc()
}

func ObservePipelineDuration(kind, status string, duration time.Duration) {
	PipelineProcessingDuration.WithLabelValues(kind, status).Observe(float64(duration.Milliseconds()))
}

func IncRuleEvaluation(action, result string) {
	RuleEvaluationsTotal.WithLabelValues(action, result).Inc()
}

func SetRulesActive(count int) {
	RulesActive.Set(float64(count))
}

func IncFlowEvent(event, outcome string) {
	FlowEventsTotal.WithLabelValues(event, outcome).Inc()
}

func IncFlowLifecycle(stage string) {
	FlowLifecycleTotal.WithLabelValues(stage).Inc()
}

func IncOutboundSend(channel, status string) {
	OutboundSendsTotal.WithLabelValues(channel, status).Inc()
}

func IncPoll(channel, status string) {
	PollsTotal.WithLabelValues(channel, status).Inc()
}

func ObservePollDuration(channel string, duration time.Duration) {
	PollDuration.WithLabelValues(channel).Observe(float64(duration.Milliseconds()))
}

func AddPollMessages(channel, status string, n int) {
	if n <= 0 {
		return
	}
	PollMessagesTotal.WithLabelValues(channel, status).Add(float64(n))
}

func IncBrokerMessagesWritten(service, topic string) {
	BrokerMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func IncFallbackUsage(service, strategy, reason string) {
	FallbackUsageTotal.WithLabelValues(service, strategy, reason).Inc()
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(service, database, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(float64(duration.Milliseconds()))
}
