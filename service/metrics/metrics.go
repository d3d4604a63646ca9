package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec
	solanaRPCRetries       *prometheus.CounterVec

	// Submission Metrics
	submissionsTotal        *prometheus.CounterVec
	resubmissionsTotal      *prometheus.CounterVec
	confirmationOutcomes    *prometheus.CounterVec
	confirmationDuration    *prometheus.HistogramVec
	ambiguousOutcomesTotal  *prometheus.CounterVec
	transferAttemptsTotal   *prometheus.CounterVec
	swapsTotal              *prometheus.CounterVec
	simulationFailuresTotal prometheus.Counter

	// Rotation Metrics
	rotationStepsTotal    *prometheus.CounterVec
	rotationStepDuration  *prometheus.HistogramVec
	portfolioNativeShare  *prometheus.GaugeVec
	rotationActivityTotal *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		// Submission Metrics
		submissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tx_submissions_total",
				Help: "Total number of initial transaction broadcasts",
			},
			[]string{"status"},
		),
		resubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tx_resubmissions_total",
				Help: "Total number of periodic rebroadcasts of an already-sent transaction",
			},
			[]string{"status"},
		),
		confirmationOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tx_confirmation_outcomes_total",
				Help: "Confirmation outcomes by status (confirmed, expired, unknown)",
			},
			[]string{"status", "source"},
		),
		confirmationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tx_confirmation_duration_seconds",
				Help:    "Time from first broadcast to a confirmation outcome",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 90, 120},
			},
			[]string{"status"},
		),
		ambiguousOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tx_ambiguous_outcomes_total",
				Help: "Balance decreased without a confirmed signature",
			},
			[]string{"kind"},
		),
		transferAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_attempts_total",
				Help: "Transfer attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
		swapsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swaps_total",
				Help: "Swap executions by direction and result",
			},
			[]string{"direction", "result"},
		),
		simulationFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "swap_simulation_failures_total",
				Help: "Swaps rejected by pre-submission simulation",
			},
		),

		// Rotation Metrics
		rotationStepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotation_steps_total",
				Help: "Total rotation steps by result",
			},
			[]string{"result"},
		),
		rotationStepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotation_step_duration_seconds",
				Help:    "Duration of a single rotation step (inspect, trade, forward)",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"result"},
		),
		portfolioNativeShare: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portfolio_native_share",
				Help: "Relative native share (0.0-1.0) observed at the last inspection",
			},
			[]string{"owner"},
		),
		rotationActivityTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotation_activity_total",
				Help: "Temporal rotation activity executions",
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// Submission metric helpers

// RecordSubmission records an initial broadcast.
func (m *Metrics) RecordSubmission(status string) {
	m.submissionsTotal.WithLabelValues(status).Inc()
}

// RecordResubmission records a periodic rebroadcast.
func (m *Metrics) RecordResubmission(status string) {
	m.resubmissionsTotal.WithLabelValues(status).Inc()
}

// RecordConfirmation records a confirmation outcome and how long it took.
// source is the watcher that produced the signal ("subscription", "poll", "deadline").
func (m *Metrics) RecordConfirmation(status, source string, duration float64) {
	m.confirmationOutcomes.WithLabelValues(status, source).Inc()
	m.confirmationDuration.WithLabelValues(status).Observe(duration)
}

// RecordAmbiguousOutcome records a balance drop that could not be tied to a signature.
func (m *Metrics) RecordAmbiguousOutcome(kind string) {
	m.ambiguousOutcomesTotal.WithLabelValues(kind).Inc()
}

// RecordTransferAttempt records one submission attempt of a transfer.
func (m *Metrics) RecordTransferAttempt(kind, result string) {
	m.transferAttemptsTotal.WithLabelValues(kind, result).Inc()
}

// RecordSwap records a swap execution.
func (m *Metrics) RecordSwap(direction, result string) {
	m.swapsTotal.WithLabelValues(direction, result).Inc()
}

// RecordSimulationFailure records a swap rejected by simulation.
func (m *Metrics) RecordSimulationFailure() {
	m.simulationFailuresTotal.Inc()
}

// Rotation metric helpers

// RecordRotationStep records a completed or failed rotation step.
func (m *Metrics) RecordRotationStep(result string, duration float64) {
	m.rotationStepsTotal.WithLabelValues(result).Inc()
	m.rotationStepDuration.WithLabelValues(result).Observe(duration)
}

// RecordNativeShare records the relative native share for an owner.
func (m *Metrics) RecordNativeShare(owner string, share float64) {
	m.portfolioNativeShare.WithLabelValues(owner).Set(share)
}

// RecordActivity records a Temporal activity execution.
func (m *Metrics) RecordActivity(activity, status string) {
	m.rotationActivityTotal.WithLabelValues(activity, status).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
