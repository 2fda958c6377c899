package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Settlement operation latency, labelled by operation and outcome.
	SettlementOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_op_duration_seconds",
			Help:    "Settlement engine operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "outcome"}, // outcome: ok, precondition_failed, validation_failed, settlement_failed
	)

	// Ledger entries appended, by kind.
	LedgerTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transactions_total",
			Help: "Total number of escrow ledger transactions appended",
		},
		[]string{"kind"}, // hold, release, refund
	)

	// Conservation-invariant violations. Anything above zero is an alert.
	ConservationViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_conservation_violations_total",
			Help: "Total number of rejected operations that would break the conservation invariant",
		},
	)

	// Payment capability call latency.
	PaymentCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_call_latency_ms",
			Help:    "Payment capability call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"endpoint", "status"},
	)

	// Refund adjudication decisions.
	RefundDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refund_decisions_total",
			Help: "Total number of refund request decisions",
		},
		[]string{"decision"}, // approved, rejected, engine_rejected
	)

	// Invoices generated from release events.
	InvoicesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoices_generated_total",
			Help: "Total number of invoices generated",
		},
		[]string{"status"}, // success, duplicate, failed
	)

	// MQ consumption latency.
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	// HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// Slow query counter, fed by the pgx tracer.
	SlowQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Total number of queries slower than the configured threshold",
		},
	)
)

func RecordSettlementOp(operation, outcome string, duration time.Duration) {
	SettlementOpDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

func IncrementLedgerTransaction(kind string) {
	LedgerTransactionsTotal.WithLabelValues(kind).Inc()
}

func IncrementConservationViolation() {
	ConservationViolationsTotal.Inc()
}

func RecordPaymentCall(endpoint, status string, duration time.Duration) {
	PaymentCallLatency.WithLabelValues(endpoint, status).Observe(float64(duration.Milliseconds()))
}

func IncrementRefundDecision(decision string) {
	RefundDecisionsTotal.WithLabelValues(decision).Inc()
}

func IncrementInvoiceGenerated(status string) {
	InvoicesGeneratedTotal.WithLabelValues(status).Inc()
}

func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func IncrementSlowQuery() {
	SlowQueriesTotal.Inc()
}
