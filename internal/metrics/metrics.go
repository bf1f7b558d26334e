// Package metrics exposes the control plane's Prometheus instrumentation,
// grounded on the sibling project's internal/metrics/metrics.go: one struct
// of promauto vectors/gauges constructed once at startup and threaded by
// reference into every component that needs to record against it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	BatchesScheduled *prometheus.CounterVec
	BatchesActivated *prometheus.CounterVec
	BatchesMissed    *prometheus.CounterVec
	SchedulerTickDuration prometheus.Histogram

	ItemsSubmitted *prometheus.CounterVec
	ItemsRejected  *prometheus.CounterVec
	ItemTransitions *prometheus.CounterVec

	OrdersSubmitted *prometheus.CounterVec
	OrderSubmitDuration *prometheus.HistogramVec
	OrderPollErrors *prometheus.CounterVec

	OcoGroupsOpened *prometheus.CounterVec
	OcoGroupsClosed *prometheus.CounterVec
	OcoRollbackFailures prometheus.Counter

	EodClosuresTotal *prometheus.CounterVec
	EodDuration      prometheus.Histogram

	CircuitBreakerState *prometheus.GaugeVec
	RateLimiterWaitSeconds *prometheus.HistogramVec

	DBQueryDuration *prometheus.HistogramVec
	DBErrors        *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total ops-listener HTTP requests by method, path and status",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ops-listener HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		BatchesScheduled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_scheduled_total",
			Help:      "Total batches created in SCHEDULED state",
		}, []string{"schedule_mode"}),

		BatchesActivated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_activated_total",
			Help:      "Total batches transitioned SCHEDULED to RUNNING by the Scheduler",
		}, []string{}),

		BatchesMissed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_missed_total",
			Help:      "Total batches that missed their scheduled fire window",
		}, []string{}),

		SchedulerTickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Duration of one Scheduler tick",
			Buckets:   prometheus.DefBuckets,
		}),

		ItemsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_submitted_total",
			Help:      "Total batch items whose entry order was sent to the broker",
		}, []string{"product", "side"}),

		ItemsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_rejected_total",
			Help:      "Total batch items rejected during validation",
		}, []string{"reason"}),

		ItemTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_status_transitions_total",
			Help:      "Batch item status transitions",
		}, []string{"from", "to"}),

		OrdersSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Total orders submitted to the broker by role",
		}, []string{"role", "outcome"}),

		OrderSubmitDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_submit_duration_seconds",
			Help:      "Broker order submission latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role"}),

		OrderPollErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_poll_errors_total",
			Help:      "Errors encountered while polling broker order status",
		}, []string{"kind"}),

		OcoGroupsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oco_groups_opened_total",
			Help:      "OCO brackets opened",
		}, []string{"product"}),

		OcoGroupsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oco_groups_closed_total",
			Help:      "OCO brackets closed by leg",
		}, []string{"closing_leg"}),

		OcoRollbackFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oco_rollback_failures_total",
			Help:      "Bracket submissions where the second leg failed and rollback of the first leg also failed",
		}),

		EodClosuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eod_closures_total",
			Help:      "End-of-day forced closures by outcome",
		}, []string{"outcome"}),

		EodDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "eod_run_duration_seconds",
			Help:      "Duration of one EOD Closer sweep",
			Buckets:   prometheus.DefBuckets,
		}),

		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "0=closed 1=open 2=half-open",
		}, []string{"name"}),

		RateLimiterWaitSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limiter_wait_seconds",
			Help:      "Time spent waiting for a rate limit token",
			Buckets:   prometheus.DefBuckets,
		}, []string{"class"}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Store query duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		DBErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_errors_total",
			Help:      "Store errors by operation",
		}, []string{"operation"}),
	}
}
