// Package metrics holds the Prometheus collectors for credit metering.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credit_meter"

var (
	// Deductions counts ledger deductions by enforcement path and outcome.
	Deductions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deductions_total",
		Help:      "Credit deductions by path (fast, durable) and outcome (granted, denied, error).",
	}, []string{"path", "outcome"})

	// FastStoreErrors counts fast-store failures that were recovered or swallowed.
	FastStoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fast_store_errors_total",
		Help:      "Fast-store command failures by operation.",
	}, []string{"op"})

	// DurableWriteFailures counts durable writes that failed after the fast
	// store had already been updated.
	DurableWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "durable_write_failures_total",
		Help:      "Durable-store mirror or upsert failures by operation.",
	}, []string{"op"})

	// MirrorsDropped counts deduction mirrors skipped because the mirror pool was full.
	MirrorsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mirrors_dropped_total",
		Help:      "Deduction mirrors skipped because all mirror slots were busy.",
	})

	// FastResyncs counts cached balances dropped because the durable row had
	// writes the cache missed, by source (ledger, reconcile).
	FastResyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fast_resyncs_total",
		Help:      "Stale fast-store balances dropped so they are re-seeded from the durable store.",
	}, []string{"source"})

	// TopUps counts successful top-ups; TopUpCredits sums the credits added.
	TopUps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "topups_total",
		Help:      "Successful top-ups.",
	})
	TopUpCredits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "topup_credits_total",
		Help:      "Credits added by top-ups.",
	})

	// RateLimitDecisions counts rate-limit checks by decision (allowed, denied, error).
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_decisions_total",
		Help:      "Rate-limit decisions; error means the backend failed and the call was allowed.",
	}, []string{"decision"})

	// ReconcileRuns counts reconciliation cycles by result (ok, error).
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation cycles by result.",
	}, []string{"result"})

	// ReconcileUpdated counts durable rows overwritten by reconciliation.
	ReconcileUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_rows_updated_total",
		Help:      "Durable balances overwritten with fast-store values.",
	})

	// ReconcileDuration observes the wall time of one reconciliation cycle.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of reconciliation cycles.",
		Buckets:   prometheus.DefBuckets,
	})

	// Authorizations counts gate decisions by result.
	Authorizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authorizations_total",
		Help:      "Access decisions by result (ok, unauthenticated, invalid_credential, rate_limited, insufficient_credits, unavailable).",
	}, []string{"result"})

	// HTTPRequests observes HTTP latency by route pattern, method and status.
	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
