// Package metrics defines the Prometheus collectors for outbound calls, rate
// admission, the response cache and the idempotency guard, and exposes an
// HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service. A nil *Metrics is
// valid everywhere it is accepted and records nothing.
type Metrics struct {
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	HTTPRequestsInFlight   prometheus.Gauge
	OutboundCallsTotal     *prometheus.CounterVec
	OutboundAttemptsTotal  *prometheus.CounterVec
	OutboundCallDuration   *prometheus.HistogramVec
	RateLimitWaitSeconds   *prometheus.HistogramVec
	BackoffSleepSeconds    *prometheus.HistogramVec
	ProviderQuotaRemaining *prometheus.GaugeVec
	CacheHitsTotal         prometheus.Counter
	CacheMissesTotal       prometheus.Counter
	CacheSetErrorsTotal    prometheus.Counter
	IdempotencyDecisions   *prometheus.CounterVec
	IdempotencyInFlight    prometheus.Gauge
	ProcessingEventsTotal  *prometheus.CounterVec
}

var waitBuckets = []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// New creates all collectors and registers them with reg. A nil reg means the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 30, 120},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		OutboundCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_calls_total",
				Help: "Outbound logical calls by endpoint and terminal outcome.",
			},
			[]string{"endpoint", "outcome"},
		),
		OutboundAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_attempts_total",
				Help: "Individual outbound attempts by endpoint and result class.",
			},
			[]string{"endpoint", "result"},
		),
		OutboundCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outbound_call_duration_seconds",
				Help:    "Wall time of a logical outbound call including waits and retries.",
				Buckets: waitBuckets,
			},
			[]string{"endpoint"},
		),
		RateLimitWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rate_limit_wait_seconds",
				Help:    "Time spent waiting for rate admission before an attempt.",
				Buckets: waitBuckets,
			},
			[]string{"endpoint"},
		),
		BackoffSleepSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backoff_sleep_seconds",
				Help:    "Backoff sleeps after rate-limit or server-error responses.",
				Buckets: waitBuckets,
			},
			[]string{"endpoint", "reason"},
		),
		ProviderQuotaRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "provider_quota_remaining",
				Help: "Last X-RateLimit-Remaining value reported by the provider.",
			},
			[]string{"endpoint"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of response cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of response cache misses.",
			},
		),
		CacheSetErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_set_errors_total",
				Help: "Response cache writes that failed and were skipped.",
			},
		),
		IdempotencyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idempotency_decisions_total",
				Help: "ShouldProcess decisions by reason.",
			},
			[]string{"reason"},
		),
		IdempotencyInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "idempotency_in_flight",
				Help: "Units of work currently marked in-flight.",
			},
		),
		ProcessingEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "processing_events_total",
				Help: "Processing lifecycle events by type.",
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.OutboundCallsTotal,
		m.OutboundAttemptsTotal,
		m.OutboundCallDuration,
		m.RateLimitWaitSeconds,
		m.BackoffSleepSeconds,
		m.ProviderQuotaRemaining,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheSetErrorsTotal,
		m.IdempotencyDecisions,
		m.IdempotencyInFlight,
		m.ProcessingEventsTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
