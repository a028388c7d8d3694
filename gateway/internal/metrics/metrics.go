// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Call metrics
	CallsTotal      *prometheus.CounterVec
	CostCharged     prometheus.Counter
	UpstreamLatency *prometheus.HistogramVec
	PoolRunning     prometheus.Gauge
	LedgerErrors    *prometheus.CounterVec

	// Feed metrics
	FeedSubscribers prometheus.Gauge
	FeedDropped     prometheus.Counter

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec

	// Auth metrics
	AuthSuccesses prometheus.Counter
	AuthFailures  *prometheus.CounterVec
}

// namespace is the metrics namespace.
const namespace = "ledgrapi"

// NewMetrics creates a new Metrics instance registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Request metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
		),

		// Call metrics
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Total number of forwarded calls",
			},
			[]string{"outcome", "billing"}, // billing: free, paid
		),
		CostCharged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_charged_total",
				Help:      "Total cost charged to consumers in the smallest currency unit",
			},
		),
		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_latency_seconds",
				Help:      "Latency of forwarded calls in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		PoolRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_pool_running",
				Help:      "Upstream calls currently running on the worker pool",
			},
		),
		LedgerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_errors_total",
				Help:      "Total number of failed ledger operations",
			},
			[]string{"op"}, // op: reserve, settle, release
		),

		// Feed metrics
		FeedSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_subscribers",
				Help:      "Current number of call feed subscribers",
			},
		),
		FeedDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_dropped_total",
				Help:      "Total number of feed messages dropped for slow consumers",
			},
		),

		// Rate limit metrics
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_hits_total",
				Help:      "Total number of rate limited requests",
			},
			[]string{"tier"},
		),

		// Auth metrics
		AuthSuccesses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_successes_total",
				Help:      "Total number of successful authentications",
			},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of failed authentications",
			},
			[]string{"reason"}, // reason: missing_key, invalid_key, suspended, error
		),
	}
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(method, route string, status int, duration float64) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration)
}

// RecordCall records a settled call.
func (m *Metrics) RecordCall(outcome string, wasFree bool, cost int64, latencySeconds float64) {
	billing := "paid"
	if wasFree {
		billing = "free"
	}
	m.CallsTotal.WithLabelValues(outcome, billing).Inc()
	m.UpstreamLatency.WithLabelValues(outcome).Observe(latencySeconds)
	if cost > 0 {
		m.CostCharged.Add(float64(cost))
	}
}

// RecordLedgerError records a failed ledger operation.
func (m *Metrics) RecordLedgerError(op string) {
	m.LedgerErrors.WithLabelValues(op).Inc()
}

// SetPoolRunning sets the number of running pool workers.
func (m *Metrics) SetPoolRunning(n int) {
	m.PoolRunning.Set(float64(n))
}

// RecordFeedSubscribe records a feed subscription.
func (m *Metrics) RecordFeedSubscribe() {
	m.FeedSubscribers.Inc()
}

// RecordFeedUnsubscribe records a feed unsubscription.
func (m *Metrics) RecordFeedUnsubscribe() {
	m.FeedSubscribers.Dec()
}

// RecordFeedDropped records dropped feed messages.
func (m *Metrics) RecordFeedDropped(n int64) {
	if n > 0 {
		m.FeedDropped.Add(float64(n))
	}
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(tierName string) {
	m.RateLimitHits.WithLabelValues(tierName).Inc()
}

// RecordAuthSuccess records a successful authentication.
func (m *Metrics) RecordAuthSuccess() {
	m.AuthSuccesses.Inc()
}

// RecordAuthFailure records a failed authentication.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}
