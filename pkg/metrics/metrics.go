// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline counters and histograms.
type Metrics struct {
	dispatched   *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deferred     *prometheus.CounterVec
	deadLettered prometheus.Counter
	duration     *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
}

// New registers the pipeline metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		dispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_dispatched_total",
			Help: "Dispatch attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		retried: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_retried_total",
			Help: "Transient failures re-queued for retry, by channel.",
		}, []string{"channel"}),
		deferred: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_deferred_total",
			Help: "Records re-queued with delayed visibility, by reason.",
		}, []string{"reason"}),
		deadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "notifications_dead_lettered_total",
			Help: "Records cancelled after exhausting their retry budget.",
		}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notifications_dispatch_duration_seconds",
			Help:    "Provider call latency by channel.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "notifications_queue_depth",
			Help: "Ready entries in the main queue.",
		}),
	}
}

// Dispatched counts one dispatch attempt outcome.
func (m *Metrics) Dispatched(channel, outcome string) {
	m.dispatched.WithLabelValues(channel, outcome).Inc()
}

// Retried counts one transient re-queue.
func (m *Metrics) Retried(channel string) {
	m.retried.WithLabelValues(channel).Inc()
}

// Deferred counts one delayed-visibility re-queue.
func (m *Metrics) Deferred(reason string) {
	m.deferred.WithLabelValues(reason).Inc()
}

// DeadLettered counts one retry-exhausted record.
func (m *Metrics) DeadLettered() {
	m.deadLettered.Inc()
}

// ObserveDispatch records one provider call duration.
func (m *Metrics) ObserveDispatch(channel string, d time.Duration) {
	m.duration.WithLabelValues(channel).Observe(d.Seconds())
}

// SetQueueDepth publishes the current main-queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
