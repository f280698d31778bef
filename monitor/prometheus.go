package monitor

import (
	"net/http"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements messaging.MetricsCollector with Prometheus
// metrics
type PrometheusCollector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pending         prometheus.Gauge
	unmatched       prometheus.Counter
	handled         *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
	replyFailures   prometheus.Counter
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// CollectorOption configures the collector
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	namespace string
	buckets   []float64
	labels    prometheus.Labels
}

// WithNamespace sets the metric namespace, "mmate" by default
func WithNamespace(namespace string) CollectorOption {
	return func(c *collectorConfig) {
		c.namespace = namespace
	}
}

// WithBuckets sets the latency histogram buckets in seconds
func WithBuckets(buckets []float64) CollectorOption {
	return func(c *collectorConfig) {
		c.buckets = buckets
	}
}

// WithConstLabels attaches constant labels, e.g. the queue, to every metric
func WithConstLabels(labels prometheus.Labels) CollectorOption {
	return func(c *collectorConfig) {
		c.labels = labels
	}
}

// NewPrometheusCollector creates a collector registered on its own registry
func NewPrometheusCollector(opts ...CollectorOption) *PrometheusCollector {
	cfg := &collectorConfig{
		namespace: "mmate",
		buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Subsystem:   "requester",
			Name:        "requests_total",
			Help:        "Requests settled, by outcome.",
			ConstLabels: cfg.labels,
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.namespace,
			Subsystem:   "requester",
			Name:        "request_duration_seconds",
			Help:        "Time from send to settlement, by outcome.",
			Buckets:     cfg.buckets,
			ConstLabels: cfg.labels,
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.namespace,
			Subsystem:   "requester",
			Name:        "pending_requests",
			Help:        "Requests awaiting a response.",
			ConstLabels: cfg.labels,
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Subsystem:   "requester",
			Name:        "unmatched_responses_total",
			Help:        "Responses dropped because no pending request matched.",
			ConstLabels: cfg.labels,
		}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Subsystem:   "responder",
			Name:        "requests_total",
			Help:        "Requests handled, by outcome.",
			ConstLabels: cfg.labels,
		}, []string{"outcome"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.namespace,
			Subsystem:   "responder",
			Name:        "handle_duration_seconds",
			Help:        "Time from receipt to reply, by outcome.",
			Buckets:     cfg.buckets,
			ConstLabels: cfg.labels,
		}, []string{"outcome"}),
		replyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Subsystem:   "responder",
			Name:        "reply_failures_total",
			Help:        "Replies that could not be sent.",
			ConstLabels: cfg.labels,
		}),
	}

	c.registry.MustRegister(
		c.requests,
		c.requestDuration,
		c.pending,
		c.unmatched,
		c.handled,
		c.handleDuration,
		c.replyFailures,
	)

	return c
}

// Registry returns the registry holding the collector's metrics
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordRequest(outcome string, duration time.Duration) {
	c.requests.WithLabelValues(outcome).Inc()
	c.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPending implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordPending(count int) {
	c.pending.Set(float64(count))
}

// RecordUnmatched implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordUnmatched() {
	c.unmatched.Inc()
}

// RecordHandled implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordHandled(outcome string, duration time.Duration) {
	c.handled.WithLabelValues(outcome).Inc()
	c.handleDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordReplyFailure implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordReplyFailure() {
	c.replyFailures.Inc()
}
