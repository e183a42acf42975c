// Package metrics exposes Prometheus metrics for sessions, dispatch, the
// event bus and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zonedesk"

// Metrics holds all application metrics. Each instance owns its registry,
// so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions     prometheus.Gauge
	SessionsAttached   prometheus.Counter
	SessionsSuperseded prometheus.Counter
	SessionsDetached   *prometheus.CounterVec // labels: reason

	// Dispatch metrics
	EventsIngested   *prometheus.CounterVec // labels: category
	EventsDelivered  *prometheus.CounterVec // labels: category, mode
	EventsDropped    *prometheus.CounterVec // labels: category, reason
	BatchesSent      prometheus.Counter
	BatchSize        prometheus.Histogram
	DispatchDuration prometheus.Histogram

	// Wire metrics
	MessagesReceived *prometheus.CounterVec // labels: type
	ProtocolErrors   prometheus.Counter

	// Bus metrics
	BusEventsPublished *prometheus.CounterVec   // labels: topic
	BusPublishLatency  *prometheus.HistogramVec // labels: topic
	BusErrors          *prometheus.CounterVec   // labels: topic, op
	BusEventsReceived  *prometheus.CounterVec   // labels: topic

	// HTTP metrics
	HTTPRequests         *prometheus.CounterVec   // labels: method, path, status
	HTTPDuration         *prometheus.HistogramVec // labels: method, path
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates a metrics instance with every collector registered,
// including the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of attached real-time sessions",
		}),
		SessionsAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_attached_total",
			Help:      "Total number of session attaches",
		}),
		SessionsSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_superseded_total",
			Help:      "Total number of attaches that replaced a live session",
		}),
		SessionsDetached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_detached_total",
			Help:      "Total number of session detaches by reason",
		}, []string{"reason"}),

		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Total number of domain events taken from the bus",
		}, []string{"category"}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Total number of events queued to sessions",
		}, []string{"category", "mode"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of per-session event drops by reason",
		}, []string{"category", "reason"}),
		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_sent_total",
			Help:      "Total number of batch messages sent",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of events per batch message",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to fan one event out to all sessions",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound wire messages by type",
		}, []string{"type"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed inbound messages",
		}),

		BusEventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Total number of events published to the bus",
		}, []string{"topic"}),
		BusPublishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_publish_duration_seconds",
			Help:      "Bus publish latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		BusErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "Total number of bus errors",
		}, []string{"topic", "op"}),
		BusEventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_received_total",
			Help:      "Total number of events handled from the bus",
		}, []string{"topic"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests being served",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ActiveSessions,
		m.SessionsAttached,
		m.SessionsSuperseded,
		m.SessionsDetached,
		m.EventsIngested,
		m.EventsDelivered,
		m.EventsDropped,
		m.BatchesSent,
		m.BatchSize,
		m.DispatchDuration,
		m.MessagesReceived,
		m.ProtocolErrors,
		m.BusEventsPublished,
		m.BusPublishLatency,
		m.BusErrors,
		m.BusEventsReceived,
		m.HTTPRequests,
		m.HTTPDuration,
		m.HTTPRequestsInFlight,
	)
	return m
}

// Registry returns the registry backing this instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionAttached implements connection.Recorder.
func (m *Metrics) SessionAttached(superseded bool) {
	m.SessionsAttached.Inc()
	if superseded {
		m.SessionsSuperseded.Inc()
	}
}

// SessionDetached implements connection.Recorder.
func (m *Metrics) SessionDetached(reason string) {
	m.SessionsDetached.WithLabelValues(reason).Inc()
}

// SessionsActive implements connection.Recorder.
func (m *Metrics) SessionsActive(n int) {
	m.ActiveSessions.Set(float64(n))
}

// EventIngested implements dispatch.Recorder.
func (m *Metrics) EventIngested(category string) {
	m.EventsIngested.WithLabelValues(category).Inc()
}

// EventDelivered implements dispatch.Recorder.
func (m *Metrics) EventDelivered(category string, batched bool) {
	mode := "immediate"
	if batched {
		mode = "batched"
	}
	m.EventsDelivered.WithLabelValues(category, mode).Inc()
}

// EventDropped implements dispatch.Recorder.
func (m *Metrics) EventDropped(category, reason string) {
	m.EventsDropped.WithLabelValues(category, reason).Inc()
}

// BatchSent implements dispatch.Recorder.
func (m *Metrics) BatchSent(size int) {
	m.BatchesSent.Inc()
	m.BatchSize.Observe(float64(size))
}

// Dispatched implements dispatch.Recorder.
func (m *Metrics) Dispatched(d time.Duration) {
	m.DispatchDuration.Observe(d.Seconds())
}

// MessageReceived counts an inbound wire message.
func (m *Metrics) MessageReceived(msgType string) {
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// ProtocolError counts a malformed inbound message.
func (m *Metrics) ProtocolError() {
	m.ProtocolErrors.Inc()
}

// RecordBusPublish implements bus.MetricsRecorder.
func (m *Metrics) RecordBusPublish(topic string, latency time.Duration, err error) {
	m.BusEventsPublished.WithLabelValues(topic).Inc()
	m.BusPublishLatency.WithLabelValues(topic).Observe(latency.Seconds())
	if err != nil {
		m.BusErrors.WithLabelValues(topic, "publish").Inc()
	}
}

// RecordBusReceive implements bus.MetricsRecorder.
func (m *Metrics) RecordBusReceive(topic string, err error) {
	m.BusEventsReceived.WithLabelValues(topic).Inc()
	if err != nil {
		m.BusErrors.WithLabelValues(topic, "handle").Inc()
	}
}

// RecordHTTP records one served HTTP request.
func (m *Metrics) RecordHTTP(method, path string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, statusCode(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// statusCode converts an HTTP status code to a metric label. Uncommon
// codes are grouped by class to bound cardinality.
func statusCode(code int) string {
	switch code {
	case 200, 201, 202, 204, 400, 401, 403, 404, 405, 429, 500, 503:
		return strconv.Itoa(code)
	}
	if code >= 100 && code < 600 {
		return strconv.Itoa(code/100) + "xx"
	}
	return strconv.Itoa(code)
}
