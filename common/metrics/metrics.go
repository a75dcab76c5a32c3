package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricPrefix turns a service name like "billing-service" into a legal
// metric name prefix. Prometheus names only allow [a-zA-Z0-9_:].
func metricPrefix(serviceName string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(serviceName)
}

// HTTPMetrics contains HTTP-related Prometheus metrics
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// BusMetrics contains event-bus consume/publish metrics
type BusMetrics struct {
	EventsConsumed  *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	ConsumeDuration *prometheus.HistogramVec
}

// BusinessMetrics contains saga- and deletion-specific counters. Each
// service increments the subset it owns.
type BusinessMetrics struct {
	InvoicesCreated        prometheus.Counter
	SagasCompleted         prometheus.Counter
	SagasFailed            prometheus.Counter
	SagasCancelled         prometheus.Counter
	CompensationsRequested prometheus.Counter
	CompensationsApplied   prometheus.Counter
	CompensationsDuplicate prometheus.Counter
	PaymentsAuthorized     prometheus.Counter
	PaymentsDeclined       prometheus.Counter
	DeletionsRequested     prometheus.Counter
	DeletionsCommitted     prometheus.Counter
	DeletionsCancelled     prometheus.Counter
	ProcessorDuration      prometheus.Histogram
}

// NewHTTPMetrics creates HTTP metrics for a service
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	prefix := metricPrefix(serviceName)
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// NewBusMetrics creates event-bus metrics for a service. The outcome label
// on consumes is one of ok, retry, dlq, rejected; on publishes ok or error.
func NewBusMetrics(serviceName string) *BusMetrics {
	prefix := metricPrefix(serviceName)
	return &BusMetrics{
		EventsConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_bus_events_consumed_total",
				Help: "Total number of bus deliveries processed",
			},
			[]string{"topic", "outcome"},
		),
		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_bus_events_published_total",
				Help: "Total number of bus publishes attempted",
			},
			[]string{"topic", "outcome"},
		),
		ConsumeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_bus_consume_duration_seconds",
				Help:    "Handler duration per consumed delivery in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
	}
}

// NewBusinessMetrics creates the saga/deletion counters
func NewBusinessMetrics(serviceName string) *BusinessMetrics {
	prefix := metricPrefix(serviceName)
	counter := func(name, help string) prometheus.Counter {
		return promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_" + name,
			Help: help,
		})
	}

	return &BusinessMetrics{
		InvoicesCreated:        counter("invoices_created_total", "Total number of invoices created"),
		SagasCompleted:         counter("sagas_completed_total", "Invoice sagas that reached completed"),
		SagasFailed:            counter("sagas_failed_total", "Invoice sagas that reached failed"),
		SagasCancelled:         counter("sagas_cancelled_total", "Invoice sagas that reached cancelled"),
		CompensationsRequested: counter("compensations_requested_total", "Restock commands published"),
		CompensationsApplied:   counter("compensations_applied_total", "Restock commands applied to stock"),
		CompensationsDuplicate: counter("compensations_duplicate_total", "Restock commands already applied"),
		PaymentsAuthorized:     counter("payments_authorized_total", "Payment authorizations approved"),
		PaymentsDeclined:       counter("payments_declined_total", "Payment authorizations declined"),
		DeletionsRequested:     counter("deletions_requested_total", "Customer deletion sagas started"),
		DeletionsCommitted:     counter("deletions_committed_total", "Customer deletions committed"),
		DeletionsCancelled:     counter("deletions_cancelled_total", "Customer deletions cancelled by veto"),
		ProcessorDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_processor_duration_seconds",
			Help:    "Payment processor call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordHTTPRequest records an HTTP request metric
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordConsume records the outcome of one consumed delivery
func (m *BusMetrics) RecordConsume(topic, outcome string, duration time.Duration) {
	m.EventsConsumed.WithLabelValues(topic, outcome).Inc()
	m.ConsumeDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordPublish records the outcome of one publish attempt
func (m *BusMetrics) RecordPublish(topic string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EventsPublished.WithLabelValues(topic, outcome).Inc()
}
