package app

import (
	"net/http"
	"strconv"
	"time"

	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "sealchat"

// Metrics owns a private Prometheus registry. All methods are safe on a nil
// receiver so tests can skip instrumentation.
type Metrics struct {
	registry      *prometheus.Registry
	ops           *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	rpcRequests   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Gateway operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Gateway operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Errors by category.",
		}, []string{"category"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_notifications_total",
			Help:      "Live delivery attempts by result.",
		}, []string{"result"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and response code.",
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ops, m.latency, m.errors, m.notifications, m.rpcRequests,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordOp counts one operation and, on failure, its error category.
func (m *Metrics) RecordOp(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err == nil {
		m.ops.WithLabelValues(operation, "ok").Inc()
		return
	}
	m.ops.WithLabelValues(operation, "error").Inc()
	m.errors.WithLabelValues(contracts.ErrorCategory(err)).Inc()
}

// RecordNotify records the fan-out of one stored envelope.
func (m *Metrics) RecordNotify(reached int) {
	if m == nil {
		return
	}
	if reached == 0 {
		m.notifications.WithLabelValues("offline").Inc()
		return
	}
	m.notifications.WithLabelValues("delivered").Add(float64(reached))
}

func (m *Metrics) RecordDrop() {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues("dropped").Inc()
}

// TrackDelivery exports live subscription gauges read from stats at scrape
// time. Call once per registry.
func (m *Metrics) TrackDelivery(stats func() models.DeliveryStats) {
	if m == nil || stats == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_subscriptions",
			Help:      "Open live delivery subscriptions.",
		}, func() float64 { return float64(stats().Subscriptions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_identities",
			Help:      "Identities with at least one live subscription.",
		}, func() float64 { return float64(stats().Identities) }),
	)
}

func (m *Metrics) RecordRPC(method string, code int) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, rpcCodeLabel(code)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func rpcCodeLabel(code int) string {
	if code == 0 {
		return "ok"
	}
	return strconv.Itoa(code)
}
