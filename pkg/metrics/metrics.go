// Package metrics exposes Prometheus collectors for ledger events and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opledger"

// Collector owns its registry so that several instances can coexist in tests.
// All recording methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	operationsCreated *prometheus.CounterVec
	quotaRejections   *prometheus.CounterVec
	paymentsTotal     *prometheus.CounterVec
	installmentsPaid  prometheus.Counter
	operationsClosed  prometheus.Counter
	alertsTriggered   *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates and registers every collector.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.operationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_created_total",
			Help:      "Operations created, by type",
		},
		[]string{"type"},
	)
	c.quotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Operation creations refused by a quota gate",
		},
		[]string{"gate", "reason"},
	)
	c.paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_registered_total",
			Help:      "Payments registered, by method and allocation",
		},
		[]string{"method", "allocation"},
	)
	c.installmentsPaid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "installments_paid_total",
		Help:      "Installments transitioned to PAID",
	})
	c.operationsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_closed_total",
		Help:      "Operations closed after their last installment was paid",
	})
	c.alertsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_triggered_total",
			Help:      "Alerts created, by type",
		},
		[]string{"type"},
	)
	c.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	c.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	c.registry.MustRegister(
		c.operationsCreated,
		c.quotaRejections,
		c.paymentsTotal,
		c.installmentsPaid,
		c.operationsClosed,
		c.alertsTriggered,
		c.httpRequestsTotal,
		c.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) OperationCreated(opType string) {
	if c == nil {
		return
	}
	c.operationsCreated.WithLabelValues(opType).Inc()
}

func (c *Collector) QuotaRejected(gate, reason string) {
	if c == nil {
		return
	}
	c.quotaRejections.WithLabelValues(gate, reason).Inc()
}

// PaymentRegistered counts a payment. Floating payments have no installment.
func (c *Collector) PaymentRegistered(method string, allocated bool) {
	if c == nil {
		return
	}
	allocation := "floating"
	if allocated {
		allocation = "installment"
	}
	if method == "" {
		method = "unspecified"
	}
	c.paymentsTotal.WithLabelValues(method, allocation).Inc()
}

func (c *Collector) InstallmentPaid() {
	if c == nil {
		return
	}
	c.installmentsPaid.Inc()
}

func (c *Collector) OperationClosed() {
	if c == nil {
		return
	}
	c.operationsClosed.Inc()
}

func (c *Collector) AlertTriggered(alertType string) {
	if c == nil {
		return
	}
	c.alertsTriggered.WithLabelValues(alertType).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware records request counts and durations labelled by route template.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		endpoint := "unknown"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		c.httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
