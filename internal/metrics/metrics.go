package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "admarket"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	reconciliations     *prometheus.CounterVec
	refundedAmountTotal prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"method", "path"},
		),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "advertisement",
				Name:      "completions_total",
				Help:      "Advertisement completion runs by outcome.",
			},
			[]string{"outcome"},
		),
		refundedAmountTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "refunded_amount_total",
				Help:      "Sum of refunds credited to advertiser wallets, minor units.",
			},
		),
	}
	m.registry.MustRegister(m.httpRequests, m.httpDuration, m.reconciliations, m.refundedAmountTotal)
	return m
}

// Handler отдает метрики в формате Prometheus
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordReconciliation(outcome string, refunded int64) {
	m.reconciliations.WithLabelValues(outcome).Inc()
	if refunded > 0 {
		m.refundedAmountTotal.Add(float64(refunded))
	}
}

// middleware учета входящих HTTP-запросов.
func (m *Metrics) RequestMetricsMdlw(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		start := time.Now()
		h(sw, r)

		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
