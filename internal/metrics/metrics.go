// Package metrics exposes the booking engine's Prometheus collectors. Every
// recording method is nil-safe so components can run without metrics in
// tests and tools.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	reservations  *prometheus.CounterVec
	paymentEvents *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	expiredHolds  prometheus.Counter
	completed     prometheus.Counter
	retries       *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		reservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_reservations_total",
			Help: "Reservation attempts by result.",
		}, []string{"result"}),
		paymentEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_payment_events_total",
			Help: "Ingested payment notifications by outcome and recorded status.",
		}, []string{"outcome", "status"}),
		cancellations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_cancellations_total",
			Help: "Cancellation attempts by result.",
		}, []string{"result"}),
		expiredHolds: f.NewCounter(prometheus.CounterOpts{
			Name: "booking_expired_holds_total",
			Help: "Seat holds released by the expiry sweep.",
		}),
		completed: f.NewCounter(prometheus.CounterOpts{
			Name: "booking_completed_total",
			Help: "Bookings moved to completed after their event.",
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_retries_total",
			Help: "Retried attempts of transient failures by operation.",
		}, []string{"op"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.3, 0.6, 1, 3, 6},
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) Reservation(result string) {
	if m != nil {
		m.reservations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PaymentEvent(outcome, status string) {
	if m != nil {
		m.paymentEvents.WithLabelValues(outcome, status).Inc()
	}
}

func (m *Metrics) Cancellation(result string) {
	if m != nil {
		m.cancellations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ExpiredHolds(n int) {
	if m != nil && n > 0 {
		m.expiredHolds.Add(float64(n))
	}
}

func (m *Metrics) Completed(n int) {
	if m != nil && n > 0 {
		m.completed.Add(float64(n))
	}
}

// Retry returns a callback suitable for retry.Policy.OnRetry.
func (m *Metrics) Retry(op string) func(int, error) {
	return func(int, error) {
		if m != nil {
			m.retries.WithLabelValues(op).Inc()
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Middleware records request latency labelled by the matched route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.httpDuration.WithLabelValues(c.Request().Method, c.Path(), strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Gatherer is exposed for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }
