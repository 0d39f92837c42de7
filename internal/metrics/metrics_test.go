package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Reservation("ok")
		m.PaymentEvent("succeeded", "applied")
		m.Cancellation("ok")
		m.ExpiredHolds(3)
		m.Completed(1)
		m.Retry("reserve")(1, nil)
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.Reservation("ok")
	m.Reservation("ok")
	m.Reservation("capacity_exceeded")
	m.ExpiredHolds(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reservations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reservations.WithLabelValues("capacity_exceeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.expiredHolds))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Cancellation("window_closed")

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `booking_cancellations_total{result="window_closed"} 1`))
}
