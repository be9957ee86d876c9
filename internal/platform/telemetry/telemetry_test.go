package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func TestObserveCommand(t *testing.T) {
	m := newTestMetrics()

	m.ObserveCommand("stage.start", "ok", 3*time.Millisecond)
	m.ObserveCommand("stage.start", "ok", 2*time.Millisecond)
	m.ObserveCommand("stage.start", "state_changed", time.Millisecond)

	if got := testutil.ToFloat64(m.commands.WithLabelValues("stage.start", "ok")); got != 2 {
		t.Errorf("expected 2 ok starts, got %v", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("stage.start", "state_changed")); got != 1 {
		t.Errorf("expected 1 conflict, got %v", got)
	}
}

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	m := newTestMetrics()
	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/sessions/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/stages", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "exists")
	})

	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id, nil)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/stages", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/sessions/:id", "200")); got != 2 {
		t.Errorf("expected 2 requests on route pattern, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/v1/stages", "409")); got != 1 {
		t.Errorf("expected 1 conflict response, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeRequests); got != 0 {
		t.Errorf("expected no active requests, got %v", got)
	}
}

func TestTrackGauge(t *testing.T) {
	m := newTestMetrics()
	clients := 3
	m.TrackGauge("websocket_clients", "Connected websocket clients.", func() float64 { return float64(clients) })

	e := echo.New()
	e.GET("/metrics", m.Handler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "medround_websocket_clients 3") {
		t.Errorf("expected gauge in exposition, got:\n%s", rec.Body.String())
	}
}

func TestHandler_ExposesCommands(t *testing.T) {
	m := newTestMetrics()
	m.ObserveCommand("session.cancel", "cancellation_blocked", time.Millisecond)

	e := echo.New()
	e.GET("/metrics", m.Handler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	want := `medround_commands_total{command="session.cancel",outcome="cancellation_blocked"} 1`
	if !strings.Contains(body, want) {
		t.Errorf("expected %q in exposition, got:\n%s", want, body)
	}
}
