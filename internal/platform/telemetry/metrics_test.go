package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	if err := m.Handler()(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
	return rec.Body.String()
}

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{1, 5})
	for _, v := range []float64{0.5, 1, 3, 10} {
		h.observe(v)
	}
	cum, count, sum := h.snapshot()
	if cum[0] != 2 || cum[1] != 3 {
		t.Errorf("unexpected cumulative buckets %v", cum)
	}
	if count != 4 || sum != 14.5 {
		t.Errorf("count=%d sum=%g", count, sum)
	}
}

func TestMiddleware_RecordsRouteAndStatus(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/bookings/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/bookings", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "taken")
	})

	for _, r := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/v1/bookings/abc", nil),
		httptest.NewRequest(http.MethodGet, "/api/v1/bookings/def", nil),
		httptest.NewRequest(http.MethodPost, "/api/v1/bookings", nil),
	} {
		e.ServeHTTP(httptest.NewRecorder(), r)
	}

	out := scrape(t, m)
	want := []string{
		`http_server_request_duration_seconds_count{method="GET",route="/api/v1/bookings/:id",status_code="200"} 2`,
		`http_server_request_duration_seconds_count{method="POST",route="/api/v1/bookings",status_code="409"} 1`,
		`http_server_active_requests 0`,
	}
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("missing %q in:\n%s", w, out)
		}
	}
}

func TestMiddleware_PlainErrorCountsAs500(t *testing.T) {
	m := New()
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/x", nil), httptest.NewRecorder())
	c.SetPath("/x")
	_ = m.Middleware()(func(echo.Context) error { return errors.New("boom") })(c)

	if !strings.Contains(scrape(t, m), `status_code="500"} 1`) {
		t.Error("expected a 500 sample")
	}
}

func TestBookingOutcome_Concurrent(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				m.BookingOutcome("create", "ok")
				return
			}
			m.BookingOutcome("create", "conflict")
		}(i)
	}
	wg.Wait()

	if got := m.OutcomeCount("create", "ok"); got != 10 {
		t.Errorf("ok: expected 10, got %d", got)
	}
	if got := m.OutcomeCount("create", "conflict"); got != 40 {
		t.Errorf("conflict: expected 40, got %d", got)
	}
	if got := m.OutcomeCount("reschedule", "ok"); got != 0 {
		t.Errorf("unknown pair must read 0, got %d", got)
	}
	if !strings.Contains(scrape(t, m), `booking_operations_total{operation="create",outcome="conflict"} 40`) {
		t.Error("missing outcome counter")
	}
}

func TestEventPublished_AndGauges(t *testing.T) {
	m := New(Gauge{Name: "db_pool_total_connections", Help: "Open pool connections.", Read: func() float64 { return 4 }})
	m.EventPublished("amqp", nil)
	m.EventPublished("webhook", errors.New("refused"))

	out := scrape(t, m)
	for _, w := range []string{
		`booking_events_published_total{sink="amqp",result="ok"} 1`,
		`booking_events_published_total{sink="webhook",result="error"} 1`,
		"# TYPE db_pool_total_connections gauge\ndb_pool_total_connections 4",
	} {
		if !strings.Contains(out, w) {
			t.Errorf("missing %q", w)
		}
	}
}
