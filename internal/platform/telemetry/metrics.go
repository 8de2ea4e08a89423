// Package telemetry records HTTP and booking metrics and serves them in the
// Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram keeps non-cumulative bucket counts; export accumulates them.
type histogram struct {
	mu      sync.Mutex
	bounds  []float64
	buckets []int64
	count   int64
	sum     uint64 // math.Float64bits
}

func newHistogram(bounds []float64) *histogram {
	return &histogram{bounds: bounds, buckets: make([]int64, len(bounds))}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.bounds {
		if v <= b {
			h.buckets[i]++
			return
		}
	}
}

func (h *histogram) snapshot() (cum []int64, count int64, sum float64) {
	h.mu.Lock()
	cum = make([]int64, len(h.buckets))
	var running int64
	for i, c := range h.buckets {
		running += c
		cum[i] = running
	}
	h.mu.Unlock()
	return cum, atomic.LoadInt64(&h.count), math.Float64frombits(atomic.LoadUint64(&h.sum))
}

// Gauge is sampled at scrape time, e.g. pool statistics.
type Gauge struct {
	Name string
	Help string
	Read func() float64
}

// Metrics is safe for concurrent use. The zero value is not usable; call New.
type Metrics struct {
	mu        sync.RWMutex
	durations map[string]*histogram // method|route|status
	outcomes  map[string]*int64     // operation|outcome
	published map[string]*int64     // sink|result
	gauges    []Gauge
	inflight  int64
}

func New(gauges ...Gauge) *Metrics {
	return &Metrics{
		durations: make(map[string]*histogram),
		outcomes:  make(map[string]*int64),
		published: make(map[string]*int64),
		gauges:    gauges,
	}
}

func labelKey(parts ...string) string { return strings.Join(parts, "|") }

func (m *Metrics) histogramFor(key string) *histogram {
	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.durations[key]; !ok {
		h = newHistogram(durationBuckets)
		m.durations[key] = h
	}
	return h
}

func (m *Metrics) inc(set map[string]*int64, key string) {
	m.mu.RLock()
	p, ok := set[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = set[key]; !ok {
			p = new(int64)
			set[key] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (m *Metrics) count(set map[string]*int64, key string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := set[key]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// BookingOutcome counts one finished booking operation.
func (m *Metrics) BookingOutcome(operation, outcome string) {
	m.inc(m.outcomes, labelKey(operation, outcome))
}

// OutcomeCount returns how often operation ended with outcome.
func (m *Metrics) OutcomeCount(operation, outcome string) int64 {
	return m.count(m.outcomes, labelKey(operation, outcome))
}

// EventPublished counts one delivery attempt to an event sink.
func (m *Metrics) EventPublished(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.inc(m.published, labelKey(sink, result))
}

// Middleware records request latency by method, route template and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.inflight, 1)
			defer atomic.AddInt64(&m.inflight, -1)

			start := time.Now()
			err := next(c)

			status := responseStatus(c, err)
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.histogramFor(labelKey(c.Request().Method, route, strconv.Itoa(status))).
				observe(time.Since(start).Seconds())
			return err
		}
	}
}

// responseStatus is the status the client will see once echo's error handler
// has rendered err.
func responseStatus(c echo.Context, err error) int {
	if err != nil {
		if he, ok := err.(*echo.HTTPError); ok {
			return he.Code
		}
		if !c.Response().Committed {
			return http.StatusInternalServerError
		}
	}
	return c.Response().Status
}

// Handler serves every metric in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		m.write(&b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func (m *Metrics) write(b *strings.Builder) {
	m.mu.RLock()
	durations := make(map[string]*histogram, len(m.durations))
	for k, h := range m.durations {
		durations[k] = h
	}
	outcomes := snapshotCounters(m.outcomes)
	published := snapshotCounters(m.published)
	m.mu.RUnlock()

	b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
	for _, key := range sortedKeys(durations) {
		p := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", p[0], p[1], p[2])
		writeHistogram(b, "http_server_request_duration_seconds", labels, durations[key])
	}

	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(b, "http_server_active_requests %d\n", atomic.LoadInt64(&m.inflight))

	writeCounter(b, "booking_operations_total", "Booking operations by outcome.", []string{"operation", "outcome"}, outcomes)
	writeCounter(b, "booking_events_published_total", "Booking event deliveries by sink and result.", []string{"sink", "result"}, published)

	for _, g := range m.gauges {
		fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", g.Name, g.Help, g.Name, g.Name, g.Read())
	}
}

func snapshotCounters(set map[string]*int64) map[string]int64 {
	out := make(map[string]int64, len(set))
	for k, p := range set {
		out[k] = atomic.LoadInt64(p)
	}
	return out
}

func writeCounter(b *strings.Builder, name, help string, labels []string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	for _, key := range sortedKeys(values) {
		parts := strings.SplitN(key, "|", len(labels))
		pairs := make([]string, len(parts))
		for i, v := range parts {
			pairs[i] = fmt.Sprintf("%s=%q", labels[i], v)
		}
		fmt.Fprintf(b, "%s{%s} %d\n", name, strings.Join(pairs, ","), values[key])
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum, count, sum := h.snapshot()
	for i, bound := range h.bounds {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, bound, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, count)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, sum)
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, count)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
