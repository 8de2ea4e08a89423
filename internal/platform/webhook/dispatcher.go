// Package webhook delivers booking events to subscriber URLs as signed JSON
// POSTs, off the request path, with bounded retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/booking/internal/platform/db"
)

const (
	SignatureHeader = "X-Booking-Signature"
	EventHeader     = "X-Booking-Event"
	DeliveryHeader  = "X-Booking-Delivery"
)

var (
	ErrQueueFull = errors.New("webhook queue full")
	ErrClosed    = errors.New("webhook dispatcher closed")
)

// Endpoint is one subscriber. Events holds patterns such as "booking.created"
// or "booking.*"; an empty list subscribes to everything.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type job struct {
	ep      Endpoint
	event   string
	id      string
	payload []byte
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header value against payload.
func VerifySignature(payload []byte, secret, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(sig))
}

// eventMatches supports exact names and the "booking.*" / "*.cancelled" wildcards.
func eventMatches(pattern, event string) bool {
	switch {
	case pattern == event || pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(event, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(event, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) wants(event string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, event) {
			return true
		}
	}
	return false
}

// ValidateEndpoint requires an absolute http(s) URL.
func ValidateEndpoint(ep Endpoint) error {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", ep.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("webhook url %q must be an absolute http or https url", ep.URL)
	}
	return nil
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetryDelays sets the waits between attempts; len(delays)+1 attempts are made.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.delays = delays }
}

// WithWorkers sets the number of delivery goroutines and the queue length.
func WithWorkers(workers, queue int) Option {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workers = workers
		}
		if queue > 0 {
			d.queueSize = queue
		}
	}
}

// Dispatcher queues deliveries and runs them on a fixed worker pool.
type Dispatcher struct {
	endpoints []Endpoint
	client    *http.Client
	delays    []time.Duration
	workers   int
	queueSize int
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

func NewDispatcher(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	for _, ep := range endpoints {
		if err := ValidateEndpoint(ep); err != nil {
			return nil, err
		}
	}
	d := &Dispatcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		delays:    []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		workers:   4,
		queueSize: 256,
		logger:    logger.With().Str("component", "webhook").Logger(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.queue = make(chan job, d.queueSize)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d, nil
}

// PublishJSON wraps v in an Envelope and queues it for every subscribed
// endpoint. It never waits on the network.
func (d *Dispatcher) PublishJSON(ctx context.Context, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       event,
		TenantID:   db.TenantFromContext(ctx),
		OccurredAt: d.now().UTC(),
		Data:       data,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode webhook envelope: %w", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	var dropped int
	for _, ep := range d.endpoints {
		if !ep.wants(event) {
			continue
		}
		select {
		case d.queue <- job{ep: ep, event: event, id: env.ID, payload: payload}:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d deliveries of %s dropped", ErrQueueFull, dropped, env.ID)
	}
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for j := range d.queue {
		if err := d.deliver(j); err != nil {
			d.logger.Warn().Err(err).Str("event", j.event).Str("delivery_id", j.id).
				Str("url", j.ep.URL).Msg("webhook delivery failed")
		}
	}
}

func (d *Dispatcher) deliver(j job) error {
	var err error
	for attempt := 0; ; attempt++ {
		var retry bool
		retry, err = d.post(j)
		if err == nil || !retry || attempt >= len(d.delays) {
			return err
		}
		time.Sleep(d.delays[attempt])
	}
}

// post makes one attempt; retry reports whether a later attempt may succeed.
func (d *Dispatcher) post(j job) (retry bool, err error) {
	req, err := http.NewRequest(http.MethodPost, j.ep.URL, bytes.NewReader(j.payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, j.event)
	req.Header.Set(DeliveryHeader, j.id)
	if j.ep.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(j.payload, j.ep.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook rejected delivery with %d", resp.StatusCode)
	}
}

// Close stops accepting events and waits for queued deliveries until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
