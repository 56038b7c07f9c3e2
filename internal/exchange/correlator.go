package exchange

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mnixry/envoy-webapi-log/internal/headers"
	"github.com/mnixry/envoy-webapi-log/internal/metrics"
	"github.com/mnixry/envoy-webapi-log/internal/redact"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
)

const (
	DefaultSlotCapacity = 10000
	DefaultSlotTTL      = 5 * time.Minute
)

// Recorder persists a completed exchange.
type Recorder interface {
	Record(ctx context.Context, ex *Exchange) error
}

// HeaderRedactor rewrites captured request headers before they are stored.
type HeaderRedactor interface {
	Redact(ctx context.Context, h headers.Fields) headers.Fields
}

type slot struct {
	exchange *Exchange
	done     atomic.Bool
}

// Correlator joins a request seen at dispatch time with the response seen at
// send time. Each in-flight exchange lives in a slot keyed by a token the host
// owns for the duration of one call (an ext_proc stream, an HTTP request), so
// concurrent calls never share a slot. Slots that never see a response expire.
type Correlator struct {
	recorder Recorder
	redactor HeaderRedactor
	slots    *expirable.LRU[string, *slot]
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newUID   func() string

	capacity int
	ttl      time.Duration
}

type CorrelatorOption func(*Correlator)

func WithRedactor(r HeaderRedactor) CorrelatorOption {
	return func(c *Correlator) {
		c.redactor = r
	}
}

func WithLogger(log zerolog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.log = log.With().Str("component", "correlator").Logger()
	}
}

func WithMetrics(m *metrics.Metrics) CorrelatorOption {
	return func(c *Correlator) {
		c.metrics = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CorrelatorOption {
	return func(c *Correlator) {
		c.now = now
	}
}

// WithUIDGenerator overrides the exchange uid source.
func WithUIDGenerator(gen func() string) CorrelatorOption {
	return func(c *Correlator) {
		c.newUID = gen
	}
}

// WithSlots bounds the number of in-flight exchanges and how long a request
// waits for its response.
func WithSlots(capacity int, ttl time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		c.capacity = capacity
		c.ttl = ttl
	}
}

func NewCorrelator(recorder Recorder, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		recorder: recorder,
		redactor: redact.New(),
		log:      zerolog.Nop(),
		now:      time.Now,
		newUID:   uuid.NewString,
		capacity: DefaultSlotCapacity,
		ttl:      DefaultSlotTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.capacity <= 0 {
		c.capacity = DefaultSlotCapacity
	}
	c.slots = expirable.NewLRU[string, *slot](c.capacity, c.onEvict, c.ttl)
	return c
}

func (c *Correlator) onEvict(key string, s *slot) {
	if s.done.Load() {
		return
	}
	c.metrics.Exchange(metrics.ResultDropped)
	c.log.Debug().
		Str("key", key).
		Str("uid", s.exchange.UID).
		Str("uri", s.exchange.Request.URI).
		Msg("exchange dropped without response")
}

// Begin captures req under key and returns the exchange uid. Capture never
// fails the caller: problems are logged and "" is returned.
func (c *Correlator) Begin(ctx context.Context, key string, req Request) string {
	var ex *Exchange
	if err := oops.Recover(func() {
		ex = c.capture(ctx, req)
	}); err != nil {
		c.metrics.CaptureError(metrics.PhaseRequest)
		c.log.Warn().Err(err).Str("uri", req.URI).Msg("exception when logging API request")
		return ""
	}

	if prev, ok := c.slots.Peek(key); ok {
		prev.done.Store(true)
		c.metrics.Exchange(metrics.ResultDropped)
		c.log.Warn().
			Str("key", key).
			Str("uid", prev.exchange.UID).
			Msg("exchange replaced before its response was captured")
	}
	c.slots.Add(key, &slot{exchange: ex})
	return ex.UID
}

func (c *Correlator) capture(ctx context.Context, req Request) *Exchange {
	req.IsAuth = req.IsAuth || IsAuthPath(req.PathInfo())
	if req.IsAuth {
		req.Body = []byte(RequestAuthSentinel)
		req.BodyUnavailable = true
	}
	req.Headers = c.redactor.Redact(ctx, req.Headers)

	return &Exchange{
		UID:     c.newUID(),
		Request: req,
		Start:   c.now(),
		IsAPI:   true,
	}
}

// Complete merges resp into the exchange captured under key and hands it to
// the Recorder. Without a captured request it does nothing. Only the
// Recorder's error is returned.
func (c *Correlator) Complete(ctx context.Context, key string, resp Response) error {
	s, ok := c.slots.Get(key)
	if !ok {
		return nil
	}
	s.done.Store(true)
	c.slots.Remove(key)

	var ex *Exchange
	if err := oops.Recover(func() {
		ex = c.finish(s.exchange, resp)
	}); err != nil {
		c.metrics.CaptureError(metrics.PhaseResponse)
		c.log.Warn().Err(err).Str("uid", s.exchange.UID).Msg("exception when logging API response")
		return nil
	}
	return c.recorder.Record(ctx, ex)
}

func (c *Correlator) finish(ex *Exchange, resp Response) *Exchange {
	resp.IsException = resp.IsException || resp.StatusCode >= 400
	if ex.Request.IsAuth {
		resp.Body = []byte(ResponseAuthSentinel)
	}
	ex.Response = resp
	ex.End = c.now()
	ex.Elapsed = ex.End.Sub(ex.Start)
	return ex
}

// Discard forgets the exchange under key without recording it.
func (c *Correlator) Discard(key string) {
	if s, ok := c.slots.Peek(key); ok {
		s.done.Store(true)
		c.slots.Remove(key)
	}
}

// Pending returns the number of exchanges waiting for a response.
func (c *Correlator) Pending() int {
	return c.slots.Len()
}
