package httplog

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mnixry/envoy-webapi-log/internal/exchange"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapturer struct {
	mu        sync.Mutex
	excluded  map[string]bool
	requests  []exchange.Request
	responses []exchange.Response
	discarded int
	err       error
}

func (f *fakeCapturer) ShouldCapture(pathInfo string) bool { return f.Captures(pathInfo) }

func (f *fakeCapturer) Captures(pathInfo string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.excluded[pathInfo]
}

func (f *fakeCapturer) BeginRequest(_ context.Context, key string, req exchange.Request) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return "uid-" + key
}

func (f *fakeCapturer) CompleteResponse(_ context.Context, _ string, resp exchange.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return f.err
}

func (f *fakeCapturer) Discard(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded++
}

func echoHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"echo":`))
		w.Write(body)
		w.Write([]byte(`}`))
	})
}

func TestMiddlewareCapturesExchange(t *testing.T) {
	c := &fakeCapturer{}
	h := Middleware(c, zerolog.Nop())(echoHandler(t))

	req := httptest.NewRequest(http.MethodPost, "http://shop.test:8080/rest/V1/orders?x=1", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.9:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"echo":{"a":1}}`, rec.Body.String())

	require.Len(t, c.requests, 1)
	got := c.requests[0]
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/rest/V1/orders?x=1", got.URI)
	assert.Equal(t, "1.1", got.Protocol)
	assert.Equal(t, "shop.test", got.Host)
	assert.Equal(t, 8080, got.Port)
	assert.Equal(t, "192.0.2.9", got.RemoteAddr)
	assert.Equal(t, `{"a":1}`, string(got.Body))
	assert.False(t, got.BodyUnavailable)
	assert.Equal(t, "shop.test:8080", got.Headers.Value("Host"))
	assert.Equal(t, "Host", got.Headers[0].Name)

	require.Len(t, c.responses, 1)
	resp := c.responses[0]
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"echo":{"a":1}}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Headers.Value("content-type"))
	assert.Zero(t, c.discarded)
}

func TestMiddlewareImplicitOK(t *testing.T) {
	c := &fakeCapturer{}
	h := Middleware(c, zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rest/V1/orders", nil))
	require.Len(t, c.responses, 1)
	assert.Equal(t, http.StatusOK, c.responses[0].StatusCode)
	assert.Empty(t, c.requests[0].Body)
}

func TestMiddlewareSkipsExcluded(t *testing.T) {
	c := &fakeCapturer{excluded: map[string]bool{"/V1/health": true}}
	h := Middleware(c, zerolog.Nop())(echoHandler(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rest/V1/health", strings.NewReader("x")))
	assert.Equal(t, `{"echo":x}`, rec.Body.String())
	assert.Empty(t, c.requests)
	assert.Empty(t, c.responses)
}

func TestMiddlewareOversizedBodiesStillReachHandler(t *testing.T) {
	c := &fakeCapturer{}
	h := Middleware(c, zerolog.Nop(), WithMaxBodySize(4))(echoHandler(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rest/V1/orders", strings.NewReader("0123456789")))

	assert.Equal(t, `{"echo":0123456789}`, rec.Body.String())
	require.Len(t, c.requests, 1)
	assert.Equal(t, exchange.OversizedBody(4), c.requests[0].Body)
	assert.True(t, c.requests[0].BodyUnavailable)
	require.Len(t, c.responses, 1)
	assert.Equal(t, exchange.OversizedBody(4), c.responses[0].Body)
}

func TestMiddlewareSinkErrorDoesNotAlterResponse(t *testing.T) {
	c := &fakeCapturer{err: errors.New("disk full")}
	h := Middleware(c, zerolog.Nop())(echoHandler(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rest/V1/orders", strings.NewReader("1")))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"echo":1}`, rec.Body.String())
}

func TestMiddlewareDiscardsOnPanic(t *testing.T) {
	c := &fakeCapturer{}
	h := Middleware(c, zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rest/V1/orders", nil))
	})
	assert.Equal(t, 1, c.discarded)
	assert.Empty(t, c.responses)
}

func TestMiddlewareDiscardsWhenExcludedBeforeSend(t *testing.T) {
	c := &fakeCapturer{excluded: map[string]bool{}}
	h := Middleware(c, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		c.mu.Lock()
		c.excluded["/V1/orders"] = true
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rest/V1/orders", nil))
	assert.Len(t, c.requests, 1)
	assert.Empty(t, c.responses)
	assert.Equal(t, 1, c.discarded)
}
