// Package httplog records API exchanges served by a net/http handler.
package httplog

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/mnixry/envoy-webapi-log/internal/exchange"
	"github.com/mnixry/envoy-webapi-log/internal/headers"
	"github.com/rs/zerolog"
)

const DefaultMaxBodySize = 1 << 20

// Capturer is the logging service seen from an HTTP handler chain.
type Capturer interface {
	ShouldCapture(pathInfo string) bool
	Captures(pathInfo string) bool
	BeginRequest(ctx context.Context, key string, req exchange.Request) string
	CompleteResponse(ctx context.Context, key string, resp exchange.Response) error
	Discard(key string)
}

type options struct {
	maxBodySize int
}

type Option func(*options)

// WithMaxBodySize sets the largest body kept verbatim; zero or less keeps
// everything.
func WithMaxBodySize(n int) Option {
	return func(o *options) {
		o.maxBodySize = n
	}
}

// Middleware captures every request the Capturer accepts and records it
// once the wrapped handler returns. The handler sees the request body
// unchanged, and sink failures never reach the client.
func Middleware(c Capturer, log zerolog.Logger, opts ...Option) func(http.Handler) http.Handler {
	o := options{maxBodySize: DefaultMaxBodySize}
	for _, opt := range opts {
		opt(&o)
	}
	log = log.With().Str("middleware", "httplog").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uri := r.URL.RequestURI()
			pathInfo := exchange.PathInfo(uri)
			if !c.ShouldCapture(pathInfo) {
				next.ServeHTTP(w, r)
				return
			}

			key := uuid.NewString()
			body, err := bufferBody(r, o.maxBodySize)
			if err != nil {
				log.Warn().Err(err).Str("uri", uri).Msg("failed to read request body")
			}
			if c.BeginRequest(r.Context(), key, buildRequest(r, uri, body)) == "" {
				next.ServeHTTP(w, r)
				return
			}

			respBody := &exchange.BodyBuffer{Limit: o.maxBodySize}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(respBody)

			completed := false
			defer func() {
				if !completed {
					c.Discard(key)
				}
			}()

			next.ServeHTTP(ww, r)

			completed = true
			if !c.Captures(pathInfo) {
				c.Discard(key)
				return
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			resp := exchange.Response{
				StatusCode: status,
				Headers:    headers.FromHTTP(ww.Header()),
				Body:       respBody.Bytes(),
			}
			if err := c.CompleteResponse(r.Context(), key, resp); err != nil {
				log.Error().Err(err).Str("uri", uri).Int("status", status).Msg("failed to write API log")
			}
		})
	}
}

// bufferBody reads up to limit bytes of the request body for capture and
// puts everything back for the handler.
func bufferBody(r *http.Request, limit int) (*exchange.BodyBuffer, error) {
	captured := &exchange.BodyBuffer{Limit: limit}
	if r.Body == nil || r.Body == http.NoBody {
		return captured, nil
	}

	var src io.Reader = r.Body
	if limit > 0 {
		src = io.LimitReader(r.Body, int64(limit)+1)
	}
	read, err := io.ReadAll(src)
	captured.Write(read)

	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(read), r.Body), r.Body}
	return captured, err
}

func buildRequest(r *http.Request, uri string, body *exchange.BodyBuffer) exchange.Request {
	host, port := splitHostPort(r.Host)
	if port == 0 {
		if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
			_, port = splitHostPort(addr.String())
		}
	}
	remote, _ := splitHostPort(r.RemoteAddr)

	h := headers.FromHTTP(r.Header)
	if r.Host != "" {
		h = append(headers.Fields{{Name: "Host", Value: r.Host}}, h...)
	}

	return exchange.Request{
		Method:     r.Method,
		URI:        uri,
		Protocol:   strings.TrimPrefix(r.Proto, "HTTP/"),
		Host:       host,
		Port:       port,
		RemoteAddr: remote,
		Headers:    h,
		Body:       body.Bytes(),

		BodyUnavailable: body.Oversize(),
	}
}

func splitHostPort(addr string) (string, int) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(p)
	return host, port
}
