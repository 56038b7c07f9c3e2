// Package webapilog provides an ext_proc processor that records each API
// exchange passing through Envoy.
package webapilog

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mnixry/envoy-webapi-log/internal/exchange"
	"github.com/mnixry/envoy-webapi-log/internal/extproc"
	"github.com/mnixry/envoy-webapi-log/internal/headers"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxBodySize = 1 << 20
	defaultProtocol    = "1.1"
)

// Capturer is the logging service seen from the ext_proc host.
type Capturer interface {
	ShouldCapture(pathInfo string) bool
	Captures(pathInfo string) bool
	BeginRequest(ctx context.Context, key string, req exchange.Request) string
	CompleteResponse(ctx context.Context, key string, resp exchange.Response) error
	Discard(key string)
}

type ProcessorFactory struct {
	capturer    Capturer
	log         zerolog.Logger
	maxBodySize int
}

type Option func(*ProcessorFactory)

// WithMaxBodySize sets the largest body kept verbatim; zero or less keeps
// everything.
func WithMaxBodySize(n int) Option {
	return func(f *ProcessorFactory) {
		f.maxBodySize = n
	}
}

func NewProcessorFactory(capturer Capturer, log zerolog.Logger, opts ...Option) *ProcessorFactory {
	f := &ProcessorFactory{
		capturer:    capturer,
		log:         log.With().Str("processor", "webapilog").Logger(),
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewProcessor creates a processor for one ext_proc stream. The stream is
// the correlation slot.
func (f *ProcessorFactory) NewProcessor() extproc.Processor {
	return &Processor{
		factory: f,
		key:     uuid.NewString(),
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseSkipped
	phaseBuffering
	phaseCaptured
	phaseResponded
	phaseDone
)

// Processor correlates the request and response of a single stream.
type Processor struct {
	extproc.BaseProcessor
	factory *ProcessorFactory
	key     string

	mu       sync.Mutex
	phase    phase
	pathInfo string
	request  exchange.Request
	response exchange.Response
	reqBody  exchange.BodyBuffer
	respBody exchange.BodyBuffer
}

// ProcessRequestHeaders decides whether the call is logged and captures the
// request line and headers.
func (p *Processor) ProcessRequestHeaders(ctx *extproc.RequestContext) *extproc.ProcessingResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Decisions use the routed :path. x-envoy-original-path is client
	// controllable unless Envoy strips it, so it only names the logged URI
	// and can add, never remove, the auth marking.
	path := ctx.Pseudo(extproc.PseudoPath)
	uri := extproc.FirstNonEmpty(ctx.Headers.Value("x-envoy-original-path"), path)
	p.pathInfo = exchange.PathInfo(extproc.FirstNonEmpty(path, uri))
	if !p.factory.capturer.ShouldCapture(p.pathInfo) {
		p.phase = phaseSkipped
		return extproc.ContinueResult()
	}

	host := extproc.FirstNonEmpty(ctx.Pseudo(extproc.PseudoAuthority), ctx.Headers.Value("host"))
	hdrs := ctx.RegularHeaders()
	if host != "" && !hdrs.Has("host") {
		hdrs = append(headers.Fields{{Name: "Host", Value: host}}, hdrs...)
	}

	p.request = exchange.Request{
		Method:   ctx.Pseudo(extproc.PseudoMethod),
		URI:      uri,
		Protocol: protocolVersion(ctx.GetEnvoyAttributeString("request.protocol")),
		Headers:  hdrs,
		IsAuth:   exchange.IsAuthPath(p.pathInfo) || exchange.IsAuthPath(exchange.PathInfo(uri)),
	}
	p.request.Host, p.request.Port = hostPort(ctx, host)
	if ip, err := ctx.GetDownstreamRemoteIP(); err == nil {
		p.request.RemoteAddr = ip.String()
	} else {
		p.factory.log.Debug().Err(err).Msg("failed to get downstream remote IP")
	}

	p.reqBody.Limit = p.factory.maxBodySize
	p.respBody.Limit = p.factory.maxBodySize
	p.phase = phaseBuffering

	if ctx.EndOfStream {
		p.begin(ctx)
	}
	return extproc.ContinueResult()
}

func (p *Processor) ProcessRequestBody(ctx *extproc.RequestContext, body []byte, endOfStream bool) *extproc.ProcessingResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase != phaseBuffering {
		return extproc.ContinueResult()
	}
	p.reqBody.Write(body)
	if endOfStream {
		p.begin(ctx)
	}
	return extproc.ContinueResult()
}

func (p *Processor) ProcessRequestTrailers(ctx *extproc.RequestContext) *extproc.ProcessingResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase == phaseBuffering {
		p.begin(ctx)
	}
	return extproc.ContinueResult()
}

// ProcessResponseHeaders captures the status and headers. A request whose
// body was never delivered is captured here with what was seen.
func (p *Processor) ProcessResponseHeaders(ctx *extproc.RequestContext) *extproc.ProcessingResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase == phaseBuffering {
		p.begin(ctx)
	}
	if p.phase != phaseCaptured {
		return extproc.ContinueResult()
	}
	p.phase = phaseResponded

	status, err := strconv.Atoi(ctx.Pseudo(extproc.PseudoStatus))
	if err != nil {
		p.factory.log.Debug().Err(err).Str("status", ctx.Pseudo(extproc.PseudoStatus)).Msg("failed to parse response status")
	}
	p.response = exchange.Response{
		StatusCode: status,
		Headers:    ctx.RegularHeaders(),
	}

	if ctx.EndOfStream {
		p.complete(ctx)
	}
	return extproc.ContinueResult()
}

func (p *Processor) ProcessResponseBody(ctx *extproc.RequestContext, body []byte, endOfStream bool) *extproc.ProcessingResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase != phaseResponded {
		return extproc.ContinueResult()
	}
	p.respBody.Write(body)
	if endOfStream {
		p.complete(ctx)
	}
	return extproc.ContinueResult()
}

func (p *Processor) ProcessResponseTrailers(ctx *extproc.RequestContext) *extproc.ProcessingResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase == phaseResponded {
		p.complete(ctx)
	}
	return extproc.ContinueResult()
}

// CloseStream forgets a request that never saw a response. A response whose
// headers arrived but whose body was not forwarded (a NONE body mode, or a
// stream cut mid-body) is recorded with what was seen.
func (p *Processor) CloseStream() {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.phase {
	case phaseCaptured:
		p.factory.capturer.Discard(p.key)
		p.factory.log.Debug().Str("uri", p.request.URI).Msg("stream closed before response headers")
	case phaseResponded:
		if p.respBody.Len() == 0 && !p.respBody.Oversize() {
			p.respBody = exchange.BodyBuffer{}
			p.respBody.Write([]byte(exchange.ResponseNotForwarded))
		}
		p.complete(&extproc.RequestContext{})
	}
	p.phase = phaseDone
}

func (p *Processor) begin(ctx *extproc.RequestContext) {
	p.request.Body = p.reqBody.Bytes()
	p.request.BodyUnavailable = p.reqBody.Oversize()
	uid := p.factory.capturer.BeginRequest(streamContext(ctx), p.key, p.request)
	if uid == "" {
		p.phase = phaseDone
		return
	}
	p.phase = phaseCaptured
	p.factory.log.Trace().
		Str("uid", uid).
		Str("request_id", ctx.GetRequestID()).
		Str("uri", p.request.URI).
		Msg("request captured")
}

func (p *Processor) complete(ctx *extproc.RequestContext) {
	p.phase = phaseDone
	if !p.factory.capturer.Captures(p.pathInfo) {
		p.factory.capturer.Discard(p.key)
		return
	}
	p.response.Body = p.respBody.Bytes()
	if err := p.factory.capturer.CompleteResponse(streamContext(ctx), p.key, p.response); err != nil {
		p.factory.log.Error().
			Err(err).
			Str("uri", p.request.URI).
			Int("status", p.response.StatusCode).
			Msg("failed to write API log")
	}
}

func streamContext(ctx *extproc.RequestContext) context.Context {
	if ctx.Context != nil {
		return ctx.Context
	}
	return context.Background()
}

// protocolVersion turns Envoy's "HTTP/1.1" into "1.1".
func protocolVersion(proto string) string {
	if v, ok := strings.CutPrefix(proto, "HTTP/"); ok && v != "" {
		return v
	}
	return defaultProtocol
}

// hostPort prefers the listener port Envoy reports, then a port in the
// authority.
func hostPort(ctx *extproc.RequestContext, authority string) (string, int) {
	host := authority
	port := 0
	if h, p, err := net.SplitHostPort(authority); err == nil {
		host = h
		port, _ = strconv.Atoi(p)
	}
	if v, ok := ctx.GetEnvoyAttributeValue("destination.port"); ok {
		if n, ok := extproc.AttributeInt(v); ok {
			port = n
		}
	}
	return host, port
}

var _ extproc.ProcessorFactory = (*ProcessorFactory)(nil)

var (
	_ extproc.Processor    = (*Processor)(nil)
	_ extproc.StreamCloser = (*Processor)(nil)
)
