// Package webapilog ties scope, exclusion, redaction, correlation and the
// sinks together behind the two host hooks.
package webapilog

import (
	"context"
	"sync/atomic"

	"github.com/mnixry/envoy-webapi-log/internal/config"
	"github.com/mnixry/envoy-webapi-log/internal/curl"
	"github.com/mnixry/envoy-webapi-log/internal/exchange"
	"github.com/mnixry/envoy-webapi-log/internal/exclusion"
	"github.com/mnixry/envoy-webapi-log/internal/headers"
	"github.com/mnixry/envoy-webapi-log/internal/metrics"
	"github.com/mnixry/envoy-webapi-log/internal/redact"
	"github.com/mnixry/envoy-webapi-log/internal/sink"
	"github.com/rs/zerolog"
)

// state is everything derived from one scope snapshot.
type state struct {
	scope    config.Scope
	matcher  *exclusion.Matcher
	files    *sink.FileSink
	redactor *redact.Redactor
}

// Service is the per-process logger. Hosts call ShouldCapture and
// BeginRequest at dispatch time, CompleteResponse at send time.
type Service struct {
	source     config.ScopeSource
	resolver   redact.IdentityResolver
	commands   *sink.CommandSink
	log        zerolog.Logger
	metrics    *metrics.Metrics
	cacheSize  int
	corrOpts   []exchange.CorrelatorOption
	correlator *exchange.Correlator

	state atomic.Pointer[state]
}

type Option func(*Service)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithResolver enables integration name disclosure when the scope asks for it.
func WithResolver(r redact.IdentityResolver) Option {
	return func(s *Service) {
		s.resolver = r
	}
}

// WithCommandSink enables the curl reproduction stream.
func WithCommandSink(cs *sink.CommandSink) Option {
	return func(s *Service) {
		s.commands = cs
	}
}

// WithExcludeCacheSize bounds the memoized exclusion decisions per snapshot.
func WithExcludeCacheSize(n int) Option {
	return func(s *Service) {
		s.cacheSize = n
	}
}

// WithCorrelatorOptions passes options through to the correlator.
func WithCorrelatorOptions(opts ...exchange.CorrelatorOption) Option {
	return func(s *Service) {
		s.corrOpts = append(s.corrOpts, opts...)
	}
}

func New(source config.ScopeSource, opts ...Option) *Service {
	s := &Service{
		source:    source,
		log:       zerolog.Nop(),
		cacheSize: exclusion.DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "webapilog").Logger()

	corrOpts := append([]exchange.CorrelatorOption{
		exchange.WithRedactor(s),
		exchange.WithLogger(s.log),
		exchange.WithMetrics(s.metrics),
	}, s.corrOpts...)
	s.correlator = exchange.NewCorrelator(s, corrOpts...)

	s.Reload()
	return s
}

// Reload rebuilds matcher, file sink and redactor from the source's current
// snapshot. In-flight exchanges finish against whichever snapshot is current
// when they are recorded.
func (s *Service) Reload() {
	scope := s.source.Current()
	next := &state{
		scope:   scope,
		matcher: exclusion.NewMatcher(scope.ExcludeServices, s.cacheSize),
		files:   sink.NewFileSink(scope.SavePath, sink.WithMetrics(s.metrics)),
		redactor: redact.New(
			redact.WithResolver(s.resolver),
			redact.WithDisclosure(scope.DiscloseIntegration),
			redact.WithLogger(s.log),
			redact.WithMetrics(s.metrics),
		),
	}
	s.state.Store(next)

	s.log.Info().
		Bool("enable", scope.Enabled).
		Bool("disclose_integration", next.redactor.Disclosing()).
		Strs("exclude_services", scope.ExcludeServices).
		Str("save_path", scope.SavePath).
		Msg("scope applied")
}

// Scope returns the snapshot currently in effect.
func (s *Service) Scope() config.Scope {
	return s.state.Load().scope
}

// ShouldCapture is the dispatch-time gate for a routed path. Skips are
// counted.
func (s *Service) ShouldCapture(pathInfo string) bool {
	st := s.state.Load()
	if !st.scope.Enabled {
		s.metrics.Exchange(metrics.ResultDisabled)
		return false
	}
	if st.matcher.IsExcluded(pathInfo) {
		s.metrics.Exchange(metrics.ResultExcluded)
		return false
	}
	return true
}

// Captures is the send-time gate. It answers like ShouldCapture from the
// memoized decision but does not count.
func (s *Service) Captures(pathInfo string) bool {
	st := s.state.Load()
	return st.scope.Enabled && !st.matcher.IsExcluded(pathInfo)
}

func (s *Service) BeginRequest(ctx context.Context, key string, req exchange.Request) string {
	return s.correlator.Begin(ctx, key, req)
}

func (s *Service) CompleteResponse(ctx context.Context, key string, resp exchange.Response) error {
	return s.correlator.Complete(ctx, key, resp)
}

func (s *Service) Discard(key string) {
	s.correlator.Discard(key)
}

// Pending returns the number of exchanges waiting for their response.
func (s *Service) Pending() int {
	return s.correlator.Pending()
}

// Redact applies the current snapshot's redactor.
func (s *Service) Redact(ctx context.Context, h headers.Fields) headers.Fields {
	return s.state.Load().redactor.Redact(ctx, h)
}

// Record writes ex to its route file and, when enabled, appends a curl
// reproduction. Only the route file error is returned.
func (s *Service) Record(ctx context.Context, ex *exchange.Exchange) error {
	st := s.state.Load()
	route := sink.RouteFromURI(ex.Request.URI)

	path, err := st.files.Append(route, sink.Timestamp(ex.End), sink.Format(ex))
	if err != nil {
		s.metrics.Exchange(metrics.ResultSinkError)
		return err
	}
	s.metrics.Exchange(metrics.ResultLogged)
	s.log.Debug().
		Str("uid", ex.UID).
		Str("route", route).
		Int("status", ex.Response.StatusCode).
		Dur("elapsed", ex.Elapsed).
		Str("file", path).
		Msg("exchange logged")

	if s.commands != nil {
		s.appendCommand(ex)
	}
	return nil
}

func (s *Service) appendCommand(ex *exchange.Exchange) {
	cmd, err := curl.Build(curl.FromExchange(ex.Request))
	if err != nil {
		s.metrics.CaptureError(metrics.PhaseCommand)
		s.log.Warn().Err(err).Str("uid", ex.UID).Msg("failed to build curl reproduction")
		return
	}
	if err := s.commands.Append(curl.Entry(ex.Start, cmd)); err != nil {
		s.metrics.CaptureError(metrics.PhaseCommand)
		s.log.Warn().Err(err).Str("uid", ex.UID).Msg("failed to append curl reproduction")
	}
}

// Close releases the reproduction stream.
func (s *Service) Close() error {
	if s.commands == nil {
		return nil
	}
	return s.commands.Close()
}
