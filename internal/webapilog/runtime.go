package webapilog

import (
	"context"
	"errors"
	"io"

	"github.com/mnixry/envoy-webapi-log/internal/config"
	"github.com/mnixry/envoy-webapi-log/internal/exchange"
	"github.com/mnixry/envoy-webapi-log/internal/identity"
	"github.com/mnixry/envoy-webapi-log/internal/metrics"
	"github.com/mnixry/envoy-webapi-log/internal/sink"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
)

// Settings groups the CLI sections a host binary passes to Open.
type Settings struct {
	Scope    config.ScopeConfig
	Capture  config.CaptureConfig
	Command  config.CommandConfig
	Identity config.IdentityConfig
}

// Runtime is a Service together with the resources it was built on.
type Runtime struct {
	Service *Service

	fileScope *config.FileScope
	closers   []io.Closer
}

// Open builds the service from settings. The scope file, when set, must
// load; the integration directory, when set, must open.
func Open(settings Settings, m *metrics.Metrics, log zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{}

	var source config.ScopeSource = config.StaticScope(settings.Scope.Scope())
	if settings.Scope.File != "" {
		file, err := config.NewFileScope(settings.Scope.File, settings.Scope.Scope(), log)
		if err != nil {
			return nil, oops.Wrapf(err, "failed to load scope file")
		}
		rt.fileScope = file
		source = file
	}

	opts := []Option{
		WithLogger(log),
		WithMetrics(m),
		WithExcludeCacheSize(settings.Capture.ExcludeCache),
		WithCorrelatorOptions(exchange.WithSlots(settings.Capture.SlotCapacity, settings.Capture.SlotTTL)),
	}

	if settings.Identity.DSN != "" {
		dir, err := identity.OpenSQLite(settings.Identity.DSN)
		if err != nil {
			return nil, oops.Wrapf(err, "failed to open integration directory")
		}
		rt.closers = append(rt.closers, dir)
		opts = append(opts, WithResolver(identity.NewResolver(dir, identity.Config{
			CacheSize: settings.Identity.CacheSize,
			CacheTTL:  settings.Identity.CacheTTL,
		}, log)))
		log.Info().Int("cache_size", settings.Identity.CacheSize).Dur("cache_ttl", settings.Identity.CacheTTL).Msg("integration directory opened")
	}

	if settings.Command.File != "" {
		opts = append(opts, WithCommandSink(sink.NewCommandSink(sink.CommandConfig{
			Path:       settings.Command.File,
			MaxSize:    settings.Command.MaxSize,
			MaxBackups: settings.Command.MaxBackups,
		})))
		log.Info().Str("file", settings.Command.File).Msg("curl reproductions enabled")
	}

	rt.Service = New(source, opts...)
	return rt, nil
}

// Watch follows the scope file until ctx is done and applies each change.
// Without a scope file it just waits for ctx.
func (rt *Runtime) Watch(ctx context.Context) error {
	if rt.fileScope == nil {
		<-ctx.Done()
		return nil
	}
	return rt.fileScope.Watch(ctx, func(config.Scope) {
		rt.Service.Reload()
	})
}

func (rt *Runtime) Close() error {
	errs := []error{rt.Service.Close()}
	for _, c := range rt.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
