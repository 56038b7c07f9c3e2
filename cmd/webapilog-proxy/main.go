package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/mnixry/envoy-webapi-log/internal/config"
	"github.com/mnixry/envoy-webapi-log/internal/httplog"
	"github.com/mnixry/envoy-webapi-log/internal/logger"
	"github.com/mnixry/envoy-webapi-log/internal/metrics"
	"github.com/mnixry/envoy-webapi-log/internal/server"
	"github.com/mnixry/envoy-webapi-log/internal/tlsutil"
	service "github.com/mnixry/envoy-webapi-log/internal/webapilog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	var cli config.ProxyCLI
	kong.Parse(&cli,
		kong.Name("webapilog-proxy"),
		kong.Description("Reverse proxy that writes per-route API request/response logs."),
		kong.UsageOnError(),
	)

	log := logger.New(cli.Log, "webapilog-proxy")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	proxy, err := httplog.NewReverseProxy(cli.Upstream, log)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	rt, err := service.Open(service.Settings{
		Scope:    cli.Scope,
		Capture:  cli.Capture,
		Command:  cli.Command,
		Identity: cli.Identity,
	}, metrics.New(reg), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize API logger")
	}
	defer rt.Close()

	front := &http.Server{
		Addr:              cli.Listen,
		Handler:           httplog.Router(rt.Service, proxy, log, httplog.WithMaxBodySize(cli.Capture.MaxBodySize)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cli.CertPath != "" {
		cw, err := tlsutil.NewCertWatcher(cli.CertPath, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load proxy certificate")
		}
		front.TLSConfig = cw.TLSConfig()
	}
	admin := &http.Server{
		Addr:              fmt.Sprintf(":%d", cli.Health.Port),
		Handler:           server.AdminRouter(server.AlwaysHealthy, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("upstream", cli.Upstream).Str("listen", cli.Listen).Msg("proxy configured")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Watch(ctx)
	})
	g.Go(func() error {
		return server.ServeHTTP(ctx, front, log.With().Str("server", "proxy").Logger())
	})
	g.Go(func() error {
		return server.ServeHTTP(ctx, admin, log.With().Str("server", "health").Logger())
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited")
		rt.Close()
		os.Exit(1)
	}
	log.Info().Msg("shut down")
}
