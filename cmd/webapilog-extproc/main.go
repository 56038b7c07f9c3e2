package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/mnixry/envoy-webapi-log/internal/config"
	"github.com/mnixry/envoy-webapi-log/internal/extproc/webapilog"
	"github.com/mnixry/envoy-webapi-log/internal/logger"
	"github.com/mnixry/envoy-webapi-log/internal/metrics"
	"github.com/mnixry/envoy-webapi-log/internal/server"
	service "github.com/mnixry/envoy-webapi-log/internal/webapilog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	var cli config.ExtProcCLI
	kong.Parse(&cli,
		kong.Name("webapilog-extproc"),
		kong.Description("Envoy external processor that writes per-route API request/response logs."),
		kong.UsageOnError(),
	)

	log := logger.New(cli.Log, "webapilog-extproc")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

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

	factory := webapilog.NewProcessorFactory(rt.Service, log, webapilog.WithMaxBodySize(cli.Capture.MaxBodySize))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Watch(ctx)
	})
	g.Go(func() error {
		return server.Run(ctx, server.Config{
			GRPCPort:       cli.GRPC.Port,
			CertPath:       cli.GRPC.CertPath,
			CAFile:         cli.GRPC.CAFile,
			HealthPort:     cli.Health.Port,
			DialServerName: cli.Health.DialServerName,
		}, factory, reg, log)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited")
		rt.Close()
		os.Exit(1)
	}
	log.Info().Msg("shut down")
}
