// Package server runs the ext_proc gRPC server and the admin HTTP endpoints
// shared by both binaries.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	envoy_service_proc_v3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mnixry/envoy-webapi-log/internal/extproc"
	"github.com/mnixry/envoy-webapi-log/internal/tlsutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 10 * time.Second

// Config holds the common server configuration.
type Config struct {
	GRPCPort       int
	CertPath       string
	CAFile         string
	HealthPort     int
	DialServerName string
}

// AdminRouter serves /healthz with health and /metrics from gatherer.
func AdminRouter(health http.HandlerFunc, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}
	return r
}

// Run serves ext_proc on the gRPC port and the admin router on the health
// port until ctx is cancelled or either server fails.
func Run(ctx context.Context, cfg Config, factory extproc.ProcessorFactory, gatherer prometheus.Gatherer, log zerolog.Logger) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return oops.Wrapf(err, "failed to listen on port %d", cfg.GRPCPort)
	}

	creds, err := tlsutil.ServerCredentials(cfg.CertPath, log)
	if err != nil {
		lis.Close()
		return oops.Wrapf(err, "failed to load server credentials from %s", cfg.CertPath)
	}

	gs := grpc.NewServer(grpc.Creds(creds))
	envoy_service_proc_v3.RegisterExternalProcessorServer(gs, extproc.NewServer(factory, log))
	grpc_health_v1.RegisterHealthServer(gs, &HealthServer{})

	health := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HealthPort),
		Handler:           AdminRouter(GRPCHealthCheck(cfg, log), gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.GRPCPort).Bool("tls", cfg.CertPath != "").Msg("gRPC server listening")
		return oops.Wrapf(gs.Serve(lis), "failed to serve gRPC")
	})
	g.Go(func() error {
		return ServeHTTP(ctx, health, log.With().Str("server", "health").Logger())
	})
	g.Go(func() error {
		<-ctx.Done()
		gs.GracefulStop()
		return nil
	})
	return g.Wait()
}

// ServeHTTP runs srv until ctx is cancelled, then shuts it down gracefully.
// A TLSConfig on srv makes it serve HTTPS.
func ServeHTTP(ctx context.Context, srv *http.Server, log zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Bool("tls", srv.TLSConfig != nil).Msg("HTTP server listening")
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return oops.With("addr", srv.Addr).Wrapf(err, "failed to serve HTTP")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return oops.With("addr", srv.Addr).Wrapf(err, "failed to shut down HTTP server")
	}
	return nil
}
