package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mnixry/envoy-webapi-log/internal/tlsutil"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const healthCheckTimeout = 3 * time.Second

// HealthServer implements the gRPC Health Checking Protocol.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
}

func (s *HealthServer) Check(context.Context, *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{
		Status: grpc_health_v1.HealthCheckResponse_SERVING,
	}, nil
}

func (s *HealthServer) Watch(_ *grpc_health_v1.HealthCheckRequest, srv grpc_health_v1.Health_WatchServer) error {
	return srv.Send(&grpc_health_v1.HealthCheckResponse{
		Status: grpc_health_v1.HealthCheckResponse_SERVING,
	})
}

// GRPCHealthCheck dials the local gRPC port and reports its health status.
func GRPCHealthCheck(cfg Config, log zerolog.Logger) http.HandlerFunc {
	creds := tlsutil.ClientCredentials(cfg.CertPath == "", cfg.CAFile, cfg.DialServerName, log)
	target := fmt.Sprintf("localhost:%d", cfg.GRPCPort)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
		if err != nil {
			log.Warn().Err(err).Msg("health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
		if err != nil {
			log.Warn().Err(err).Msg("health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// AlwaysHealthy reports the process as serving while it can answer HTTP.
func AlwaysHealthy(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
