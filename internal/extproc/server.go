package extproc

import (
	"context"
	"errors"
	"io"
	"time"

	envoy_service_proc_v3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/mnixry/envoy-webapi-log/internal/headers"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server implements the Envoy ExternalProcessor gRPC service.
// It delegates request processing to a ProcessorFactory.
type Server struct {
	envoy_service_proc_v3.UnimplementedExternalProcessorServer

	factory ProcessorFactory
	log     zerolog.Logger
}

// NewServer creates a new ext_proc Server with the given ProcessorFactory.
func NewServer(factory ProcessorFactory, log zerolog.Logger) *Server {
	return &Server{
		factory: factory,
		log:     log.With().Str("component", "extproc").Logger(),
	}
}

// Process handles the bidirectional streaming RPC for external processing.
// Messages of one stream are handled in arrival order so that body chunks
// reach the processor in sequence.
func (s *Server) Process(srv envoy_service_proc_v3.ExternalProcessor_ProcessServer) error {
	ctx := srv.Context()
	processor := s.factory.NewProcessor()
	if closer, ok := processor.(StreamCloser); ok {
		defer closer.CloseStream()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := srv.Recv()
		if err != nil {
			if status.Code(err) == codes.Canceled || errors.Is(err, io.EOF) {
				return nil
			}
			s.log.Error().Err(err).Msg("failed to receive request")
			return status.Errorf(codes.Unknown, "cannot receive stream request: %v", err)
		}

		start := time.Now()
		resp := s.processOne(ctx, processor, req)
		s.log.Trace().
			Dur("duration", time.Since(start)).
			Type("request_type", req.Request).
			Msg("request processed")
		if err := srv.Send(resp); err != nil {
			s.log.Error().Err(err).Msg("failed to send response")
			return err
		}
	}
}

func (s *Server) processOne(
	ctx context.Context,
	processor Processor,
	req *envoy_service_proc_v3.ProcessingRequest,
) *envoy_service_proc_v3.ProcessingResponse {
	s.log.Debug().
		Type("request_type", req.Request).
		Msg("processing request")

	switch v := req.Request.(type) {
	case *envoy_service_proc_v3.ProcessingRequest_RequestHeaders:
		return s.handleRequestHeaders(ctx, processor, req, v.RequestHeaders)
	case *envoy_service_proc_v3.ProcessingRequest_ResponseHeaders:
		return s.handleResponseHeaders(ctx, processor, req, v.ResponseHeaders)
	case *envoy_service_proc_v3.ProcessingRequest_RequestBody:
		return s.handleRequestBody(ctx, processor, req, v.RequestBody)
	case *envoy_service_proc_v3.ProcessingRequest_ResponseBody:
		return s.handleResponseBody(ctx, processor, req, v.ResponseBody)
	case *envoy_service_proc_v3.ProcessingRequest_RequestTrailers:
		return s.handleRequestTrailers(ctx, processor, req, v.RequestTrailers)
	case *envoy_service_proc_v3.ProcessingRequest_ResponseTrailers:
		return s.handleResponseTrailers(ctx, processor, req, v.ResponseTrailers)
	default:
		s.log.Warn().
			Interface("request", req.Request).
			Type("request_type", v).
			Msg("unknown request type")
		return &envoy_service_proc_v3.ProcessingResponse{}
	}
}

func (s *Server) handleRequestHeaders(
	stream context.Context,
	processor Processor,
	req *envoy_service_proc_v3.ProcessingRequest,
	h *envoy_service_proc_v3.HttpHeaders,
) *envoy_service_proc_v3.ProcessingResponse {
	ctx := &RequestContext{
		Context:     stream,
		Attributes:  req.GetAttributes(),
		Headers:     parseHeaders(h),
		EndOfStream: h.GetEndOfStream(),
	}

	result := processor.ProcessRequestHeaders(ctx)
	return buildHeadersResponse(result, func(resp *envoy_service_proc_v3.HeadersResponse) *envoy_service_proc_v3.ProcessingResponse {
		return &envoy_service_proc_v3.ProcessingResponse{
			Response: &envoy_service_proc_v3.ProcessingResponse_RequestHeaders{
				RequestHeaders: resp,
			},
		}
	})
}

func (s *Server) handleResponseHeaders(
	stream context.Context,
	processor Processor,
	req *envoy_service_proc_v3.ProcessingRequest,
	h *envoy_service_proc_v3.HttpHeaders,
) *envoy_service_proc_v3.ProcessingResponse {
	ctx := &RequestContext{
		Context:     stream,
		Attributes:  req.GetAttributes(),
		Headers:     parseHeaders(h),
		EndOfStream: h.GetEndOfStream(),
	}

	result := processor.ProcessResponseHeaders(ctx)
	return buildHeadersResponse(result, func(resp *envoy_service_proc_v3.HeadersResponse) *envoy_service_proc_v3.ProcessingResponse {
		return &envoy_service_proc_v3.ProcessingResponse{
			Response: &envoy_service_proc_v3.ProcessingResponse_ResponseHeaders{
				ResponseHeaders: resp,
			},
		}
	})
}

func (s *Server) handleRequestBody(
	stream context.Context,
	processor Processor,
	req *envoy_service_proc_v3.ProcessingRequest,
	b *envoy_service_proc_v3.HttpBody,
) *envoy_service_proc_v3.ProcessingResponse {
	ctx := &RequestContext{
		Context:     stream,
		Attributes:  req.GetAttributes(),
		EndOfStream: b.GetEndOfStream(),
	}

	result := processor.ProcessRequestBody(ctx, b.GetBody(), b.GetEndOfStream())
	return buildBodyResponse(result, func(resp *envoy_service_proc_v3.BodyResponse) *envoy_service_proc_v3.ProcessingResponse {
		return &envoy_service_proc_v3.ProcessingResponse{
			Response: &envoy_service_proc_v3.ProcessingResponse_RequestBody{
				RequestBody: resp,
			},
		}
	})
}

func (s *Server) handleResponseBody(
	stream context.Context,
	processor Processor,
	req *envoy_service_proc_v3.ProcessingRequest,
	b *envoy_service_proc_v3.HttpBody,
) *envoy_service_proc_v3.ProcessingResponse {
	ctx := &RequestContext{
		Context:     stream,
		Attributes:  req.GetAttributes(),
		EndOfStream: b.GetEndOfStream(),
	}

	result := processor.ProcessResponseBody(ctx, b.GetBody(), b.GetEndOfStream())
	return buildBodyResponse(result, func(resp *envoy_service_proc_v3.BodyResponse) *envoy_service_proc_v3.ProcessingResponse {
		return &envoy_service_proc_v3.ProcessingResponse{
			Response: &envoy_service_proc_v3.ProcessingResponse_ResponseBody{
				ResponseBody: resp,
			},
		}
	})
}

func (s *Server) handleRequestTrailers(
	stream context.Context,
	processor Processor,
	req *envoy_service_proc_v3.ProcessingRequest,
	_ *envoy_service_proc_v3.HttpTrailers,
) *envoy_service_proc_v3.ProcessingResponse {
	ctx := &RequestContext{
		Context:    stream,
		Attributes: req.GetAttributes(),
	}

	result := processor.ProcessRequestTrailers(ctx)
	return buildTrailersResponse(result, func(resp *envoy_service_proc_v3.TrailersResponse) *envoy_service_proc_v3.ProcessingResponse {
		return &envoy_service_proc_v3.ProcessingResponse{
			Response: &envoy_service_proc_v3.ProcessingResponse_RequestTrailers{
				RequestTrailers: resp,
			},
		}
	})
}

func (s *Server) handleResponseTrailers(
	stream context.Context,
	processor Processor,
	req *envoy_service_proc_v3.ProcessingRequest,
	_ *envoy_service_proc_v3.HttpTrailers,
) *envoy_service_proc_v3.ProcessingResponse {
	ctx := &RequestContext{
		Context:    stream,
		Attributes: req.GetAttributes(),
	}

	result := processor.ProcessResponseTrailers(ctx)
	return buildTrailersResponse(result, func(resp *envoy_service_proc_v3.TrailersResponse) *envoy_service_proc_v3.ProcessingResponse {
		return &envoy_service_proc_v3.ProcessingResponse{
			Response: &envoy_service_proc_v3.ProcessingResponse_ResponseTrailers{
				ResponseTrailers: resp,
			},
		}
	})
}

// Helper functions for building responses.

func parseHeaders(h *envoy_service_proc_v3.HttpHeaders) headers.Fields {
	list := h.GetHeaders().GetHeaders()
	out := make(headers.Fields, 0, len(list))
	for _, hdr := range list {
		if raw := hdr.GetRawValue(); len(raw) > 0 {
			out.Add(hdr.GetKey(), string(raw))
		} else {
			out.Add(hdr.GetKey(), hdr.GetValue())
		}
	}
	return out
}

func buildHeadersResponse(
	result *ProcessingResult,
	wrapper func(*envoy_service_proc_v3.HeadersResponse) *envoy_service_proc_v3.ProcessingResponse,
) *envoy_service_proc_v3.ProcessingResponse {
	if result.ImmediateResponse != nil {
		return &envoy_service_proc_v3.ProcessingResponse{
			Response: &envoy_service_proc_v3.ProcessingResponse_ImmediateResponse{
				ImmediateResponse: result.ImmediateResponse,
			},
		}
	}

	common := &envoy_service_proc_v3.CommonResponse{
		Status: result.Status,
	}
	if result.HeaderMutations != nil && len(result.HeaderMutations.SetHeaders) > 0 {
		common.HeaderMutation = &envoy_service_proc_v3.HeaderMutation{
			SetHeaders:    result.HeaderMutations.SetHeaders,
			RemoveHeaders: result.HeaderMutations.RemoveHeaders,
		}
	}
	return wrapper(&envoy_service_proc_v3.HeadersResponse{Response: common})
}

func buildBodyResponse(
	result *ProcessingResult,
	wrapper func(*envoy_service_proc_v3.BodyResponse) *envoy_service_proc_v3.ProcessingResponse,
) *envoy_service_proc_v3.ProcessingResponse {
	if result.ImmediateResponse != nil {
		return &envoy_service_proc_v3.ProcessingResponse{
			Response: &envoy_service_proc_v3.ProcessingResponse_ImmediateResponse{
				ImmediateResponse: result.ImmediateResponse,
			},
		}
	}

	return wrapper(&envoy_service_proc_v3.BodyResponse{
		Response: &envoy_service_proc_v3.CommonResponse{
			Status: result.Status,
		},
	})
}

func buildTrailersResponse(
	result *ProcessingResult,
	wrapper func(*envoy_service_proc_v3.TrailersResponse) *envoy_service_proc_v3.ProcessingResponse,
) *envoy_service_proc_v3.ProcessingResponse {
	if result.ImmediateResponse != nil {
		return &envoy_service_proc_v3.ProcessingResponse{
			Response: &envoy_service_proc_v3.ProcessingResponse_ImmediateResponse{
				ImmediateResponse: result.ImmediateResponse,
			},
		}
	}

	return wrapper(&envoy_service_proc_v3.TrailersResponse{})
}
