package extproc

import (
	"context"
	"net/netip"
	"strings"

	envoy_api_v3_core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_service_proc_v3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/mnixry/envoy-webapi-log/internal/headers"
	"github.com/samber/oops"
	"google.golang.org/protobuf/types/known/structpb"
)

const envoyAttributesKey = "envoy.filters.http.ext_proc"

// Pseudo headers carried by Envoy header maps.
const (
	PseudoMethod    = ":method"
	PseudoPath      = ":path"
	PseudoAuthority = ":authority"
	PseudoScheme    = ":scheme"
	PseudoStatus    = ":status"
)

// RequestContext provides context for processing a single request phase.
type RequestContext struct {
	// Context is the stream context; it is cancelled when Envoy goes away.
	Context context.Context
	// Attributes from Envoy (e.g., source.address, request.protocol).
	Attributes map[string]*structpb.Struct
	// Headers in the order Envoy sent them, pseudo headers included.
	Headers headers.Fields
	// EndOfStream indicates if this is the final message for this phase.
	EndOfStream bool
}

func (c *RequestContext) GetEnvoyAttributeValue(key string) (*structpb.Value, bool) {
	if attr, ok := c.Attributes[envoyAttributesKey]; ok {
		if field, ok := attr.Fields[key]; ok {
			return field, true
		}
	}
	return nil, false
}

// GetEnvoyAttributeString returns a string attribute, or "".
func (c *RequestContext) GetEnvoyAttributeString(key string) string {
	if value, ok := c.GetEnvoyAttributeValue(key); ok {
		return value.GetStringValue()
	}
	return ""
}

// GetEnvoyAttributeValueMap flattens the ext_proc attributes for logging.
func (c *RequestContext) GetEnvoyAttributeValueMap() map[string]any {
	attr, ok := c.Attributes[envoyAttributesKey]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(attr.Fields))
	for key, value := range attr.Fields {
		out[key] = value.AsInterface()
	}
	return out
}

func (c *RequestContext) GetDownstreamRemoteIP() (netip.Addr, error) {
	if value, ok := c.GetEnvoyAttributeValue("source.address"); ok {
		ip, err := ParseIPFromAddress(value.GetStringValue())
		return oops.Wrap2(ip, err)
	}
	if v, ok := c.Headers.Get(HeaderEnvoyExternalAddr); ok {
		ip, err := ParseIPFromAddress(v)
		return oops.Wrap2(ip, err)
	}
	return netip.Addr{}, oops.
		In("extproc").
		With("attrs", c.GetEnvoyAttributeValueMap()).
		New("downstream remote IP not found")
}

func (c *RequestContext) GetRequestID() string {
	return FirstNonEmpty(c.GetEnvoyAttributeString("request.id"), c.Headers.Value("x-request-id"))
}

// Pseudo returns the value of a pseudo header such as ":path".
func (c *RequestContext) Pseudo(name string) string {
	return c.Headers.Value(name)
}

// RegularHeaders returns the headers without the pseudo headers.
func (c *RequestContext) RegularHeaders() headers.Fields {
	out := make(headers.Fields, 0, len(c.Headers))
	for _, f := range c.Headers {
		if !strings.HasPrefix(f.Name, ":") {
			out = append(out, f)
		}
	}
	return out
}

// HeaderMutations represents header modifications to apply.
type HeaderMutations struct {
	SetHeaders    []*envoy_api_v3_core.HeaderValueOption
	RemoveHeaders []string
}

// ProcessingResult represents the outcome of processing a request phase.
type ProcessingResult struct {
	// Status determines whether to continue or respond immediately.
	Status envoy_service_proc_v3.CommonResponse_ResponseStatus
	// HeaderMutations contains header modifications to apply.
	HeaderMutations *HeaderMutations
	// ImmediateResponse, if non-nil, sends an immediate response to the client.
	ImmediateResponse *envoy_service_proc_v3.ImmediateResponse
}

// ContinueResult returns a ProcessingResult that continues processing.
func ContinueResult() *ProcessingResult {
	return &ProcessingResult{
		Status: envoy_service_proc_v3.CommonResponse_CONTINUE,
	}
}

// Processor defines the interface for handling ext_proc requests.
// Each method handles a specific phase of the request/response lifecycle.
// Implementations can maintain state across phases within a single request.
type Processor interface {
	// ProcessRequestHeaders handles incoming request headers.
	ProcessRequestHeaders(ctx *RequestContext) *ProcessingResult

	// ProcessRequestBody handles request body chunks.
	// May be called multiple times for chunked/streaming bodies.
	ProcessRequestBody(ctx *RequestContext, body []byte, endOfStream bool) *ProcessingResult

	// ProcessRequestTrailers handles request trailers.
	ProcessRequestTrailers(ctx *RequestContext) *ProcessingResult

	// ProcessResponseHeaders handles response headers from upstream.
	ProcessResponseHeaders(ctx *RequestContext) *ProcessingResult

	// ProcessResponseBody handles response body chunks.
	// May be called multiple times for chunked/streaming bodies.
	ProcessResponseBody(ctx *RequestContext, body []byte, endOfStream bool) *ProcessingResult

	// ProcessResponseTrailers handles response trailers.
	ProcessResponseTrailers(ctx *RequestContext) *ProcessingResult
}

// StreamCloser is implemented by processors that need to know when their
// stream ends, whether or not every phase was seen.
type StreamCloser interface {
	CloseStream()
}

// ProcessorFactory creates new Processor instances for each incoming request stream.
type ProcessorFactory interface {
	NewProcessor() Processor
}

// BaseProcessor provides a default implementation that continues all phases.
// Embed this in custom processors to only override the phases you need.
type BaseProcessor struct{}

func (BaseProcessor) ProcessRequestHeaders(*RequestContext) *ProcessingResult {
	return ContinueResult()
}

func (BaseProcessor) ProcessRequestBody(*RequestContext, []byte, bool) *ProcessingResult {
	return ContinueResult()
}

func (BaseProcessor) ProcessRequestTrailers(*RequestContext) *ProcessingResult {
	return ContinueResult()
}

func (BaseProcessor) ProcessResponseHeaders(*RequestContext) *ProcessingResult {
	return ContinueResult()
}

func (BaseProcessor) ProcessResponseBody(*RequestContext, []byte, bool) *ProcessingResult {
	return ContinueResult()
}

func (BaseProcessor) ProcessResponseTrailers(*RequestContext) *ProcessingResult {
	return ContinueResult()
}

var _ Processor = (*BaseProcessor)(nil)
