// Package exchange captures API request/response pairs for logging.
package exchange

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mnixry/envoy-webapi-log/internal/headers"
)

const (
	RequestAuthSentinel  = "Request body is not available for authorization requests."
	ResponseAuthSentinel = "Response body is not available for authorization requests."
	ResponseNotForwarded = "Response body is not available: not forwarded by the proxy."
)

// APIVersionMarker separates the host prefix (e.g. "/rest/default") from the
// routed service path.
const APIVersionMarker = "/V1/"

var authPathPattern = regexp.MustCompile(`integration/(admin|customer)/token`)

// Request is the captured request envelope.
type Request struct {
	Method     string
	URI        string
	Protocol   string
	Host       string
	Port       int
	RemoteAddr string
	Headers    headers.Fields
	Body       []byte
	// IsAuth may be preset by a host that knows the call targets a token
	// endpoint under another path; capture only ever sets it.
	IsAuth bool
	// BodyUnavailable marks Body as a notice standing in for the payload.
	BodyUnavailable bool
}

// PathInfo returns the routed path of the request URI.
func (r Request) PathInfo() string {
	return PathInfo(r.URI)
}

// Response is the captured response envelope.
type Response struct {
	StatusCode  int
	Headers     headers.Fields
	Body        []byte
	IsException bool
}

// Exchange is one correlated request and response.
type Exchange struct {
	UID      string
	Request  Request
	Response Response
	Start    time.Time
	End      time.Time
	Elapsed  time.Duration
	IsAPI    bool
}

// PathInfo strips the query and everything before the API version marker.
// URIs without the marker are returned as their path.
func PathInfo(uri string) string {
	path, _, _ := strings.Cut(uri, "?")
	if idx := strings.Index(path, APIVersionMarker); idx >= 0 {
		return path[idx:]
	}
	return path
}

// IsAuthPath reports whether path is a token issuance endpoint.
func IsAuthPath(path string) bool {
	return authPathPattern.MatchString(path)
}

// OversizedBody is substituted for bodies larger than the capture limit.
func OversizedBody(limit int) []byte {
	return []byte("Body is not available: exceeds " + strconv.Itoa(limit) + " bytes.")
}

// BodyBuffer accumulates a body up to Limit bytes. Once the limit is passed
// only the oversize notice is kept. Writes never fail, so it can sit behind
// an io.TeeReader or a response writer tee. A Limit of zero or less keeps
// everything.
type BodyBuffer struct {
	Limit    int
	buf      []byte
	oversize bool
}

func (b *BodyBuffer) Write(p []byte) (int, error) {
	if b.oversize {
		return len(p), nil
	}
	if b.Limit > 0 && len(b.buf)+len(p) > b.Limit {
		b.oversize = true
		b.buf = nil
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Bytes returns the captured body or the oversize notice.
func (b *BodyBuffer) Bytes() []byte {
	if b.oversize {
		return OversizedBody(b.Limit)
	}
	return b.buf
}

// Len is the number of payload bytes kept, zero once oversize.
func (b *BodyBuffer) Len() int {
	return len(b.buf)
}

// Oversize reports whether the limit was passed.
func (b *BodyBuffer) Oversize() bool {
	return b.oversize
}
