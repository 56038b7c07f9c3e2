// Package redact rewrites captured headers so that credentials are never
// persisted in clear.
package redact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/mnixry/envoy-webapi-log/internal/headers"
	"github.com/mnixry/envoy-webapi-log/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	AuthorizationHeader = "Authorization"
	hashPrefix          = "SHA256:"
)

var credentialPattern = regexp.MustCompile(`^(\S+)\s(\S+)`)

// IdentityResolver maps an Authorization credential to a human-readable
// integration name. The secret itself is never returned.
type IdentityResolver interface {
	IntegrationName(ctx context.Context, scheme, credentials string) (string, error)
}

// Redactor hashes the Authorization header and passes everything else through.
type Redactor struct {
	resolver IdentityResolver
	disclose bool
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Redactor)

// WithResolver sets the identity resolver used when disclosure is enabled.
func WithResolver(resolver IdentityResolver) Option {
	return func(r *Redactor) {
		r.resolver = resolver
	}
}

// WithDisclosure toggles the integration name annotation.
func WithDisclosure(enabled bool) Option {
	return func(r *Redactor) {
		r.disclose = enabled
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Redactor) {
		r.log = log.With().Str("component", "redact").Logger()
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Redactor) {
		r.metrics = m
	}
}

// New creates a Redactor. Without options it only hashes.
func New(opts ...Option) *Redactor {
	r := &Redactor{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Disclosing reports whether integration names are resolved.
func (r *Redactor) Disclosing() bool {
	return r.disclose && r.resolver != nil
}

// Redact returns a copy of h with the Authorization value replaced. The
// header name keeps the casing it arrived with.
func (r *Redactor) Redact(ctx context.Context, h headers.Fields) headers.Fields {
	out := h.Clone()
	for i, field := range out {
		if strings.EqualFold(field.Name, AuthorizationHeader) {
			out[i].Value = r.redactAuthorization(ctx, field.Value)
		}
	}
	return out
}

func (r *Redactor) redactAuthorization(ctx context.Context, value string) string {
	match := credentialPattern.FindStringSubmatch(value)
	if len(match) != 3 {
		return HashValue(value)
	}
	scheme, token := match[1], match[2]

	if name := r.integrationName(ctx, scheme, value); name != "" {
		return scheme + " [" + name + "] " + HashValue(token)
	}
	return scheme + " " + HashValue(token)
}

func (r *Redactor) integrationName(ctx context.Context, scheme, value string) string {
	if !r.Disclosing() {
		return ""
	}
	_, credentials, _ := strings.Cut(value, scheme)
	credentials = strings.TrimSpace(credentials)

	name, err := r.resolver.IntegrationName(ctx, scheme, credentials)
	if err != nil {
		r.metrics.IdentityLookup("error")
		r.log.Debug().Err(err).Str("scheme", scheme).Msg("integration name not resolved")
		return ""
	}
	r.metrics.IdentityLookup("resolved")
	return name
}

// HashValue returns "SHA256:" followed by the lowercase hex digest of s.
func HashValue(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hashPrefix + hex.EncodeToString(sum[:])
}
