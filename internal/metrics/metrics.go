// Package metrics exposes operational counters of the API logger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exchange results.
const (
	ResultLogged    = "logged"
	ResultExcluded  = "excluded"
	ResultDisabled  = "disabled"
	ResultSinkError = "sink_error"
	ResultDropped   = "dropped"
)

// Capture phases.
const (
	PhaseRequest  = "request"
	PhaseResponse = "response"
	PhaseCommand  = "command"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	exchanges       *prometheus.CounterVec
	captureErrors   *prometheus.CounterVec
	identityLookups *prometheus.CounterVec
	sinkWrite       prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		exchanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webapilog_exchanges_total",
				Help: "API exchanges seen by the logger, by outcome.",
			},
			[]string{"result"},
		),
		captureErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webapilog_capture_errors_total",
				Help: "Non-fatal capture failures, by phase.",
			},
			[]string{"phase"},
		),
		identityLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webapilog_identity_lookups_total",
				Help: "Integration name lookups, by result.",
			},
			[]string{"result"},
		),
		sinkWrite: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webapilog_sink_write_seconds",
				Help:    "Time spent appending one exchange record.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
	}
}

func (m *Metrics) Exchange(result string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(result).Inc()
}

func (m *Metrics) CaptureError(phase string) {
	if m == nil {
		return
	}
	m.captureErrors.WithLabelValues(phase).Inc()
}

func (m *Metrics) IdentityLookup(result string) {
	if m == nil {
		return
	}
	m.identityLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSinkWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.sinkWrite.Observe(d.Seconds())
}
