package config

import (
	"slices"
	"strings"
)

// Scope is an immutable snapshot of the logging scope settings.
type Scope struct {
	Enabled             bool
	DiscloseIntegration bool
	ExcludeServices     []string
	SavePath            string
}

// Equal reports whether two snapshots carry the same settings.
func (s Scope) Equal(o Scope) bool {
	return s.Enabled == o.Enabled &&
		s.DiscloseIntegration == o.DiscloseIntegration &&
		s.SavePath == o.SavePath &&
		slices.Equal(s.ExcludeServices, o.ExcludeServices)
}

// ScopeSource hands out the current scope snapshot.
type ScopeSource interface {
	Current() Scope
}

// StaticScope is a ScopeSource that never changes.
type StaticScope Scope

func (s StaticScope) Current() Scope {
	return Scope(s)
}

// ParseServices splits a comma-separated pattern list, trimming blanks and
// dropping empty entries.
func ParseServices(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
