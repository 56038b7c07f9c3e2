// Package exclusion decides which API routes are skipped by the logger.
package exclusion

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of memoized path decisions.
const DefaultCacheSize = 4096

type segment struct {
	value    string
	variable bool
}

type rule struct {
	pattern  string
	segments []segment
}

// Matcher matches request paths against route patterns such as
// "V1/integration/:id/token". A segment beginning with a single ':' is a
// variable and matches any one path segment; "::name" is a literal.
//
// Decisions are memoized per raw path for the lifetime of the Matcher. Build a
// new Matcher when the pattern list changes.
type Matcher struct {
	rules     []rule
	decisions *lru.Cache[string, bool]
}

// NewMatcher compiles the patterns. Empty patterns are ignored.
func NewMatcher(patterns []string, cacheSize int) *Matcher {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	// lru.New only fails on a non-positive size.
	decisions, _ := lru.New[string, bool](cacheSize)

	m := &Matcher{decisions: decisions}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		m.rules = append(m.rules, compile(p))
	}
	return m
}

func compile(pattern string) rule {
	parts := split(pattern)
	r := rule{pattern: pattern, segments: make([]segment, len(parts))}
	for i, part := range parts {
		r.segments[i] = segment{
			value:    part,
			variable: strings.HasPrefix(part, ":") && !strings.HasPrefix(part, "::"),
		}
	}
	return r
}

func split(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// IsExcluded reports whether any pattern matches path.
func (m *Matcher) IsExcluded(path string) bool {
	if decision, ok := m.decisions.Get(path); ok {
		return decision
	}
	decision := m.evaluate(path)
	m.decisions.Add(path, decision)
	return decision
}

func (m *Matcher) evaluate(path string) bool {
	if len(m.rules) == 0 {
		return false
	}
	parts := split(path)
	for _, r := range m.rules {
		if r.matches(parts) {
			return true
		}
	}
	return false
}

func (r rule) matches(parts []string) bool {
	if len(parts) != len(r.segments) {
		return false
	}
	for i, seg := range r.segments {
		if !seg.variable && seg.value != parts[i] {
			return false
		}
	}
	return true
}

// Patterns returns the compiled patterns in configuration order.
func (m *Matcher) Patterns() []string {
	out := make([]string, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.pattern
	}
	return out
}
