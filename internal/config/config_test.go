package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{raw: "", want: nil},
		{raw: "V1/orders/:id", want: []string{"V1/orders/:id"}},
		{raw: " V1/a , ,V1/b/:id,", want: []string{"V1/a", "V1/b/:id"}},
		{raw: ",,,", want: nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseServices(tt.raw), tt.raw)
	}
}

func TestScopeConfigSnapshot(t *testing.T) {
	cfg := ScopeConfig{
		Enable:                true,
		EnableIntegrationName: true,
		ExcludeServices:       "V1/health, V1/orders/:id",
		SavePath:              "/var/log/webapi_rest",
	}
	want := Scope{
		Enabled:             true,
		DiscloseIntegration: true,
		ExcludeServices:     []string{"V1/health", "V1/orders/:id"},
		SavePath:            "/var/log/webapi_rest",
	}
	assert.True(t, want.Equal(cfg.Scope()))
	assert.True(t, want.Equal(StaticScope(want).Current()))
	assert.False(t, want.Equal(Scope{}))
}

func writeScope(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestFileScopeLayersOverFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.yaml")
	fallback := Scope{Enabled: true, SavePath: "/fallback"}

	tests := []struct {
		name string
		body string
		want Scope
	}{
		{
			name: "empty file keeps fallback",
			body: "",
			want: fallback,
		},
		{
			name: "comma string",
			body: "enable: false\nexclude_services: 'V1/a, V1/b/:id'\n",
			want: Scope{Enabled: false, SavePath: "/fallback", ExcludeServices: []string{"V1/a", "V1/b/:id"}},
		},
		{
			name: "list",
			body: "enable_integration_name: true\nsave_path: /srv/logs\nexclude_services:\n  - V1/a\n  - ' V1/c '\n",
			want: Scope{Enabled: true, DiscloseIntegration: true, SavePath: "/srv/logs", ExcludeServices: []string{"V1/a", "V1/c"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeScope(t, path, tt.body)
			sc, err := NewFileScope(path, fallback, zerolog.Nop())
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(sc.Current()), "got %+v", sc.Current())
		})
	}
}

func TestFileScopeErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFileScope(filepath.Join(dir, "missing.yaml"), Scope{}, zerolog.Nop())
	require.Error(t, err)
	oe, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "SCOPE_READ_FAILED", oe.Code())

	path := filepath.Join(dir, "scope.yaml")
	writeScope(t, path, "enable: [true\n")
	_, err = NewFileScope(path, Scope{}, zerolog.Nop())
	require.Error(t, err)
	oe, ok = oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "SCOPE_PARSE_FAILED", oe.Code())

	writeScope(t, path, "exclude_services: {a: b}\n")
	_, err = NewFileScope(path, Scope{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exclude_services must be a string or a list")
}

func TestFileScopeReloadKeepsLastGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.yaml")
	writeScope(t, path, "enable: true\n")
	sc, err := NewFileScope(path, Scope{}, zerolog.Nop())
	require.NoError(t, err)

	writeScope(t, path, "enable: [not, a, bool\n")
	assert.Error(t, sc.Reload())
	assert.True(t, sc.Current().Enabled)
}

func TestFileScopeWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.yaml")
	writeScope(t, path, "enable: true\n")
	sc, err := NewFileScope(path, Scope{}, zerolog.Nop())
	require.NoError(t, err)
	sc.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Scope, 4)
	done := make(chan error, 1)
	go func() {
		done <- sc.Watch(ctx, func(s Scope) { changes <- s })
	}()

	// give the watcher time to register the directory
	time.Sleep(50 * time.Millisecond)
	writeScope(t, path, "enable: false\nexclude_services: V1/health\n")

	select {
	case s := <-changes:
		assert.False(t, s.Enabled)
		assert.Equal(t, []string{"V1/health"}, s.ExcludeServices)
	case <-time.After(5 * time.Second):
		t.Fatal("scope change not observed")
	}
	assert.False(t, sc.Current().Enabled)

	cancel()
	require.NoError(t, <-done)
}
