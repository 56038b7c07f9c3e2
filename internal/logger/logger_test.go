package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mnixry/envoy-webapi-log/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })
	path := filepath.Join(t.TempDir(), "webapilog.log")

	log := New(config.LogConfig{Level: zerolog.InfoLevel, Output: path, Format: config.LogFormatJSON}, "webapilog-test")
	log.Debug().Msg("hidden")
	log.Info().Str("route", "orders").Msg("exchange logged")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "webapilog-test", entry["service"])
	assert.Equal(t, "orders", entry["route"])
	assert.Equal(t, "exchange logged", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestNewFallsBackWhenFileCannotOpen(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })
	path := filepath.Join(t.TempDir(), "missing", "dir", "webapilog.log")

	w, err := output(config.LogConfig{Output: path})
	require.Error(t, err)
	assert.Equal(t, os.Stderr, w)

	w, err = output(config.LogConfig{Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)
}
