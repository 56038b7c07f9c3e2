// Package logger builds the process's diagnostic logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/mnixry/envoy-webapi-log/internal/config"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New creates a logger for the named binary according to cfg. A file output
// that cannot be opened falls back to stderr with a warning.
func New(cfg config.LogConfig, service string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(cfg.Level)

	writer, openErr := output(cfg)
	if cfg.Format == config.LogFormatConsole {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	log := zerolog.New(writer).With().Timestamp().Str("service", service).Logger()
	if openErr != nil {
		log.Warn().Err(openErr).Str("output", cfg.Output).Msg("failed to open log output, using stderr")
	}
	return log
}

func output(cfg config.LogConfig) (io.Writer, error) {
	switch cfg.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if cfg.MaxSize > 0 {
		return &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}, nil
	}
	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr, oops.In("logger").With("output", cfg.Output).Wrapf(err, "failed to open log file")
	}
	return f, nil
}
