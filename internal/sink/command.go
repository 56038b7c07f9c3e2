package sink

import (
	"io"
	"sync"

	"github.com/samber/oops"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CommandConfig locates the reproduction stream. MaxSize is in megabytes;
// zero disables rotation.
type CommandConfig struct {
	Path       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// CommandSink is the single append-only reproduction file shared by all
// routes.
type CommandSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func NewCommandSink(cfg CommandConfig) *CommandSink {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		// lumberjack treats 0 as its 100MB default; push rotation out of reach
		maxSize = 1 << 20
	}
	return &CommandSink{
		w: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  true,
		},
	}
}

// Append writes one framed entry.
func (s *CommandSink) Append(entry string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := io.WriteString(s.w, entry); err != nil {
		return oops.In("sink").Code(CodeWriteFailed).Wrapf(err, "failed to append reproduction command")
	}
	return nil
}

func (s *CommandSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
