// Package sink persists captured exchanges to local disk.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/mnixry/envoy-webapi-log/internal/exchange"
	"github.com/mnixry/envoy-webapi-log/internal/metrics"
	"github.com/samber/oops"
)

const (
	CodeCreateDirFailed = "CREATE_DIR_FAILED"
	CodeOpenFailed      = "OPEN_FAILED"
	CodeLockFailed      = "LOCK_FAILED"
	CodeWriteFailed     = "WRITE_FAILED"
)

// TimestampLayout is the sortable per-second file name prefix.
const TimestampLayout = "20060102_150405"

// DefaultRoute is used when a URI carries no routed segment.
const DefaultRoute = "default"

const (
	dirPerm  = 0o777
	filePerm = 0o644
)

// FileSink appends records to <base>/<route>/<timestamp>.<hash>.log.
type FileSink struct {
	base    string
	metrics *metrics.Metrics

	mu      sync.Mutex
	created map[string]struct{}
}

type FileSinkOption func(*FileSink)

func WithMetrics(m *metrics.Metrics) FileSinkOption {
	return func(s *FileSink) {
		s.metrics = m
	}
}

func NewFileSink(baseDir string, opts ...FileSinkOption) *FileSink {
	s := &FileSink{
		base:    baseDir,
		created: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BaseDir returns the configured root directory.
func (s *FileSink) BaseDir() string {
	return s.base
}

// Append writes content to the file derived from route and timestamp and
// returns its path. Records that hash alike within one second share a file.
func (s *FileSink) Append(route, timestamp string, content []byte) (string, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveSinkWrite(time.Since(start)) }()

	if route == "" {
		route = DefaultRoute
	}
	dir := filepath.Join(s.base, route)
	path := filepath.Join(dir, fmt.Sprintf("%s.%08x.log", timestamp, uint32(xxhash.Sum64(content))))

	if err := s.ensureDir(dir); err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return "", oops.
			In("sink").
			Code(CodeOpenFailed).
			With("path", path).
			Wrapf(err, "the stream or file %q could not be opened", path)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return "", oops.
			In("sink").
			Code(CodeLockFailed).
			With("path", path).
			Wrapf(err, "failed to lock %q", path)
	}
	defer unlockFile(f)

	if _, err := f.Write(content); err != nil {
		return "", oops.
			In("sink").
			Code(CodeWriteFailed).
			With("path", path).
			Wrapf(err, "failed to write %q", path)
	}
	return path, nil
}

// ensureDir creates dir once per sink. MkdirAll tolerates a concurrent create
// by another process.
func (s *FileSink) ensureDir(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.created[dir]; ok {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return oops.
			In("sink").
			Code(CodeCreateDirFailed).
			With("dir", dir).
			Wrapf(err, "there is no existing directory at %q and it is not buildable", dir)
	}
	s.created[dir] = struct{}{}
	return nil
}

// RouteFromURI returns the first path segment after the API version marker,
// or DefaultRoute.
func RouteFromURI(uri string) string {
	path, _, _ := strings.Cut(uri, "?")
	_, rest, ok := strings.Cut(path, exchange.APIVersionMarker)
	if !ok {
		return DefaultRoute
	}
	segment, _, _ := strings.Cut(strings.Trim(rest, "/"), "/")
	if segment == "" || segment == "." || segment == ".." {
		return DefaultRoute
	}
	return segment
}

// Timestamp formats t for Append.
func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}
