package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

const DefaultReloadDebounce = 100 * time.Millisecond

// ServiceList accepts either a comma-separated string or a YAML sequence.
type ServiceList []string

func (l *ServiceList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = ParseServices(value.Value)
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, s := range raw {
			out = append(out, ParseServices(s)...)
		}
		*l = out
		return nil
	default:
		return oops.
			In("config").
			Code("INVALID_EXCLUDE_SERVICES").
			Errorf("exclude_services must be a string or a list, line %d", value.Line)
	}
}

// scopeDocument is the on-disk form. Absent keys keep the fallback value.
type scopeDocument struct {
	Enable                *bool        `yaml:"enable"`
	EnableIntegrationName *bool        `yaml:"enable_integration_name"`
	ExcludeServices       *ServiceList `yaml:"exclude_services"`
	SavePath              *string      `yaml:"save_path"`
}

func (d scopeDocument) apply(s Scope) Scope {
	if d.Enable != nil {
		s.Enabled = *d.Enable
	}
	if d.EnableIntegrationName != nil {
		s.DiscloseIntegration = *d.EnableIntegrationName
	}
	if d.ExcludeServices != nil {
		s.ExcludeServices = []string(*d.ExcludeServices)
	}
	if d.SavePath != nil {
		s.SavePath = *d.SavePath
	}
	return s
}

// FileScope is a ScopeSource backed by a YAML file layered over fallback
// values. A file that fails to parse leaves the last good snapshot in place.
type FileScope struct {
	path     string
	fallback Scope
	debounce time.Duration
	log      zerolog.Logger

	current atomic.Pointer[Scope]
}

func NewFileScope(path string, fallback Scope, log zerolog.Logger) (*FileScope, error) {
	sc := &FileScope{
		path:     filepath.Clean(path),
		fallback: fallback,
		debounce: DefaultReloadDebounce,
		log:      log.With().Str("component", "scope").Logger(),
	}
	if err := sc.Reload(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *FileScope) Current() Scope {
	return *sc.current.Load()
}

// Path returns the watched file.
func (sc *FileScope) Path() string {
	return sc.path
}

// Reload rereads the file.
func (sc *FileScope) Reload() error {
	data, err := os.ReadFile(sc.path)
	if err != nil {
		return oops.
			In("config").
			Code("SCOPE_READ_FAILED").
			With("path", sc.path).
			Wrapf(err, "failed to read scope file")
	}

	var doc scopeDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.
			In("config").
			Code("SCOPE_PARSE_FAILED").
			With("path", sc.path).
			Wrapf(err, "failed to parse scope file")
	}

	scope := doc.apply(sc.fallback)
	sc.current.Store(&scope)
	sc.log.Info().
		Bool("enable", scope.Enabled).
		Bool("enable_integration_name", scope.DiscloseIntegration).
		Strs("exclude_services", scope.ExcludeServices).
		Str("save_path", scope.SavePath).
		Msg("scope loaded")
	return nil
}

// Watch blocks until ctx is done, reloading the file after writes settle and
// calling onChange with each successfully loaded snapshot. The parent
// directory is watched so that editors and ConfigMap updates that replace the
// file are seen.
func (sc *FileScope) Watch(ctx context.Context, onChange func(Scope)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return oops.In("config").Code("WATCH_FAILED").Wrapf(err, "failed to create fsnotify watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(sc.path)
	if err := watcher.Add(dir); err != nil {
		return oops.
			In("config").
			Code("WATCH_FAILED").
			With("dir", dir).
			Wrapf(err, "failed to watch scope directory")
	}
	sc.log.Info().Str("path", sc.path).Dur("debounce", sc.debounce).Msg("scope watcher started")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	reload := func() {
		if ctx.Err() != nil {
			return
		}
		if err := sc.Reload(); err != nil {
			sc.log.Error().Err(err).Msg("scope reload failed, keeping previous")
			return
		}
		if onChange != nil {
			onChange(sc.Current())
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !sc.relevant(event) {
				continue
			}
			sc.log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("scope file event")

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(sc.debounce, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			sc.log.Warn().Err(err).Msg("scope watcher error")
		}
	}
}

// relevant filters directory events down to the scope file, including the
// ..data symlink swap used by Kubernetes ConfigMap volumes.
func (sc *FileScope) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == sc.path || filepath.Base(name) == "..data"
}
