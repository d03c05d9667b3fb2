package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livecoach/pkg/transport"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// fileState identifies one version of the watched file.
type fileState struct {
	modTime time.Time
	sum     [sha256.Size]byte
}

// Watcher keeps the config at path current. A file whose modification time
// moved is re-read; if its content changed and validates it replaces the
// current config, otherwise the previous config is kept and the problem
// logged.
//
// Only the persona and the log level take effect without a restart; see
// [ConfigDiff].
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config, d ConfigDiff)
	log      *slog.Logger

	current atomic.Pointer[Config]
	seen    fileState // owned by the polling goroutine after NewWatcher

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger used for reload reports.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher reads path, which must hold a valid config, and polls it until
// [Watcher.Stop]. onChange runs on the polling goroutine after every accepted
// change.
func NewWatcher(path string, onChange func(old, new *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current.Store(cfg)
	w.seen = st

	go w.loop()
	return w, nil
}

// Current is the last accepted config. It is shared; do not modify it.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Persona is the session voice and instruction of the current config.
func (w *Watcher) Persona() transport.SessionConfig {
	s := w.Current().Session
	return transport.SessionConfig{Voice: s.Voice, SystemInstruction: s.SystemInstruction}
}

// Stop ends polling. Further calls do nothing.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.seen.modTime) {
		return
	}

	cfg, st, err := w.read()
	if err != nil {
		w.log.Warn("config: rejected edit, keeping previous config", "path", w.path, "err", err)
		return
	}
	unchanged := st.sum == w.seen.sum
	w.seen = st
	if unchanged {
		return
	}

	old := w.current.Swap(cfg)
	d := Diff(old, cfg)
	w.log.Info("config: reloaded",
		"path", w.path,
		"session_changed", d.SessionChanged(),
		"log_level_changed", d.LogLevelChanged,
		"restart_required", d.RestartFields,
	)
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

// read parses and validates the file.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{modTime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
