package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the newly loaded config together with
// their [Diff]. It is only called when the diff has changes.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher polls a config file and reports edits. A poll is cheap when the
// modification time is unchanged; otherwise the file is read and its hash
// compared, so a touch without an edit is ignored. An edit that fails to
// load or validate keeps the last good config in place.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	onError  func(error)

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the poll period. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOnChange registers the callback for applied edits.
func WithOnChange(fn ChangeFunc) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// WithOnError registers a callback for edits that could not be loaded. The
// default logs a warning.
func WithOnError(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path once and returns a watcher primed with it. Polling
// starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onError: func(err error) {
			slog.Warn("config reload failed; keeping previous config", "err", err)
		},
	}
	for _, o := range opts {
		o(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, err
	}
	w.current, w.mtime, w.sum = snap.cfg, snap.mtime, snap.sum
	return w, nil
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled and always returns nil, so it can sit in
// an errgroup next to the subsystems it reconfigures.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.Check(); err != nil && w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Check performs one poll. It reports whether a new config was adopted; an
// error means the file changed but could not be used.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %q: %w", w.path, err)
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	snap, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.mtime = snap.mtime
	if snap.sum == w.sum {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.sum = snap.cfg, snap.sum
	w.mu.Unlock()

	d := Diff(old, snap.cfg)
	if d.HasChanges() && w.onChange != nil {
		w.onChange(old, snap.cfg, d)
	}
	return true, nil
}

type snapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, fmt.Errorf("config: stat %q: %w", w.path, err)
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, fmt.Errorf("config: read %q: %w", w.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return snapshot{}, errors.New("config: " + w.path + " is empty")
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, fmt.Errorf("config: reload %q: %w", w.path, err)
	}
	return snapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
