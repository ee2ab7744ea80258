package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives every applied configuration change.
type ChangeFunc func(d ConfigDiff, cfg *Config)

// snapshot is one successfully parsed version of the watched file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher polls a config file and reports every valid change as a
// [ConfigDiff]. Edits that fail to parse or validate are logged and the
// previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	// checkMu serializes checks so callbacks never overlap.
	checkMu sync.Mutex
	mu      sync.Mutex
	cur     snapshot
	// seen is the mtime of the last file version looked at, valid or not.
	seen time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and polls it until [Watcher.Stop].
// onChange may be nil. It runs on the polling goroutine after the new config
// became current.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.cur, w.seen = snap, snap.mtime

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Go(func() { w.run(ctx) })
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.cfg
}

// Stop ends polling and waits for a running callback. It is idempotent.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Check()
		}
	}
}

// Check looks at the file once and applies it when both its modification
// time and its content changed. It reports whether a change was applied.
// Polling calls Check on every tick.
func (w *Watcher) Check() bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return false
	}
	if info.ModTime().Equal(w.seen) {
		return false
	}
	// A broken file is reported once per modification, not on every tick.
	w.seen = info.ModTime()

	snap, err := readSnapshot(w.path)
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	prev := w.cur
	if snap.sum == prev.sum {
		w.cur.mtime = snap.mtime
		w.mu.Unlock()
		return false
	}
	w.cur = snap
	w.mu.Unlock()

	d := Diff(prev.cfg, snap.cfg)
	slog.Info("config: reloaded",
		"path", w.path,
		"session_changed", d.SessionChanged(),
		"restart_required", d.RestartRequired,
	)
	if d.IsZero() {
		return false
	}
	if w.onChange != nil {
		w.onChange(d, snap.cfg)
	}
	return true
}

func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
