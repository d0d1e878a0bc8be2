package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStaleConfig is returned when a config update does not carry a newer version.
var ErrStaleConfig = errors.New("stale scheduler config version")

// Holder serves the active SchedulerConfig. Readers always see a complete
// version; swaps never affect tasks already running.
type Holder struct {
	current atomic.Pointer[SchedulerConfig]

	mu        sync.Mutex
	listeners []func(old, next *SchedulerConfig)
}

// NewHolder creates a Holder seeded with cfg.
func NewHolder(cfg *SchedulerConfig) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Current returns the active configuration.
func (h *Holder) Current() *SchedulerConfig {
	return h.current.Load()
}

// OnChange registers fn to run after every accepted update.
func (h *Holder) OnChange(fn func(old, next *SchedulerConfig)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Update installs next if its version is strictly greater than the active one.
func (h *Holder) Update(next *SchedulerConfig) error {
	if err := next.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	old := h.current.Load()
	if old != nil && next.Version <= old.Version {
		h.mu.Unlock()
		return fmt.Errorf("%w: have %d, got %d", ErrStaleConfig, old.Version, next.Version)
	}
	h.current.Store(next)
	listeners := append([]func(old, next *SchedulerConfig){}, h.listeners...)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(old, next)
	}
	return nil
}

// Watcher polls a config file and pushes newer versions into a Holder.
type Watcher struct {
	path     string
	interval time.Duration
	holder   *Holder
	logger   *slog.Logger

	modTime time.Time
	size    int64
}

// NewWatcher creates a Watcher for path.
func NewWatcher(path string, interval time.Duration, holder *Holder, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		holder:   holder,
		logger:   logger.With("component", "config-watcher"),
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.logger.Warn("config reload rejected", "path", w.path, "error", err)
			}
		}
	}
}

// Check reloads the file if it changed since the last check. It reports
// whether a new version was installed.
func (w *Watcher) Check() (bool, error) {
	fi, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	if fi.ModTime().Equal(w.modTime) && fi.Size() == w.size {
		return false, nil
	}
	w.modTime, w.size = fi.ModTime(), fi.Size()

	cfg, err := LoadSchedulerConfig(w.path)
	if err != nil {
		return false, err
	}
	if err := w.holder.Update(cfg); err != nil {
		if errors.Is(err, ErrStaleConfig) {
			w.logger.Debug("config unchanged", "version", cfg.Version)
			return false, nil
		}
		return false, err
	}
	w.logger.Info("config reloaded", "version", cfg.Version, "queues", len(cfg.Queues))
	return true, nil
}
