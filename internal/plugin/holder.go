package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Benny93/bloom/internal/graph"
)

// reloadDelay coalesces the burst of events editors emit on save.
const reloadDelay = 250 * time.Millisecond

// Holder publishes the current plugin to concurrent readers and swaps it
// atomically on reload.
type Holder struct {
	cur    atomic.Pointer[Config]
	logger *zap.Logger

	// OnReload, if set, runs after every successful reload.
	OnReload func(*Config)
}

// NewHolder wraps cfg. A nil cfg means Default().
func NewHolder(cfg *Config, logger *zap.Logger) *Holder {
	if cfg == nil {
		cfg = Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Holder{logger: logger}
	h.cur.Store(cfg)
	return h
}

// Current returns the active plugin.
func (h *Holder) Current() *Config {
	return h.cur.Load()
}

// Set swaps the active plugin.
func (h *Holder) Set(cfg *Config) {
	if cfg != nil {
		h.cur.Store(cfg)
	}
}

// DecayRate implements decay.RateSource against the active plugin.
func (h *Holder) DecayRate(kind graph.NodeKind) (float64, bool) {
	return h.Current().DecayRate(kind)
}

// PersistentDefault reports the active plugin's persistence default.
func (h *Holder) PersistentDefault(kind graph.NodeKind) bool {
	return h.Current().PersistentDefault(kind)
}

// Reload re-reads path and swaps it in. A broken file keeps the previous
// plugin.
func (h *Holder) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	h.Set(cfg)
	h.logger.Info("plugin reloaded",
		zap.String("path", path),
		zap.String("id", cfg.Metadata.ID),
		zap.String("version", cfg.Metadata.Version))
	if h.OnReload != nil {
		h.OnReload(cfg)
	}
	return nil
}

// Watch reloads the plugin whenever path changes. It blocks until ctx is
// cancelled.
func (h *Holder) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file instead of
	// writing it in place.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("plugin watch error", zap.Error(err))

		case <-timer.C:
			if err := h.Reload(path); err != nil {
				h.logger.Warn("plugin reload failed, keeping previous", zap.String("path", path), zap.Error(err))
			}
		}
	}
}
