package config

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultReloadInterval = 10 * time.Minute

// Watcher polls a config file's SHA-256 hash (C5) and triggers a reload
// when it changes, so listener recreation only happens on genuine edits
// rather than on a wall-clock tick.
type Watcher struct {
	Path     string
	Interval time.Duration
	Logger   *slog.Logger
	OnChange func(*Config)

	mu       sync.Mutex
	lastHash string
}

// Run checks the config file immediately, then polls it on Interval
// (default 10m) until ctx is cancelled. Reloads are serialized: a poll
// that finds a still-in-progress reload simply waits for the mutex.
func (w *Watcher) Run(ctx context.Context) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := w.Interval
	if interval <= 0 {
		interval = defaultReloadInterval
	}

	w.checkAndReload(logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkAndReload(logger)
		}
	}
}

func (w *Watcher) checkAndReload(logger *slog.Logger) {
	w.mu.Lock()
	defer w.mu.Unlock()

	hash, err := HashFile(w.Path)
	if err != nil {
		logger.Warn("config watcher: hash failed", "path", w.Path, "err", err)
		return
	}
	if hash == w.lastHash {
		return
	}
	first := w.lastHash == ""
	w.lastHash = hash

	if first {
		return
	}

	cfg, err := Load(w.Path)
	if err != nil {
		logger.Warn("config watcher: reload failed, keeping prior config", "path", w.Path, "err", err)
		return
	}
	logger.Info("config watcher: file changed, reloaded", "path", w.Path)
	if w.OnChange != nil {
		w.OnChange(cfg)
	}
}
