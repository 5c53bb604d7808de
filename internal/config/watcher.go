package config

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Watcher polls banditclaw.json's modification time and invokes a callback
// when the file has been rewritten. Polling avoids a platform
// file-notification dependency; an edit is picked up within one interval,
// which is plenty for threshold tuning.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	onChange func()

	cancel  context.CancelFunc
	done    chan struct{}
	lastMod time.Time
}

// NewWatcher creates a watcher over the given config file. onChange fires
// from the polling goroutine; callers typically pass a Reload closure.
func NewWatcher(path string, interval time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		logger:   logger,
		onChange: onChange,
		done:     make(chan struct{}),
	}
}

// Start records the current modification time as the baseline and begins
// polling in a goroutine.
func (w *Watcher) Start() {
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	w.logger.Info("config watcher started", "path", w.path, "interval", w.interval)
}

// Stop halts polling and waits for the goroutine to exit. Safe to call
// more than once.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				// The file may be mid-rewrite; try again next tick.
				w.logger.Warn("config watcher: stat failed", "path", w.path, "error", err)
				continue
			}
			if mod := info.ModTime(); mod.After(w.lastMod) {
				w.lastMod = mod
				w.logger.Info("config file rewritten", "path", w.path, "modTime", mod)
				if w.onChange != nil {
					w.onChange()
				}
			}
		}
	}
}
