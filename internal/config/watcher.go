package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches config.yaml for changes and emits ReloadEvent so a caller
// can attempt a hot reload via Reload.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	configPath := ConfigPath(w.homeDir)
	if err := fsw.Add(configPath); err != nil {
		w.logger.Warn("config watcher: cannot watch config.yaml yet", "path", configPath, "error", err)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Reload re-reads config.yaml and applies it only if it carries the same
// StructuralFingerprint as current (adapter backend, db path unchanged).
// A structural change is rejected — the caller keeps running on current and
// must be restarted to pick up the new adapter settings. applied reports
// whether next differs from current and was accepted.
func (w *Watcher) Reload(current Config) (next Config, applied bool, err error) {
	next, err = Load()
	if err != nil {
		w.logger.Error("config reload failed, keeping current config", "error", err)
		return current, false, err
	}
	if next.StructuralFingerprint() != current.StructuralFingerprint() {
		w.logger.Warn("rejecting structural config change, restart required",
			"current_adapter", current.Adapter.Type, "next_adapter", next.Adapter.Type,
			"current_db_path", current.Adapter.DBPath, "next_db_path", next.Adapter.DBPath)
		return current, false, nil
	}
	if next.Fingerprint() == current.Fingerprint() {
		return current, false, nil
	}
	w.logger.Info("applying hot-reloaded config", "fingerprint", next.Fingerprint())
	return next, true, nil
}
