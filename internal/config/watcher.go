package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce batches the editor write/rename bursts that follow a
// save into a single reload.
const reloadDebounce = 500 * time.Millisecond

// Watcher holds the current configuration snapshot and re-reads the
// properties file whenever it changes on disk. Subscribers receive each
// fresh snapshot; the transport mode and the listen ports are never
// re-bound, so consumers only refresh bounded parameters.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	current *Config
	subs    []chan *Config
}

// NewWatcher loads the initial snapshot from path.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:    path,
		logger:  logger,
		current: cfg,
	}, nil
}

// Current returns the latest valid snapshot.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.current
}

// Subscribe registers for configuration updates. The channel is buffered;
// a slow subscriber misses intermediate snapshots but always observes the
// newest one eventually.
func (w *Watcher) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)

	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()

	return ch
}

// Watch blocks until the context is cancelled, reloading the properties
// file on filesystem changes. A reload that fails validation keeps the
// previous snapshot.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the parent directory: editors replace files via rename, which
	// drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching config dir: %w", err)
	}

	w.logger.Info("config watcher started", slog.String("path", w.path))

	var pending *time.Timer
	reloadCh := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("config watcher events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(reloadDebounce, func() {
					select {
					case reloadCh <- struct{}{}:
					default:
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("config watcher errors channel closed unexpectedly")
			}

			w.logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-reloadCh:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous values",
			slog.String("error", err.Error()),
		)

		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := make([]chan *Config, len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded",
		slog.Int64("block_size", cfg.BlockSize),
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_incoming", cfg.MaximumIncomingConnections),
	)

	for _, ch := range subs {
		// Replace a stale pending snapshot rather than blocking.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- cfg
		}
	}
}
