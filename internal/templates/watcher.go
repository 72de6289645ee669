package templates

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reseeds the store whenever template files change on disk.
// Rapid bursts of writes are debounced into a single reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	store    Store
	dir      string
	logger   *zap.Logger
	debounce time.Duration

	timer  *time.Timer
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the given templates directory
func NewWatcher(store Store, dir string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		store:    store,
		dir:      dir,
		logger:   logger,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Start watches the directory and reloads on change. A missing directory
// is tolerated; the watcher simply stays idle.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		w.logger.Warn("templates directory not watchable", zap.String("dir", w.dir), zap.Error(err))
		return nil
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("templates watch error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Stop ends watching
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

// SetDebounce adjusts the reload debounce window
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".md") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	if err := Seed(w.store, w.dir); err != nil {
		w.logger.Warn("reloading templates failed", zap.String("dir", w.dir), zap.Error(err))
		return
	}
	w.logger.Info("templates reloaded", zap.String("dir", w.dir))
}
