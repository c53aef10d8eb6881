package plugin

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DirWatcher monitors the plugins directory and triggers a registry rescan
// when its contents change. Events are debounced so an install that writes
// many files causes a single rescan.
type DirWatcher struct {
	watcher  *fsnotify.Watcher
	registry *Registry
	dir      string
	debounce time.Duration
	logger   zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewDirWatcher creates a watcher over the plugins directory.
func NewDirWatcher(registry *Registry, dir string, debounce time.Duration, logger zerolog.Logger) (*DirWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &DirWatcher{
		watcher:  watcher,
		registry: registry,
		dir:      dir,
		debounce: debounce,
		logger:   logger.With().Str("component", "plugin-watcher").Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *DirWatcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch plugins directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("dir", w.dir).Msg("Plugins directory watcher started")
	return nil
}

// Stop stops the watcher. Idempotent.
func (w *DirWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()

		err = w.watcher.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *DirWatcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleRescan()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

func (w *DirWatcher) scheduleRescan() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.registry.Scan(); err != nil {
			w.logger.Warn().Err(err).Msg("Rescan after directory change failed")
			return
		}
		w.logger.Info().Msg("Plugin registry rescanned after directory change")
	})
}
