// Package watcher watches the corpus directory and coalesces bursts of
// markdown edits into single pipeline run triggers.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long the corpus must stay quiet before a
// trigger fires. Bulk copies and editor save storms land as one run.
const DefaultDebounce = 2 * time.Second

// Watcher monitors the corpus directory and calls onChange after each
// quiet period that follows one or more relevant file events.
type Watcher struct {
	dir      string
	glob     string
	onChange func()
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	running  bool
	debounce time.Duration
}

// New creates a watcher over dir. Only events whose base name matches
// glob count; everything else (editor swap files, directories) is
// ignored. A non-positive debounce falls back to DefaultDebounce.
func New(dir, glob string, debounce time.Duration, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		dir:      dir,
		glob:     glob,
		onChange: onChange,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		debounce: debounce,
	}, nil
}

// Start begins watching. The directory must exist.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatch(); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	go w.watchLoop()
	log.Info().Str("dir", w.dir).Str("glob", w.glob).Dur("debounce", w.debounce).Msg("Corpus watch started")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	w.cancel()
	return w.watcher.Close()
}

// addWatch adds the corpus directory to the watch list.
func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.dir); err != nil {
		return err
	}
	return w.watcher.Add(w.dir)
}

// relevant reports whether an event should count toward a trigger.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	ok, err := filepath.Match(w.glob, filepath.Base(event.Name))
	return err == nil && ok
}

// watchLoop is the main event loop.
func (w *Watcher) watchLoop() {
	var (
		debounceTimer *time.Timer
		pending       int
	)

	for {
		select {
		case <-w.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// The corpus directory itself went away. Wait for it to
			// come back rather than firing runs against nothing.
			if filepath.Clean(event.Name) == filepath.Clean(w.dir) && event.Op&fsnotify.Remove != 0 {
				log.Warn().Str("dir", w.dir).Msg("Corpus directory removed, waiting for recreation")
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				pending = 0
				go w.reestablish()
				continue
			}

			if !w.relevant(event) {
				continue
			}

			if debounceTimer != nil && !debounceTimer.Stop() {
				// Previous burst already fired.
				pending = 0
			}
			pending++
			log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Corpus change")
			count := pending
			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.fire(count)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// fire invokes the change callback for one settled burst.
func (w *Watcher) fire(events int) {
	log.Info().Int("events", events).Str("dir", w.dir).Msg("Corpus settled, triggering run")
	if w.onChange != nil {
		w.onChange()
	}
}

// reestablish polls until the corpus directory exists again, then
// re-adds the watch.
func (w *Watcher) reestablish() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
		if err := w.addWatch(); err == nil {
			log.Info().Str("dir", w.dir).Msg("Corpus directory recreated, watch re-established")
			return
		}
	}
}
