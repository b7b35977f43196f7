// Package watcher provides file system watching with debouncing for the
// session store. External writers (another daemon instance, manual edits)
// change state.json files out from under the in-memory managers; the
// watcher lets the owner reload when that happens.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the sessions directory for changes and sends
// notifications.
type Watcher struct {
	fsWatcher   *fsnotify.Watcher
	sessionsDir string
	debounce    time.Duration
	onChange    chan struct{}
	done        chan struct{}
}

// Config holds watcher configuration options.
type Config struct {
	SessionsDir string
	DebounceDur time.Duration
}

// DefaultConfig returns sensible defaults for the watcher.
func DefaultConfig(sessionsDir string) Config {
	return Config{
		SessionsDir: sessionsDir,
		DebounceDur: 1 * time.Second,
	}
}

// New creates a new session store watcher.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsWatcher:   fsw,
		sessionsDir: cfg.SessionsDir,
		debounce:    cfg.DebounceDur,
		onChange:    make(chan struct{}, 1),
		done:        make(chan struct{}),
	}, nil
}

// Start begins watching the sessions directory and every existing session
// subdirectory. New session directories are picked up as they appear.
// Returns a channel that receives a signal when session state changes.
func (w *Watcher) Start() (<-chan struct{}, error) {
	if err := os.MkdirAll(w.sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	if err := w.fsWatcher.Add(w.sessionsDir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", w.sessionsDir, err)
	}

	// fsnotify is not recursive; each session directory needs its own watch.
	entries, err := os.ReadDir(w.sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("listing sessions directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := w.fsWatcher.Add(filepath.Join(w.sessionsDir, entry.Name())); err != nil {
			return nil, fmt.Errorf("watching session directory %s: %w", entry.Name(), err)
		}
	}

	go w.loop()

	return w.onChange, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events with debouncing.
func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			// A new session directory appeared: start watching it.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fsWatcher.Add(event.Name)
					continue
				}
			}

			if !w.isRelevantEvent(event) {
				continue
			}

			// Reset or start debounce timer
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					// Drain the timer channel if it already fired
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				// Non-blocking send - drop if channel full
				select {
				case w.onChange <- struct{}{}:
				default:
				}
				pending = false
			}

		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			// Keep watching on errors. Callers can wrap the watcher if they
			// need error visibility.

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isRelevantEvent checks if the event should trigger a reload.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	// state.json lands via temp-file rename, so Create and Rename matter as
	// much as Write.
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}

	return filepath.Base(event.Name) == "state.json"
}
