// Package watcher detects new and changed transcript files under one or
// more root directories and feeds debounced change events to the pipeline.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDebounce coalesces the event burst a single append produces,
	// so the parser does not read mid-write.
	DefaultDebounce = 50 * time.Millisecond

	// rewatchBackoff paces retries after a watch error, e.g. a root that
	// was removed and may come back.
	rewatchBackoff = 2 * time.Second

	eventChannelBuffer = 256
)

// sessionFilePattern matches transcript file names: a session uuid plus the
// .jsonl extension. Anything else under the roots is a transient artifact of
// a background subagent and is ignored.
var sessionFilePattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\.jsonl$`)

// Event reports that the transcript at Path was created or appended to.
type Event struct {
	Path string
}

// Watcher recursively watches transcript roots. Watch errors are retried
// with backoff and never terminate the loop; only context cancellation does.
type Watcher struct {
	roots    []string
	debounce time.Duration
	events   chan Event

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timers  map[string]*time.Timer
	started bool
	closed  bool
}

// New creates a watcher over the given root directories.
func New(roots []string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		roots:    roots,
		debounce: debounce,
		events:   make(chan Event, eventChannelBuffer),
		fsw:      fsw,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Events returns the debounced transcript change events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// SessionIDFromPath extracts the session id from a transcript path, or ""
// when the name does not match the expected pattern.
func SessionIDFromPath(path string) string {
	name := filepath.Base(path)
	if !sessionFilePattern.MatchString(name) {
		return ""
	}
	return name[:len(name)-len(".jsonl")]
}

// Start begins watching. It returns after spawning the event loop; the loop
// runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	for _, root := range w.roots {
		if err := w.addRecursive(root); err != nil {
			log.Warn().Err(err).Str("root", root).Msg("Failed to watch root, will retry")
		}
	}

	go w.watchLoop(ctx)
	return nil
}

// addRecursive watches dir and every directory below it. New subdirectories
// are picked up from create events as they appear.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.fsw.Close()

	retry := time.NewTicker(rewatchBackoff)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			for path, t := range w.timers {
				t.Stop()
				delete(w.timers, path)
			}
			w.closed = true
			w.mu.Unlock()
			close(w.events)
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watch error, continuing")

		case <-retry.C:
			// Re-establish watches on roots that disappeared and came
			// back.
			for _, root := range w.roots {
				if _, err := os.Stat(root); err == nil {
					_ = w.addRecursive(root)
				}
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	// A created directory joins the recursive watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				log.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
			}
			return
		}
	}

	if SessionIDFromPath(event.Name) == "" {
		return
	}
	w.debounceEmit(event.Name)
}

// debounceEmit delays the emit for the debounce window, resetting the timer
// on every further event for the same path. A burst of appends turns into
// one read.
func (w *Watcher) debounceEmit(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		// The send stays under the lock so it is ordered against the
		// channel close on shutdown.
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.timers, path)
		if w.closed {
			return
		}

		select {
		case w.events <- Event{Path: path}:
		default:
			log.Warn().Str("path", path).Msg("Watcher event buffer full, dropping event")
		}
	})
}
