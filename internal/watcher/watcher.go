// Package watcher triggers a sync when a provider's file changes on disk.
// Files replaced by rename (the usual pattern of sync clients and of the file
// provider itself) are followed by watching their parent directory. Bursts of
// events are debounced, and a trigger only fires when the file content differs
// from what was last seen or acknowledged.
package watcher

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"todosync/internal/utils"
)

const (
	// DefaultDebounceDuration is the default debounce window for batching rapid changes.
	DefaultDebounceDuration = 1 * time.Second

	// DefaultQuietPeriod is the default quiet period before triggering sync.
	// While the file keeps changing within this period the sync is deferred,
	// so a sync client still writing the file is not interrupted.
	DefaultQuietPeriod = 2 * time.Second
)

// Config holds file watcher configuration.
type Config struct {
	Paths            []string      // Files to watch
	DebounceDuration time.Duration // Debounce window to batch rapid changes
	QuietPeriod      time.Duration // Quiet period to detect active writers (0 = disabled)
	OnChange         func()        // Callback to trigger sync
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(onChange func(), paths ...string) *Config {
	return &Config{
		Paths:            paths,
		DebounceDuration: DefaultDebounceDuration,
		QuietPeriod:      DefaultQuietPeriod,
		OnChange:         onChange,
	}
}

// Watcher monitors files and triggers sync operations.
type Watcher struct {
	cfg     *Config
	fsw     *fsnotify.Watcher
	files   map[string]bool // cleaned absolute paths
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
	started bool
	mu      sync.Mutex

	digestMu sync.Mutex
	digests  map[string]digest
}

// digest identifies a file's content; missing files have the zero value.
type digest struct {
	exists bool
	sum    [sha256.Size]byte
}

// New creates a new Watcher instance.
func New(cfg *Config) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, errors.New("watcher needs at least one path")
	}
	files := make(map[string]bool, len(cfg.Paths))
	for _, p := range cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving watch path %q: %w", p, err)
		}
		files[filepath.Clean(abs)] = true
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		cfg:     cfg,
		fsw:     fsw,
		files:   files,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		digests: make(map[string]digest),
	}, nil
}

// Start records the current content of every file and begins watching
// their directories.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return fmt.Errorf("watcher has been stopped and cannot be restarted")
	}
	w.started = true
	w.mu.Unlock()

	w.Acknowledge()

	dirs := make(map[string]bool)
	for file := range w.files {
		dirs[filepath.Dir(file)] = true
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			utils.Debugf("Watcher: %s does not exist yet, skipping", dir)
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch path %q: %w", dir, err)
		}
	}

	go w.eventLoop()
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	close(w.stopCh)
	_ = w.fsw.Close()
	w.mu.Unlock()

	if started {
		<-w.doneCh
	}
}

// Acknowledge records the current content of the watched files, so a
// change this process made itself does not trigger a sync.
func (w *Watcher) Acknowledge() {
	w.digestMu.Lock()
	defer w.digestMu.Unlock()
	for file := range w.files {
		w.digests[file] = readDigest(file)
	}
}

// changed reports whether any watched file differs from its recorded
// content, and records the new content.
func (w *Watcher) changed() bool {
	w.digestMu.Lock()
	defer w.digestMu.Unlock()
	changed := false
	for file := range w.files {
		d := readDigest(file)
		if d != w.digests[file] {
			changed = true
			w.digests[file] = d
		}
	}
	return changed
}

func readDigest(path string) digest {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			utils.Debugf("Watcher: reading %s: %v", path, err)
		}
		return digest{}
	}
	return digest{exists: true, sum: sha256.Sum256(data)}
}

func (w *Watcher) fire() {
	if !w.changed() {
		utils.Debugf("Watcher: content unchanged, not syncing")
		return
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange()
	}
}

// eventLoop processes fsnotify events with debouncing and smart timing.
func (w *Watcher) eventLoop() {
	defer close(w.doneCh)

	var debounceTimer *time.Timer
	var quietTimer *time.Timer

	// debounceCh fires when the debounce window expires
	debounceCh := make(chan struct{}, 1)
	// quietCh fires when the quiet period expires
	quietCh := make(chan struct{}, 1)

	signal := func(ch chan struct{}) func() {
		return func() {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}

	resetDebounce := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(w.cfg.DebounceDuration, signal(debounceCh))
	}

	resetQuiet := func() {
		if quietTimer != nil {
			quietTimer.Stop()
		}
		quietTimer = time.AfterFunc(w.cfg.QuietPeriod, signal(quietCh))
	}

	pendingSync := false

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			if quietTimer != nil {
				quietTimer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			if w.cfg.QuietPeriod > 0 {
				// Sync fires only after the quiet period elapses without new events.
				pendingSync = true
				resetQuiet()
			} else {
				resetDebounce()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			utils.Warnf("Watcher error: %v", err)

		case <-debounceCh:
			w.fire()

		case <-quietCh:
			if pendingSync {
				pendingSync = false
				w.fire()
			}
		}
	}
}
