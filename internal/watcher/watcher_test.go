package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Test Helpers
// =============================================================================

func startWatcher(t *testing.T, cfg *Config) *Watcher {
	t.Helper()
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	t.Cleanup(w.Stop)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	return w
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// replaceFile writes through a temp file and rename, like the file provider.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	writeFile(t, tmp, content)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// =============================================================================
// Trigger Tests
// =============================================================================

// TestFileWatcherDetectsChanges verifies an in-place write triggers a sync.
func TestFileWatcherDetectsChanges(t *testing.T) {
	watchFile := filepath.Join(t.TempDir(), "todosync.json")
	writeFile(t, watchFile, "[]")

	var calls atomic.Int32
	startWatcher(t, &Config{
		Paths:            []string{watchFile},
		DebounceDuration: 50 * time.Millisecond,
		OnChange:         func() { calls.Add(1) },
	})

	writeFile(t, watchFile, `[{"id":"t1"}]`)

	if !waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 }) {
		t.Errorf("OnChange calls = %d, want 1", calls.Load())
	}
}

// TestFileWatcherFollowsRename verifies a temp-and-rename replace is seen
// and keeps being seen afterwards.
func TestFileWatcherFollowsRename(t *testing.T) {
	watchFile := filepath.Join(t.TempDir(), "todosync.json")
	writeFile(t, watchFile, "[]")

	var calls atomic.Int32
	startWatcher(t, &Config{
		Paths:            []string{watchFile},
		DebounceDuration: 50 * time.Millisecond,
		OnChange:         func() { calls.Add(1) },
	})

	replaceFile(t, watchFile, `[{"id":"t1"}]`)
	if !waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 }) {
		t.Fatalf("first replace: OnChange calls = %d", calls.Load())
	}

	replaceFile(t, watchFile, `[{"id":"t2"}]`)
	if !waitFor(t, 2*time.Second, func() bool { return calls.Load() == 2 }) {
		t.Errorf("second replace: OnChange calls = %d, want 2", calls.Load())
	}
}

// TestFileWatcherDetectsCreation verifies a file that did not exist at start
// triggers once it appears.
func TestFileWatcherDetectsCreation(t *testing.T) {
	watchFile := filepath.Join(t.TempDir(), "todosync.json")

	var calls atomic.Int32
	startWatcher(t, &Config{
		Paths:            []string{watchFile},
		DebounceDuration: 50 * time.Millisecond,
		OnChange:         func() { calls.Add(1) },
	})

	writeFile(t, watchFile, "[]")
	if !waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 }) {
		t.Errorf("OnChange calls = %d, want 1", calls.Load())
	}
}

func TestFileWatcherIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	watchFile := filepath.Join(dir, "todosync.json")
	writeFile(t, watchFile, "[]")

	var calls atomic.Int32
	startWatcher(t, &Config{
		Paths:            []string{watchFile},
		DebounceDuration: 30 * time.Millisecond,
		OnChange:         func() { calls.Add(1) },
	})

	writeFile(t, filepath.Join(dir, "notes.txt"), "unrelated")
	writeFile(t, filepath.Join(dir, "todosync.json.lock"), "")
	time.Sleep(200 * time.Millisecond)

	if calls.Load() != 0 {
		t.Errorf("OnChange calls = %d, want 0 for sibling files", calls.Load())
	}
}

// =============================================================================
// Content Filter Tests
// =============================================================================

// TestFileWatcherSkipsIdenticalContent verifies rewriting the same bytes
// does not trigger.
func TestFileWatcherSkipsIdenticalContent(t *testing.T) {
	watchFile := filepath.Join(t.TempDir(), "todosync.json")
	writeFile(t, watchFile, "[]")

	var calls atomic.Int32
	startWatcher(t, &Config{
		Paths:            []string{watchFile},
		DebounceDuration: 30 * time.Millisecond,
		OnChange:         func() { calls.Add(1) },
	})

	replaceFile(t, watchFile, "[]")
	time.Sleep(200 * time.Millisecond)

	if calls.Load() != 0 {
		t.Errorf("OnChange calls = %d, want 0 for unchanged content", calls.Load())
	}
}

// TestFileWatcherAcknowledge verifies a change acknowledged before the
// debounce expires is treated as seen.
func TestFileWatcherAcknowledge(t *testing.T) {
	watchFile := filepath.Join(t.TempDir(), "todosync.json")
	writeFile(t, watchFile, "[]")

	var calls atomic.Int32
	w := startWatcher(t, &Config{
		Paths:            []string{watchFile},
		DebounceDuration: 150 * time.Millisecond,
		OnChange:         func() { calls.Add(1) },
	})

	replaceFile(t, watchFile, `[{"id":"own-write"}]`)
	w.Acknowledge()
	time.Sleep(400 * time.Millisecond)

	if calls.Load() != 0 {
		t.Errorf("OnChange calls = %d, want 0 after Acknowledge", calls.Load())
	}
}

// =============================================================================
// Timing Tests
// =============================================================================

// TestFileWatcherDebounce verifies rapid changes are batched into one sync.
func TestFileWatcherDebounce(t *testing.T) {
	watchFile := filepath.Join(t.TempDir(), "todosync.json")
	writeFile(t, watchFile, "[]")

	var calls atomic.Int32
	startWatcher(t, &Config{
		Paths:            []string{watchFile},
		DebounceDuration: 150 * time.Millisecond,
		OnChange:         func() { calls.Add(1) },
	})

	for i := 0; i < 5; i++ {
		writeFile(t, watchFile, string(rune('a'+i)))
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("OnChange calls = %d, want 1 for a burst of writes", got)
	}
}

// TestFileWatcherQuietPeriod verifies a sync waits until writes stop.
func TestFileWatcherQuietPeriod(t *testing.T) {
	watchFile := filepath.Join(t.TempDir(), "todosync.json")
	writeFile(t, watchFile, "[]")

	var calls atomic.Int32
	startWatcher(t, &Config{
		Paths:            []string{watchFile},
		DebounceDuration: 20 * time.Millisecond,
		QuietPeriod:      200 * time.Millisecond,
		OnChange:         func() { calls.Add(1) },
	})

	for i := 0; i < 4; i++ {
		writeFile(t, watchFile, string(rune('a'+i)))
		time.Sleep(50 * time.Millisecond)
	}
	if calls.Load() != 0 {
		t.Fatalf("OnChange fired during active writes")
	}

	if !waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 }) {
		t.Errorf("OnChange calls = %d after quiet period, want 1", calls.Load())
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestFileWatcherStopCleanly(t *testing.T) {
	watchFile := filepath.Join(t.TempDir(), "todosync.json")
	writeFile(t, watchFile, "[]")

	var calls atomic.Int32
	w := startWatcher(t, &Config{
		Paths:            []string{watchFile},
		DebounceDuration: 50 * time.Millisecond,
		OnChange:         func() { calls.Add(1) },
	})

	w.Stop()
	w.Stop()

	writeFile(t, watchFile, "changed")
	time.Sleep(150 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("OnChange called after Stop")
	}
	if err := w.Start(); err == nil {
		t.Error("Start() after Stop() should fail")
	}
}

func TestFileWatcherMissingDirectory(t *testing.T) {
	watchFile := filepath.Join(t.TempDir(), "not-yet", "todosync.json")
	startWatcher(t, DefaultConfig(func() {}, watchFile))
}

func TestFileWatcherRequiresPaths(t *testing.T) {
	if _, err := New(&Config{}); err == nil {
		t.Error("New() without paths should fail")
	}
}

func TestFileWatcherConfigDefaults(t *testing.T) {
	cfg := DefaultConfig(nil, "a.json")
	if cfg.DebounceDuration != DefaultDebounceDuration {
		t.Errorf("DebounceDuration = %v, want %v", cfg.DebounceDuration, DefaultDebounceDuration)
	}
	if cfg.QuietPeriod != DefaultQuietPeriod {
		t.Errorf("QuietPeriod = %v, want %v", cfg.QuietPeriod, DefaultQuietPeriod)
	}
	if len(cfg.Paths) != 1 {
		t.Errorf("Paths = %v", cfg.Paths)
	}
}
