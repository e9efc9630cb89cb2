// Package version keeps an append-only, retention-bounded log of task-set
// checkpoints that can be compared and rolled back to.
package version

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"todosync/backend"
	"todosync/internal/kvstore"
	"todosync/internal/utils"
)

// ChangeType classifies a change between two task sets.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change describes one task's difference between two sets.
type Change struct {
	Type   ChangeType    `json:"type"`
	TodoID string        `json:"todoId"`
	Before *backend.Task `json:"before,omitempty"`
	After  *backend.Task `json:"after,omitempty"`
}

// Version is an immutable checkpoint of the full task set.
type Version struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description"`
	Changes     []Change       `json:"changes"`
	Snapshot    []backend.Task `json:"snapshot"`
}

// Config bounds the log. A non-positive limit disables that rule.
type Config struct {
	MaxVersions   int  `json:"maxVersions"`
	RetentionDays int  `json:"retentionDays"`
	AutoCleanup   bool `json:"autoCleanup"`
}

// DefaultConfig returns the retention used until one is saved.
func DefaultConfig() Config {
	return Config{MaxVersions: 50, RetentionDays: 30, AutoCleanup: true}
}

// Store owns the version log, newest first.
type Store struct {
	mu    sync.Mutex
	kv    kvstore.Store
	clock clockwork.Clock
	cfg   Config
	log   []Version
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for timestamps and age-based retention.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithConfig sets the retention used when none has been saved.
func WithConfig(cfg Config) Option {
	return func(s *Store) { s.cfg = cfg }
}

// NewStore creates a store persisting to kv. Call Load before use.
func NewStore(kv kvstore.Store, opts ...Option) *Store {
	s := &Store{
		kv:    kv,
		clock: clockwork.NewRealClock(),
		cfg:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the persisted log and retention config.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var log []Version
	if _, err := s.kv.Get(ctx, kvstore.KeyVersionLog, &log); err != nil {
		return err
	}
	cfg := s.cfg
	if _, err := s.kv.Get(ctx, kvstore.KeyVersionConfig, &cfg); err != nil {
		return err
	}
	s.log = log
	s.cfg = cfg
	return nil
}

// CreateVersion appends a checkpoint holding a deep copy of snapshot. With
// autoCleanup on, retention runs afterwards; a cleanup failure is logged and
// does not fail the call.
func (s *Store) CreateVersion(ctx context.Context, description string, changes []Change, snapshot []backend.Task) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.clock.Now().UTC()
	if len(s.log) > 0 && !ts.After(s.log[0].Timestamp) {
		ts = s.log[0].Timestamp.Add(time.Nanosecond)
	}

	v := Version{
		ID:          uuid.New().String(),
		Timestamp:   ts,
		Description: description,
		Changes:     cloneChanges(changes),
		Snapshot:    backend.CloneTasks(snapshot),
	}

	next := make([]Version, 0, len(s.log)+1)
	next = append(next, v)
	next = append(next, s.log...)
	if err := s.kv.Set(ctx, kvstore.KeyVersionLog, next); err != nil {
		return Version{}, err
	}
	s.log = next

	if s.cfg.AutoCleanup {
		if _, err := s.cleanupLocked(ctx); err != nil {
			utils.Warnf("Version cleanup after %s failed: %v", v.ID, err)
		}
	}
	return v.clone(), nil
}

// Versions returns copies of every version, newest first.
func (s *Store) Versions() []Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Version, len(s.log))
	for i, v := range s.log {
		out[i] = v.clone()
	}
	return out
}

// Version returns a copy of the version with the given id.
func (s *Store) Version(id string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.findLocked(id)
	if !ok {
		return Version{}, utils.ErrVersionMissing(id)
	}
	return v.clone(), nil
}

// CompareVersions lists the changes turning version a's snapshot into b's.
func (s *Store) CompareVersions(a, b string) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	va, ok := s.findLocked(a)
	if !ok {
		return nil, utils.ErrVersionMissing(a)
	}
	vb, ok := s.findLocked(b)
	if !ok {
		return nil, utils.ErrVersionMissing(b)
	}
	return Diff(va.Snapshot, vb.Snapshot), nil
}

// RollbackToVersion returns a deep copy of the version's snapshot for the
// caller to install. The log itself is not modified.
func (s *Store) RollbackToVersion(id string) ([]backend.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.findLocked(id)
	if !ok {
		return nil, utils.ErrVersionMissing(id)
	}
	return backend.CloneTasks(v.Snapshot), nil
}

// Cleanup applies retention and returns how many versions were dropped.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(ctx)
}

// cleanupLocked drops versions older than retentionDays, then trims to
// maxVersions. Both rules only ever remove from the oldest end.
func (s *Store) cleanupLocked(ctx context.Context) (int, error) {
	keep := len(s.log)

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		for keep > 0 && s.log[keep-1].Timestamp.Before(cutoff) {
			keep--
		}
	}
	if s.cfg.MaxVersions > 0 && keep > s.cfg.MaxVersions {
		keep = s.cfg.MaxVersions
	}

	removed := len(s.log) - keep
	if removed == 0 {
		return 0, nil
	}
	next := append([]Version(nil), s.log[:keep]...)
	if err := s.kv.Set(ctx, kvstore.KeyVersionLog, next); err != nil {
		return 0, err
	}
	s.log = next
	utils.Debugf("Version cleanup removed %d versions", removed)
	return removed, nil
}

// Config returns the retention config.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig persists cfg. With autoCleanup on, retention is applied at once.
func (s *Store) SetConfig(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Set(ctx, kvstore.KeyVersionConfig, cfg); err != nil {
		return err
	}
	s.cfg = cfg
	if cfg.AutoCleanup {
		if _, err := s.cleanupLocked(ctx); err != nil {
			utils.Warnf("Version cleanup after config change failed: %v", err)
		}
	}
	return nil
}

func (s *Store) findLocked(id string) (Version, bool) {
	for _, v := range s.log {
		if v.ID == id {
			return v, true
		}
	}
	return Version{}, false
}

func (v Version) clone() Version {
	v.Changes = cloneChanges(v.Changes)
	v.Snapshot = backend.CloneTasks(v.Snapshot)
	return v
}

func cloneChanges(changes []Change) []Change {
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = Change{Type: c.Type, TodoID: c.TodoID, Before: clonePtr(c.Before), After: clonePtr(c.After)}
	}
	return out
}

func clonePtr(t *backend.Task) *backend.Task {
	if t == nil {
		return nil
	}
	c := t.Clone()
	return &c
}
