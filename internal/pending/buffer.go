// Package pending holds local edits staged for the next sync cycle.
package pending

import (
	"context"
	"sort"
	"sync"

	"todosync/backend"
	"todosync/internal/kvstore"
)

// Buffer maps record ids to their most recent local version. Every mutation
// is persisted so staged edits survive a restart.
type Buffer struct {
	mu      sync.RWMutex
	store   kvstore.Store
	entries map[string]backend.Task
}

// New creates an empty buffer persisting to store.
func New(store kvstore.Store) *Buffer {
	return &Buffer{store: store, entries: make(map[string]backend.Task)}
}

// Load replaces the in-memory buffer with the persisted one.
func (b *Buffer) Load(ctx context.Context) error {
	var saved []backend.Task
	if _, err := b.store.Get(ctx, kvstore.KeySyncPending, &saved); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]backend.Task, len(saved))
	for _, t := range saved {
		b.entries[t.ID] = t
	}
	return nil
}

// Stage records task as the latest local version of its id, replacing any
// earlier staged version.
func (b *Buffer) Stage(ctx context.Context, task backend.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.copyLocked()
	next[task.ID] = task.Clone()
	return b.persistLocked(ctx, next)
}

// Unstage drops the staged version of id, if any.
func (b *Buffer) Unstage(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[id]; !ok {
		return nil
	}
	next := b.copyLocked()
	delete(next, id)
	return b.persistLocked(ctx, next)
}

// Commit removes the entries that were part of a committed cycle. An entry
// re-staged after the snapshot was taken no longer equals its snapshot
// version and is kept for the next cycle.
func (b *Buffer) Commit(ctx context.Context, synced map[string]backend.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.copyLocked()
	removed := 0
	for id, sent := range synced {
		if cur, ok := next[id]; ok && cur.Equal(sent) {
			delete(next, id)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	return b.persistLocked(ctx, next)
}

// Snapshot returns a deep copy of the staged versions keyed by id.
func (b *Buffer) Snapshot() map[string]backend.Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.copyLocked()
}

// Get returns the staged version of id.
func (b *Buffer) Get(id string) (backend.Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.entries[id]
	return t.Clone(), ok
}

// Len returns the number of staged records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *Buffer) copyLocked() map[string]backend.Task {
	out := make(map[string]backend.Task, len(b.entries))
	for id, t := range b.entries {
		out[id] = t.Clone()
	}
	return out
}

// persistLocked writes next and swaps it in only when the write succeeds.
func (b *Buffer) persistLocked(ctx context.Context, next map[string]backend.Task) error {
	if err := b.store.Set(ctx, kvstore.KeySyncPending, sortedTasks(next)); err != nil {
		return err
	}
	b.entries = next
	return nil
}

func sortedTasks(m map[string]backend.Task) []backend.Task {
	out := make([]backend.Task, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
