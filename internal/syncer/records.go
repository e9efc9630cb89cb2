package syncer

import (
	"context"

	"todosync/backend"
	"todosync/internal/kvstore"
)

// RecordSet is the device's committed task set. Replace must be all or nothing.
type RecordSet interface {
	Load(ctx context.Context) ([]backend.Task, error)
	Replace(ctx context.Context, tasks []backend.Task) error
}

// KVRecords keeps the task set as one value in the host store, which makes
// Replace a single atomic write.
type KVRecords struct {
	store kvstore.Store
	key   string
}

var _ RecordSet = (*KVRecords)(nil)

// NewKVRecords creates a record set stored under kvstore.KeyTasks.
func NewKVRecords(store kvstore.Store) *KVRecords {
	return &KVRecords{store: store, key: kvstore.KeyTasks}
}

// Load implements RecordSet.
func (r *KVRecords) Load(ctx context.Context) ([]backend.Task, error) {
	var tasks []backend.Task
	if _, err := r.store.Get(ctx, r.key, &tasks); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []backend.Task{}
	}
	return tasks, nil
}

// Replace implements RecordSet.
func (r *KVRecords) Replace(ctx context.Context, tasks []backend.Task) error {
	if tasks == nil {
		tasks = []backend.Task{}
	}
	return r.store.Set(ctx, r.key, tasks)
}

// Upsert replaces or appends one task.
func (r *KVRecords) Upsert(ctx context.Context, task backend.Task) error {
	tasks, err := r.Load(ctx)
	if err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].ID == task.ID {
			tasks[i] = task
			return r.Replace(ctx, tasks)
		}
	}
	return r.Replace(ctx, append(tasks, task))
}
