package backend

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task represents a todo item as it travels between devices.
// Modified is the record's updatedAt and drives conflict detection.
type Task struct {
	ID          string     `json:"id"`
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	Completed   *time.Time `json:"completed,omitempty"`
	Created     time.Time  `json:"created"`
	Modified    time.Time  `json:"updatedAt"`
	ListID      string     `json:"listId,omitempty"`
	ParentID    string     `json:"parentId,omitempty"`   // For subtasks
	Categories  string     `json:"categories,omitempty"` // Comma-separated list of tags/categories
	DeviceID    string     `json:"deviceId,omitempty"`   // Device that produced this version
}

// TaskStatus represents the completion state of a task
type TaskStatus string

const (
	StatusNeedsAction TaskStatus = "NEEDS-ACTION"
	StatusCompleted   TaskStatus = "COMPLETED"
	StatusInProgress  TaskStatus = "IN-PROGRESS"
	StatusCancelled   TaskStatus = "CANCELLED"
)

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	t.DueDate = cloneTime(t.DueDate)
	t.StartDate = cloneTime(t.StartDate)
	t.Completed = cloneTime(t.Completed)
	return t
}

// Equal reports whether two tasks carry the same content. Times are
// compared as instants, so a record survives a JSON round trip unchanged.
func (t Task) Equal(o Task) bool {
	return t.ID == o.ID &&
		t.Summary == o.Summary &&
		t.Description == o.Description &&
		t.Status == o.Status &&
		t.Priority == o.Priority &&
		equalTime(t.DueDate, o.DueDate) &&
		equalTime(t.StartDate, o.StartDate) &&
		equalTime(t.Completed, o.Completed) &&
		t.Created.Equal(o.Created) &&
		t.Modified.Equal(o.Modified) &&
		t.ListID == o.ListID &&
		t.ParentID == o.ParentID &&
		t.Categories == o.Categories &&
		t.DeviceID == o.DeviceID
}

// CloneTasks deep-copies a slice of tasks. A nil input yields an empty slice.
func CloneTasks(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// IndexByID maps task ids to their position-independent copies.
func IndexByID(tasks []Task) map[string]Task {
	m := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Provider is a remote store holding the full task set for every device.
type Provider interface {
	// Name returns the registry name of the provider.
	Name() string

	// Initialize verifies connectivity and prepares the remote resource.
	Initialize(ctx context.Context) error

	// UploadRecords replaces the remote set with records. It is idempotent
	// and never leaves the remote truncated or malformed.
	UploadRecords(ctx context.Context, records []Task) error

	// DownloadRecords returns the remote set. A never-written remote yields
	// an empty set.
	DownloadRecords(ctx context.Context) ([]Task, error)

	// LastSyncTime returns the time of the last committed cycle, or nil.
	LastSyncTime(ctx context.Context) (*time.Time, error)

	// SetLastSyncTime records the time of a committed cycle.
	SetLastSyncTime(ctx context.Context, t time.Time) error

	// Connection management
	Close() error
}

// GenerateID generates a unique identifier using UUID v4.
func GenerateID() string {
	return uuid.New().String()
}
