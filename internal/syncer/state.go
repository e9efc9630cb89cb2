package syncer

import (
	"time"

	"todosync/internal/conflict"
)

// State is the coordinator's lifecycle state.
type State string

const (
	StateDisabled State = "disabled"
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
)

// SyncState is the persisted sync configuration.
type SyncState struct {
	Enabled             bool            `json:"enabled"`
	AutoSync            bool            `json:"autoSync"`
	SyncIntervalMinutes int             `json:"syncIntervalMinutes"`
	ConflictPolicy      conflict.Policy `json:"conflictPolicy"`
	DevicePriorityOrder []string        `json:"devicePriorityOrder,omitempty"`
	Provider            string          `json:"provider,omitempty"`
}

// DefaultSyncState is used until a state has been saved.
func DefaultSyncState() SyncState {
	return SyncState{
		AutoSync:            true,
		SyncIntervalMinutes: 15,
		ConflictPolicy:      conflict.PolicyLastModified,
	}
}

// Interval returns the auto-sync period.
func (s SyncState) Interval() time.Duration {
	return time.Duration(s.SyncIntervalMinutes) * time.Minute
}

func (s SyncState) clone() SyncState {
	if s.DevicePriorityOrder != nil {
		s.DevicePriorityOrder = append([]string(nil), s.DevicePriorityOrder...)
	}
	return s
}

// Result summarizes a committed cycle.
type Result struct {
	Provider    string
	Downloaded  int // records received from the provider
	Uploaded    int // records in the merged set sent back
	Pulled      int // remote creations and edits applied locally
	Removed     int // local records dropped because a peer deleted them
	Conflicts   int
	Resolutions []conflict.Resolution
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration returns how long the cycle took.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status is a point-in-time view for display.
type Status struct {
	State        State
	Sync         SyncState
	Provider     string
	Pending      int
	LastSyncTime *time.Time
	LastResult   *Result
	Breaker      string
}
