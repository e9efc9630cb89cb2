// Package notification tells the user about background sync events through
// desktop notifications and an append-only event log.
package notification

import (
	"errors"
	"fmt"
	"time"

	"todosync/internal/syncer"
	"todosync/internal/utils"
)

// Kind identifies what happened
type Kind string

const (
	KindSynced    Kind = "synced"
	KindConflicts Kind = "conflicts"
	KindFailed    Kind = "failed"
)

// Notification is one event to deliver
type Notification struct {
	Kind     Kind
	Provider string
	Title    string
	Message  string
	Time     time.Time
}

// Config selects the channels and the events each desktop notification covers.
type Config struct {
	Desktop DesktopConfig
	Log     LogConfig
}

// DesktopConfig controls OS-native notifications
type DesktopConfig struct {
	Enabled     bool
	OnSync      bool
	OnConflicts bool
	OnFailure   bool
}

// LogConfig controls the event log file
type LogConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Channel delivers notifications somewhere
type Channel interface {
	Send(n Notification) error
	Close() error
}

// FromCycle describes the outcome of one sync cycle. A cycle that committed
// yields a synced notice plus a conflicts notice when any were resolved;
// skipped cycles (already running, sync disabled) yield nothing.
func FromCycle(provider string, res *syncer.Result, err error, now time.Time) []Notification {
	switch {
	case errors.Is(err, utils.ErrSyncInProgress), errors.Is(err, utils.ErrSyncDisabled):
		return nil
	case res == nil && err != nil:
		return []Notification{{
			Kind:     KindFailed,
			Provider: provider,
			Title:    "todosync: sync failed",
			Message:  utils.FirstLine(err.Error()),
			Time:     now,
		}}
	case res == nil:
		return nil
	}

	out := []Notification{{
		Kind:     KindSynced,
		Provider: res.Provider,
		Title:    "todosync: synced",
		Message: fmt.Sprintf("%s: %d pulled, %d removed, %d uploaded",
			res.Provider, res.Pulled, res.Removed, res.Uploaded),
		Time: now,
	}}
	if res.Conflicts > 0 {
		out = append(out, Notification{
			Kind:     KindConflicts,
			Provider: res.Provider,
			Title:    "todosync: conflicts resolved",
			Message:  fmt.Sprintf("%s: %d conflicting edits resolved", res.Provider, res.Conflicts),
			Time:     now,
		})
	}
	if err != nil {
		out = append(out, Notification{
			Kind:     KindFailed,
			Provider: res.Provider,
			Title:    "todosync: sync incomplete",
			Message:  utils.FirstLine(err.Error()),
			Time:     now,
		})
	}
	return out
}
