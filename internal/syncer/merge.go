package syncer

import (
	"sort"
	"time"

	"todosync/backend"
	"todosync/internal/conflict"
)

// syncBase maps every id of the last committed set to its updatedAt. It
// separates "created on one side" from "deleted on the other".
type syncBase map[string]time.Time

func baseOf(tasks []backend.Task) syncBase {
	b := make(syncBase, len(tasks))
	for _, t := range tasks {
		b[t.ID] = t.Modified
	}
	return b
}

func (b syncBase) clone() syncBase {
	out := make(syncBase, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// unchanged reports whether t is exactly the version last committed.
func (b syncBase) unchanged(t backend.Task) bool {
	at, ok := b[t.ID]
	return ok && at.Equal(t.Modified)
}

// changedSince returns the remote records edited or created since the base.
func changedSince(remote []backend.Task, base syncBase) []backend.Task {
	var out []backend.Task
	for _, r := range remote {
		if !base.unchanged(r) {
			out = append(out, r)
		}
	}
	return out
}

type mergeStats struct {
	pulled  int
	removed int
}

// merge builds the next committed set. Resolved conflicts take their winner
// and staged local versions beat unchanged remote ones. Otherwise the remote
// copy of a record is authoritative. A record missing on one side is a
// deletion when the base knew it and a creation when it did not. Output
// follows remote order, then surviving local order, then new staged records
// by id.
func merge(local []backend.Task, staged map[string]backend.Task, remote []backend.Task, base syncBase, resolutions []conflict.Resolution) ([]backend.Task, mergeStats) {
	var stats mergeStats
	winners := make(map[string]backend.Task, len(resolutions))
	for _, r := range resolutions {
		winners[r.ItemID] = r.Winner
	}
	inLocal := backend.IndexByID(local)

	out := make([]backend.Task, 0, len(remote)+len(staged))
	seen := make(map[string]bool, len(remote)+len(staged))
	emit := func(t backend.Task) {
		out = append(out, t.Clone())
		seen[t.ID] = true
	}

	for _, r := range remote {
		if w, ok := winners[r.ID]; ok {
			if !w.Equal(staged[r.ID]) {
				stats.pulled++
			}
			emit(w)
			continue
		}
		if s, ok := staged[r.ID]; ok {
			emit(s)
			continue
		}
		l, ok := inLocal[r.ID]
		switch {
		case ok:
			if !l.Equal(r) {
				stats.pulled++
			}
			emit(r)
		case base.unchanged(r):
			// Deleted here; the peer did not touch it since.
		default:
			stats.pulled++
			emit(r)
		}
	}

	for _, l := range local {
		if seen[l.ID] {
			continue
		}
		if s, ok := staged[l.ID]; ok {
			emit(s)
			continue
		}
		if _, known := base[l.ID]; known {
			stats.removed++
			continue
		}
		emit(l)
	}

	var fresh []string
	for id := range staged {
		if !seen[id] {
			fresh = append(fresh, id)
		}
	}
	sort.Strings(fresh)
	for _, id := range fresh {
		emit(staged[id])
	}

	return out, stats
}

// peersSeen returns the devices, other than self, whose edits arrived in remote.
func peersSeen(remote []backend.Task, base syncBase, self string) []string {
	set := make(map[string]bool)
	for _, r := range changedSince(remote, base) {
		if r.DeviceID != "" && r.DeviceID != self {
			set[r.DeviceID] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
