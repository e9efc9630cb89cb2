// Package conflict detects and resolves concurrent edits of the same task.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"todosync/backend"
	"todosync/internal/device"
	"todosync/internal/utils"
)

// Conflict is a record edited both locally and remotely since the last sync.
type Conflict struct {
	ItemID     string
	Local      backend.Task
	Remote     backend.Task
	PeerDevice device.Device // Device that produced the remote version
}

// Side names the version a resolution kept.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideCustom Side = "custom" // A manual handler returned a merged record
)

// Resolution is the outcome for one conflict.
type Resolution struct {
	ItemID string
	Winner backend.Task
	Side   Side
}

// Callback decides a conflict under the manual policy. It returns the record
// to keep, which must carry the conflict's id.
type Callback func(ctx context.Context, c Conflict) (backend.Task, error)

// PeerLookup resolves the device that produced a remote version.
type PeerLookup func(deviceID string) (device.Device, bool)

// Detect pairs pending local versions with remote records sharing their id
// whose updatedAt differs. A record present on only one side is not a
// conflict. Conflicts are returned sorted by item id.
func Detect(pending map[string]backend.Task, remote []backend.Task, peers PeerLookup) []Conflict {
	var conflicts []Conflict
	for _, r := range remote {
		local, ok := pending[r.ID]
		if !ok || local.Modified.Equal(r.Modified) {
			continue
		}
		peer := device.Device{ID: r.DeviceID}
		if peers != nil {
			if d, found := peers(r.DeviceID); found {
				peer = d
			}
		}
		conflicts = append(conflicts, Conflict{
			ItemID:     r.ID,
			Local:      local.Clone(),
			Remote:     r.Clone(),
			PeerDevice: peer,
		})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].ItemID < conflicts[j].ItemID })
	return conflicts
}

// Resolver applies a policy to a batch of conflicts.
type Resolver struct {
	mu        sync.Mutex
	callbacks []registeredCallback
	nextID    int
}

type registeredCallback struct {
	id int
	fn Callback
}

// NewResolver creates a resolver with no manual handlers.
func NewResolver() *Resolver {
	return &Resolver{}
}

// OnConflict registers a manual handler and returns a function removing it.
// Only the earliest registered handler still present is consulted.
func (r *Resolver) OnConflict(fn Callback) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.callbacks = append(r.callbacks, registeredCallback{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, cb := range r.callbacks {
			if cb.id == id {
				r.callbacks = append(r.callbacks[:i], r.callbacks[i+1:]...)
				return
			}
		}
	}
}

func (r *Resolver) firstCallback() Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.callbacks) == 0 {
		return nil
	}
	return r.callbacks[0].fn
}

// Resolve decides every conflict before returning. Any handler error aborts
// the whole batch so that no partial resolution is applied.
func (r *Resolver) Resolve(ctx context.Context, policy Policy, priority []string, conflicts []Conflict) ([]Resolution, error) {
	out := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		res, err := r.resolveOne(ctx, policy, priority, c)
		if err != nil {
			return nil, err
		}
		utils.Debugf("Conflict on %s resolved to %s version (%s)", c.ItemID, res.Side, policy)
		out = append(out, res)
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, policy Policy, priority []string, c Conflict) (Resolution, error) {
	switch policy {
	case PolicyLastModified:
		return byLastModified(c), nil
	case PolicyDevicePriority:
		return byDevicePriority(c, priority), nil
	case PolicyManual:
		cb := r.firstCallback()
		if cb == nil {
			return keep(c, SideLocal), nil
		}
		winner, err := cb(ctx, c)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolving conflict on %s: %w", c.ItemID, err)
		}
		if winner.ID != c.ItemID {
			return Resolution{}, fmt.Errorf("resolving conflict on %s: handler returned record %q", c.ItemID, winner.ID)
		}
		return Resolution{ItemID: c.ItemID, Winner: winner.Clone(), Side: sideOf(c, winner)}, nil
	default:
		return Resolution{}, fmt.Errorf("resolving conflict on %s: unknown policy %q", c.ItemID, policy)
	}
}

func byLastModified(c Conflict) Resolution {
	if c.Remote.Modified.After(c.Local.Modified) {
		return keep(c, SideRemote)
	}
	return keep(c, SideLocal)
}

// byDevicePriority ranks the owning devices by their index in priority.
// A device missing from the list ranks lowest; when neither side is ranked,
// or both versions come from the same device, lastModified decides.
func byDevicePriority(c Conflict, priority []string) Resolution {
	localRank := rank(priority, c.Local.DeviceID)
	remoteRank := rank(priority, c.Remote.DeviceID)

	switch {
	case localRank == remoteRank:
		return byLastModified(c)
	case localRank < remoteRank:
		return keep(c, SideLocal)
	default:
		return keep(c, SideRemote)
	}
}

// rank returns the device's index in priority, or len(priority) when absent.
func rank(priority []string, deviceID string) int {
	for i, id := range priority {
		if deviceID != "" && id == deviceID {
			return i
		}
	}
	return len(priority)
}

func keep(c Conflict, side Side) Resolution {
	winner := c.Local
	if side == SideRemote {
		winner = c.Remote
	}
	return Resolution{ItemID: c.ItemID, Winner: winner.Clone(), Side: side}
}

func sideOf(c Conflict, winner backend.Task) Side {
	switch {
	case winner.Equal(c.Local):
		return SideLocal
	case winner.Equal(c.Remote):
		return SideRemote
	}
	return SideCustom
}
