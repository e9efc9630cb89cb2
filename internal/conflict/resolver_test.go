package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"todosync/backend"
	"todosync/internal/device"
)

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func version(id, summary, deviceID string, minutes int) backend.Task {
	return backend.Task{
		ID:       id,
		Summary:  summary,
		Status:   backend.StatusNeedsAction,
		Modified: base.Add(time.Duration(minutes) * time.Minute),
		DeviceID: deviceID,
	}
}

func conflictOf(local, remote backend.Task) Conflict {
	return Conflict{ItemID: local.ID, Local: local, Remote: remote}
}

// =============================================================================
// Detection
// =============================================================================

func TestDetect(t *testing.T) {
	pending := map[string]backend.Task{
		"b":     version("b", "local b", "A", 2),
		"a":     version("a", "local a", "A", 2),
		"same":  version("same", "identical stamp", "A", 1),
		"local": version("local", "only local", "A", 1),
	}
	remote := []backend.Task{
		version("a", "remote a", "B", 3),
		version("same", "identical stamp", "B", 1),
		version("b", "remote b", "B", 1),
		version("remote", "only remote", "B", 1),
	}
	peers := func(id string) (device.Device, bool) {
		if id == "B" {
			return device.Device{ID: "B", Name: "Phone"}, true
		}
		return device.Device{}, false
	}

	got := Detect(pending, remote, peers)
	if len(got) != 2 {
		t.Fatalf("Detect() returned %d conflicts, want 2: %+v", len(got), got)
	}
	if got[0].ItemID != "a" || got[1].ItemID != "b" {
		t.Errorf("conflict order = %s,%s, want a,b", got[0].ItemID, got[1].ItemID)
	}
	if got[0].PeerDevice.Name != "Phone" {
		t.Errorf("PeerDevice = %+v, want the looked-up device", got[0].PeerDevice)
	}
	if got[0].Local.Summary != "local a" || got[0].Remote.Summary != "remote a" {
		t.Errorf("conflict a = %+v", got[0])
	}
}

func TestDetectUnknownPeer(t *testing.T) {
	got := Detect(
		map[string]backend.Task{"x": version("x", "l", "A", 1)},
		[]backend.Task{version("x", "r", "ghost", 2)},
		nil,
	)
	if len(got) != 1 || got[0].PeerDevice.ID != "ghost" {
		t.Errorf("Detect() = %+v, want bare peer with remote device id", got)
	}
}

// =============================================================================
// Policies
// =============================================================================

func TestLastModified(t *testing.T) {
	tests := []struct {
		name   string
		local  int
		remote int
		want   Side
	}{
		{"remote newer", 1, 5, SideRemote},
		{"local newer", 5, 1, SideLocal},
		{"tie prefers local", 3, 3, SideLocal},
	}

	r := NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := conflictOf(version("x", "L", "A", tt.local), version("x", "R", "B", tt.remote))
			res, err := r.Resolve(context.Background(), PolicyLastModified, nil, []Conflict{c})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if res[0].Side != tt.want {
				t.Errorf("Side = %s, want %s", res[0].Side, tt.want)
			}
		})
	}
}

func TestDevicePriority(t *testing.T) {
	tests := []struct {
		name     string
		priority []string
		local    backend.Task
		remote   backend.Task
		want     Side
	}{
		{"remote device ranked higher", []string{"B", "A"}, version("x", "L", "A", 9), version("x", "R", "B", 1), SideRemote},
		{"local device ranked higher", []string{"A", "B"}, version("x", "L", "A", 1), version("x", "R", "B", 9), SideLocal},
		{"unranked remote loses", []string{"A"}, version("x", "L", "A", 1), version("x", "R", "C", 9), SideLocal},
		{"unranked local loses", []string{"B"}, version("x", "L", "C", 9), version("x", "R", "B", 1), SideRemote},
		{"neither ranked falls back to lastModified", []string{"Z"}, version("x", "L", "A", 1), version("x", "R", "B", 9), SideRemote},
		{"empty order falls back to lastModified", nil, version("x", "L", "A", 9), version("x", "R", "B", 1), SideLocal},
		{"same device falls back to lastModified", []string{"A"}, version("x", "L", "A", 1), version("x", "R", "A", 9), SideRemote},
	}

	r := NewResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), PolicyDevicePriority, tt.priority, []Conflict{conflictOf(tt.local, tt.remote)})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if res[0].Side != tt.want {
				t.Errorf("Side = %s, want %s", res[0].Side, tt.want)
			}
		})
	}
}

func TestManualWithoutCallbackKeepsLocal(t *testing.T) {
	c := conflictOf(version("x", "L", "A", 1), version("x", "R", "B", 9))
	res, err := NewResolver().Resolve(context.Background(), PolicyManual, nil, []Conflict{c})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res[0].Side != SideLocal || res[0].Winner.Summary != "L" {
		t.Errorf("Resolve() = %+v, want local fallback", res[0])
	}
}

func TestManualUsesFirstRegisteredCallback(t *testing.T) {
	r := NewResolver()
	removeFirst := r.OnConflict(func(_ context.Context, c Conflict) (backend.Task, error) {
		return c.Remote, nil
	})
	r.OnConflict(func(_ context.Context, c Conflict) (backend.Task, error) {
		merged := c.Local.Clone()
		merged.Summary = c.Local.Summary + "+" + c.Remote.Summary
		return merged, nil
	})

	c := conflictOf(version("x", "L", "A", 1), version("x", "R", "B", 9))
	res, err := r.Resolve(context.Background(), PolicyManual, nil, []Conflict{c})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res[0].Side != SideRemote {
		t.Errorf("Side = %s, want remote from first callback", res[0].Side)
	}

	removeFirst()
	res, err = r.Resolve(context.Background(), PolicyManual, nil, []Conflict{c})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res[0].Side != SideCustom || res[0].Winner.Summary != "L+R" {
		t.Errorf("Resolve() = %+v, want merged record from second callback", res[0])
	}
}

func TestManualCallbackErrorAbortsBatch(t *testing.T) {
	boom := errors.New("user quit")
	r := NewResolver()
	calls := 0
	r.OnConflict(func(_ context.Context, c Conflict) (backend.Task, error) {
		calls++
		if c.ItemID == "b" {
			return backend.Task{}, boom
		}
		return c.Local, nil
	})

	conflicts := []Conflict{
		conflictOf(version("a", "L", "A", 1), version("a", "R", "B", 2)),
		conflictOf(version("b", "L", "A", 1), version("b", "R", "B", 2)),
	}
	res, err := r.Resolve(context.Background(), PolicyManual, nil, conflicts)
	if !errors.Is(err, boom) {
		t.Fatalf("Resolve() error = %v, want callback error", err)
	}
	if res != nil {
		t.Errorf("Resolve() returned partial resolutions %+v", res)
	}
	if calls != 2 {
		t.Errorf("callback calls = %d, want 2", calls)
	}
}

func TestManualCallbackWrongID(t *testing.T) {
	r := NewResolver()
	r.OnConflict(func(_ context.Context, c Conflict) (backend.Task, error) {
		return version("other", "?", "A", 1), nil
	})
	c := conflictOf(version("x", "L", "A", 1), version("x", "R", "B", 2))
	if _, err := r.Resolve(context.Background(), PolicyManual, nil, []Conflict{c}); err == nil {
		t.Error("Resolve() should reject a record with a different id")
	}
}

// TestResolveIsDeterministic verifies identical inputs give identical outputs
func TestResolveIsDeterministic(t *testing.T) {
	conflicts := []Conflict{
		conflictOf(version("a", "L", "A", 1), version("a", "R", "B", 2)),
		conflictOf(version("b", "L", "B", 4), version("b", "R", "A", 3)),
	}
	r := NewResolver()
	for _, policy := range []Policy{PolicyLastModified, PolicyDevicePriority, PolicyManual} {
		first, err := r.Resolve(context.Background(), policy, []string{"B", "A"}, conflicts)
		if err != nil {
			t.Fatalf("Resolve(%s) error = %v", policy, err)
		}
		second, _ := r.Resolve(context.Background(), policy, []string{"B", "A"}, conflicts)
		for i := range first {
			if first[i].Side != second[i].Side || !first[i].Winner.Equal(second[i].Winner) {
				t.Errorf("%s: resolution %d differs between runs", policy, i)
			}
		}
	}
}

func TestResolveUnknownPolicy(t *testing.T) {
	c := conflictOf(version("x", "L", "A", 1), version("x", "R", "B", 2))
	if _, err := NewResolver().Resolve(context.Background(), Policy("coinflip"), nil, []Conflict{c}); err == nil {
		t.Error("Resolve() with unknown policy should fail")
	}
}

func TestParsePolicy(t *testing.T) {
	for _, p := range Policies() {
		got, err := ParsePolicy(string(p))
		if err != nil || got != p {
			t.Errorf("ParsePolicy(%q) = %q, %v", p, got, err)
		}
		if p.Description() == "" {
			t.Errorf("%s has no description", p)
		}
	}
	if _, err := ParsePolicy("newest"); err == nil {
		t.Error("ParsePolicy(newest) should fail")
	}
}
