package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"todosync/backend"
	"todosync/backend/memory"
	"todosync/internal/conflict"
	"todosync/internal/device"
	"todosync/internal/kvstore"
	"todosync/internal/pending"
	"todosync/internal/utils"
)

// =============================================================================
// Test rig
// =============================================================================

type rig struct {
	store   *kvstore.Memory
	records *KVRecords
	devices *device.Registry
	pending *pending.Buffer
	clock   *clockwork.FakeClock
	coord   *Coordinator
}

// newRegistry returns a registry whose "memory" provider talks to remote.
func newRegistry(remote *memory.Remote) *backend.Registry {
	reg := backend.NewRegistry()
	reg.Register(memory.ProviderName, func(cfg backend.ProviderConfig) (backend.Provider, error) {
		return memory.New(memory.ProviderName, remote, cfg.Store), nil
	})
	return reg
}

func newRig(t *testing.T, reg *backend.Registry, platform string, clock *clockwork.FakeClock) *rig {
	t.Helper()
	ctx := context.Background()

	store := kvstore.NewMemory()
	devices := device.NewRegistry(store, device.WithPlatform(platform), device.WithClock(clock.Now))
	if _, err := devices.Register(ctx); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	buf := pending.New(store)
	if err := buf.Load(ctx); err != nil {
		t.Fatalf("pending Load() error = %v", err)
	}

	r := &rig{
		store:   store,
		records: NewKVRecords(store),
		devices: devices,
		pending: buf,
		clock:   clock,
	}
	r.coord = New(Config{
		Store:    store,
		Records:  r.records,
		Devices:  devices,
		Pending:  buf,
		Registry: reg,
		Clock:    clock,
	})
	if err := r.coord.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	t.Cleanup(func() { _ = r.coord.Close() })
	return r
}

func (r *rig) enable(t *testing.T) {
	t.Helper()
	if err := r.coord.SetAutoSync(context.Background(), false); err != nil {
		t.Fatalf("SetAutoSync() error = %v", err)
	}
	if err := r.coord.Enable(context.Background(), backend.ProviderConfig{Name: memory.ProviderName}); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
}

func (r *rig) mustSync(t *testing.T) *Result {
	t.Helper()
	res, err := r.coord.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	return res
}

func (r *rig) mustStage(t *testing.T, task backend.Task) backend.Task {
	t.Helper()
	staged, err := r.coord.Stage(context.Background(), task)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	return staged
}

func (r *rig) local(t *testing.T) []backend.Task {
	t.Helper()
	tasks, err := r.records.Load(context.Background())
	if err != nil {
		t.Fatalf("records Load() error = %v", err)
	}
	return tasks
}

func summaries(tasks []backend.Task) map[string]string {
	out := make(map[string]string, len(tasks))
	for _, t := range tasks {
		out[t.ID] = t.Summary
	}
	return out
}

// pair makes two rigs known to each other.
func pair(t *testing.T, a, b *rig) {
	t.Helper()
	ctx := context.Background()
	if err := a.devices.AddPairedDevice(ctx, device.Device{ID: b.devices.ID(), Name: "b"}); err != nil {
		t.Fatalf("AddPairedDevice() error = %v", err)
	}
	if err := b.devices.AddPairedDevice(ctx, device.Device{ID: a.devices.ID(), Name: "a"}); err != nil {
		t.Fatalf("AddPairedDevice() error = %v", err)
	}
}

// twoDevices builds devices A and B sharing one remote, both holding task
// "t1" committed at epoch.
func twoDevices(t *testing.T) (a, b *rig, remote *memory.Remote) {
	t.Helper()
	remote = memory.NewRemote()
	reg := newRegistry(remote)
	clock := clockwork.NewFakeClockAt(epoch)

	a = newRig(t, reg, "laptop", clock)
	b = newRig(t, reg, "phone", clock)
	pair(t, a, b)
	a.enable(t)
	b.enable(t)

	a.mustStage(t, backend.Task{ID: "t1", Summary: "buy milk", Status: backend.StatusNeedsAction})
	a.mustSync(t)
	b.mustSync(t)
	return a, b, remote
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestSyncOnceWhileDisabled(t *testing.T) {
	r := newRig(t, newRegistry(memory.NewRemote()), "laptop", clockwork.NewFakeClockAt(epoch))

	if r.coord.State() != StateDisabled {
		t.Errorf("State() = %v, want disabled", r.coord.State())
	}
	if _, err := r.coord.SyncOnce(context.Background()); !errors.Is(err, utils.ErrSyncDisabled) {
		t.Errorf("SyncOnce() error = %v, want ErrSyncDisabled", err)
	}
}

func TestEnableUnknownProvider(t *testing.T) {
	r := newRig(t, newRegistry(memory.NewRemote()), "laptop", clockwork.NewFakeClockAt(epoch))

	err := r.coord.Enable(context.Background(), backend.ProviderConfig{Name: "ftp"})
	if !errors.Is(err, utils.ErrUnknownProvider) {
		t.Errorf("Enable() error = %v, want ErrUnknownProvider", err)
	}
	if r.coord.State() != StateDisabled {
		t.Errorf("State() = %v, want disabled", r.coord.State())
	}
}

func TestEnableInitializeFailureStaysDisabled(t *testing.T) {
	remote := memory.NewRemote()
	remote.FailInitialize(errors.New("connection refused"))
	r := newRig(t, newRegistry(remote), "laptop", clockwork.NewFakeClockAt(epoch))

	err := r.coord.Enable(context.Background(), backend.ProviderConfig{Name: memory.ProviderName})
	if !errors.Is(err, utils.ErrProviderUnavailable) {
		t.Errorf("Enable() error = %v, want ErrProviderUnavailable", err)
	}
	if r.coord.State() != StateDisabled {
		t.Errorf("State() = %v, want disabled", r.coord.State())
	}
	if r.coord.SyncState().Enabled {
		t.Error("SyncState().Enabled = true after failed Enable")
	}
}

func TestEnablePersistsAndResumes(t *testing.T) {
	ctx := context.Background()
	remote := memory.NewRemote()
	reg := newRegistry(remote)
	clock := clockwork.NewFakeClockAt(epoch)
	r := newRig(t, reg, "laptop", clock)
	r.enable(t)

	if r.coord.State() != StateIdle {
		t.Errorf("State() = %v, want idle", r.coord.State())
	}

	reopened := New(Config{Store: r.store, Records: r.records, Devices: r.devices, Pending: r.pending, Registry: reg, Clock: clock})
	if err := reopened.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	name, ok := reopened.ShouldResume()
	if !ok || name != memory.ProviderName {
		t.Errorf("ShouldResume() = %q, %v, want %q, true", name, ok, memory.ProviderName)
	}
	if reopened.State() != StateDisabled {
		t.Errorf("reopened State() = %v before Enable, want disabled", reopened.State())
	}
}

func TestDisableKeepsPendingAndPeers(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, newRegistry(memory.NewRemote()), "laptop", clockwork.NewFakeClockAt(epoch))
	r.enable(t)
	if err := r.devices.AddPairedDevice(ctx, device.Device{ID: "peer-1"}); err != nil {
		t.Fatalf("AddPairedDevice() error = %v", err)
	}
	r.mustStage(t, backend.Task{ID: "t1", Summary: "draft"})

	if err := r.coord.Disable(ctx); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if r.coord.State() != StateDisabled {
		t.Errorf("State() = %v, want disabled", r.coord.State())
	}
	if r.pending.Len() != 1 {
		t.Errorf("pending Len() = %d, want 1", r.pending.Len())
	}
	if len(r.devices.PairedDevices()) != 1 {
		t.Errorf("paired devices = %d, want 1", len(r.devices.PairedDevices()))
	}
	if _, ok := r.coord.ShouldResume(); ok {
		t.Error("ShouldResume() = true after Disable")
	}
}

func TestSettersValidateAndPersist(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, newRegistry(memory.NewRemote()), "laptop", clockwork.NewFakeClockAt(epoch))

	if err := r.coord.SetSyncInterval(ctx, 0); err == nil {
		t.Error("SetSyncInterval(0) should fail")
	}
	if err := r.coord.SetConflictPolicy(ctx, conflict.Policy("newest"), nil); err == nil {
		t.Error("SetConflictPolicy(newest) should fail")
	}
	if err := r.coord.SetSyncInterval(ctx, 5); err != nil {
		t.Fatalf("SetSyncInterval() error = %v", err)
	}
	if err := r.coord.SetConflictPolicy(ctx, conflict.PolicyDevicePriority, []string{"x", "y"}); err != nil {
		t.Fatalf("SetConflictPolicy() error = %v", err)
	}

	var stored SyncState
	if _, err := r.store.Get(ctx, kvstore.KeySyncState, &stored); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	want := SyncState{
		AutoSync:            true,
		SyncIntervalMinutes: 5,
		ConflictPolicy:      conflict.PolicyDevicePriority,
		DevicePriorityOrder: []string{"x", "y"},
	}
	if diff := cmp.Diff(want, stored); diff != "" {
		t.Errorf("stored state mismatch (-want +got):\n%s", diff)
	}
}

func TestStageStampsDeviceAndTime(t *testing.T) {
	r := newRig(t, newRegistry(memory.NewRemote()), "laptop", clockwork.NewFakeClockAt(epoch))

	got := r.mustStage(t, backend.Task{Summary: "call mom", DeviceID: "someone-else"})
	if got.ID == "" {
		t.Error("Stage() left ID empty")
	}
	if !got.Modified.Equal(epoch) {
		t.Errorf("Modified = %v, want %v", got.Modified, epoch)
	}
	if got.DeviceID != r.devices.ID() {
		t.Errorf("DeviceID = %q, want %q", got.DeviceID, r.devices.ID())
	}
	if _, ok := r.pending.Get(got.ID); !ok {
		t.Error("staged task not in pending buffer")
	}
}

// =============================================================================
// Cycle Tests
// =============================================================================

// Scenario: a local edit is uploaded and committed.
func TestSyncOnceUploadsLocalEdit(t *testing.T) {
	remote := memory.NewRemote()
	r := newRig(t, newRegistry(remote), "laptop", clockwork.NewFakeClockAt(epoch))
	r.enable(t)

	task := r.mustStage(t, backend.Task{ID: "t1", Summary: "buy milk", Status: backend.StatusNeedsAction})
	res := r.mustSync(t)

	if res.Uploaded != 1 || res.Downloaded != 0 || res.Conflicts != 0 {
		t.Errorf("Result = %+v", res)
	}
	if diff := cmp.Diff([]backend.Task{task}, remote.Records()); diff != "" {
		t.Errorf("remote mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]backend.Task{task}, r.local(t)); diff != "" {
		t.Errorf("local mismatch (-want +got):\n%s", diff)
	}
	if r.pending.Len() != 0 {
		t.Errorf("pending Len() = %d, want 0", r.pending.Len())
	}
	last := r.coord.Status(context.Background()).LastSyncTime
	if last == nil || !last.Equal(epoch) {
		t.Errorf("LastSyncTime = %v, want %v", last, epoch)
	}
	if r.coord.LastResult() == nil {
		t.Error("LastResult() = nil after a committed cycle")
	}
}

// Scenario: a peer's change is pulled and the peer is marked as synced.
func TestSyncOncePullsPeerChange(t *testing.T) {
	a, b, _ := twoDevices(t)

	if diff := cmp.Diff(map[string]string{"t1": "buy milk"}, summaries(b.local(t))); diff != "" {
		t.Errorf("B local mismatch (-want +got):\n%s", diff)
	}
	if res := b.coord.LastResult(); res.Pulled != 1 {
		t.Errorf("B Pulled = %d, want 1", res.Pulled)
	}

	peer, ok := b.devices.Device(a.devices.ID())
	if !ok || peer.LastSyncTime == nil {
		t.Fatalf("peer A not marked synced on B: %+v", peer)
	}
}

func TestSecondSyncIsIdempotent(t *testing.T) {
	a, _, remote := twoDevices(t)
	before := remote.Records()
	uploads := remote.Uploads()

	res := a.mustSync(t)
	if res.Pulled != 0 || res.Removed != 0 || res.Conflicts != 0 {
		t.Errorf("Result = %+v, want no changes", res)
	}
	if diff := cmp.Diff(before, remote.Records()); diff != "" {
		t.Errorf("remote changed on idle sync (-before +after):\n%s", diff)
	}
	if remote.Uploads() != uploads+1 {
		t.Errorf("Uploads() = %d, want %d", remote.Uploads(), uploads+1)
	}
}

func TestDeletionPropagates(t *testing.T) {
	a, b, remote := twoDevices(t)
	ctx := context.Background()

	if _, err := a.coord.Remove(ctx, "t1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	a.mustSync(t)
	if len(remote.Records()) != 0 {
		t.Fatalf("remote still holds %v after deletion", ids(remote.Records()))
	}

	res := b.mustSync(t)
	if res.Removed != 1 {
		t.Errorf("B Removed = %d, want 1", res.Removed)
	}
	if len(b.local(t)) != 0 {
		t.Errorf("B local = %v, want empty", ids(b.local(t)))
	}
}

func TestRemoveDropsStagedEdit(t *testing.T) {
	r := newRig(t, newRegistry(memory.NewRemote()), "laptop", clockwork.NewFakeClockAt(epoch))
	ctx := context.Background()
	staged := r.mustStage(t, backend.Task{ID: "t1", Summary: "buy milk"})
	if err := r.records.Upsert(ctx, staged); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	r.store.FailWith(func(op, key string) error {
		if op == "set" && key == kvstore.KeySyncPending {
			return fmt.Errorf("disk full")
		}
		return nil
	})
	if _, err := r.coord.Remove(ctx, "t1"); err == nil {
		t.Fatal("Remove() error = nil, want the pending write failure")
	}
	if len(r.local(t)) != 1 || r.pending.Len() != 1 {
		t.Fatalf("failed Remove split the task from its edit: local=%v pending=%d", ids(r.local(t)), r.pending.Len())
	}

	r.store.FailWith(nil)
	found, err := r.coord.Remove(ctx, "t1")
	if err != nil || !found {
		t.Fatalf("Remove() = %t, %v; want true, nil", found, err)
	}
	if len(r.local(t)) != 0 || r.pending.Len() != 0 {
		t.Errorf("after Remove: local=%v pending=%d", ids(r.local(t)), r.pending.Len())
	}
	if found, err := r.coord.Remove(ctx, "t1"); err != nil || found {
		t.Errorf("second Remove() = %t, %v; want false, nil", found, err)
	}
}

// Scenario: concurrent edits, newer remote wins under lastModified.
func TestConflictLastModified(t *testing.T) {
	a, b, remote := twoDevices(t)

	a.mustStage(t, rec("t1", "buy oat milk", "", 1))
	b.mustStage(t, rec("t1", "buy soy milk", "", 2))
	b.mustSync(t)

	res := a.mustSync(t)
	if res.Conflicts != 1 || len(res.Resolutions) != 1 || res.Resolutions[0].Side != conflict.SideRemote {
		t.Fatalf("Result = %+v, want one conflict resolved to remote", res)
	}
	if got := summaries(a.local(t))["t1"]; got != "buy soy milk" {
		t.Errorf("A local t1 = %q, want %q", got, "buy soy milk")
	}
	if got := summaries(remote.Records())["t1"]; got != "buy soy milk" {
		t.Errorf("remote t1 = %q, want %q", got, "buy soy milk")
	}
	if a.pending.Len() != 0 {
		t.Errorf("A pending Len() = %d, want 0", a.pending.Len())
	}
}

// Scenario: devicePriority lets the preferred device win despite being older.
func TestConflictDevicePriority(t *testing.T) {
	a, b, remote := twoDevices(t)
	ctx := context.Background()
	if err := a.coord.SetConflictPolicy(ctx, conflict.PolicyDevicePriority, []string{a.devices.ID(), b.devices.ID()}); err != nil {
		t.Fatalf("SetConflictPolicy() error = %v", err)
	}

	a.mustStage(t, rec("t1", "from laptop", "", 1))
	b.mustStage(t, rec("t1", "from phone", "", 2))
	b.mustSync(t)

	res := a.mustSync(t)
	if res.Conflicts != 1 || res.Resolutions[0].Side != conflict.SideLocal {
		t.Fatalf("Result = %+v, want local win", res)
	}
	if got := summaries(remote.Records())["t1"]; got != "from laptop" {
		t.Errorf("remote t1 = %q, want %q", got, "from laptop")
	}
}

// Scenario: a manual handler merges both versions.
func TestConflictManualHandler(t *testing.T) {
	a, b, remote := twoDevices(t)
	ctx := context.Background()
	if err := a.coord.SetConflictPolicy(ctx, conflict.PolicyManual, nil); err != nil {
		t.Fatalf("SetConflictPolicy() error = %v", err)
	}

	var seenPeer string
	unregister := a.coord.Resolver().OnConflict(func(_ context.Context, c conflict.Conflict) (backend.Task, error) {
		seenPeer = c.PeerDevice.Name
		merged := c.Local.Clone()
		merged.Summary = c.Local.Summary + " / " + c.Remote.Summary
		merged.Modified = epoch.Add(10 * time.Minute)
		return merged, nil
	})
	defer unregister()

	a.mustStage(t, rec("t1", "oat", "", 1))
	b.mustStage(t, rec("t1", "soy", "", 2))
	b.mustSync(t)

	res := a.mustSync(t)
	if res.Resolutions[0].Side != conflict.SideCustom {
		t.Errorf("Side = %v, want custom", res.Resolutions[0].Side)
	}
	if seenPeer != "b" {
		t.Errorf("handler saw peer %q, want %q", seenPeer, "b")
	}
	if got := summaries(remote.Records())["t1"]; got != "oat / soy" {
		t.Errorf("remote t1 = %q, want %q", got, "oat / soy")
	}
}

// Scenario: a failing handler aborts the cycle and nothing changes.
func TestConflictHandlerErrorAbortsCycle(t *testing.T) {
	a, b, remote := twoDevices(t)
	ctx := context.Background()
	if err := a.coord.SetConflictPolicy(ctx, conflict.PolicyManual, nil); err != nil {
		t.Fatalf("SetConflictPolicy() error = %v", err)
	}
	a.coord.Resolver().OnConflict(func(context.Context, conflict.Conflict) (backend.Task, error) {
		return backend.Task{}, errors.New("user cancelled")
	})

	a.mustStage(t, rec("t1", "oat", "", 1))
	b.mustStage(t, rec("t1", "soy", "", 2))
	b.mustSync(t)
	remoteBefore := remote.Records()
	localBefore := a.local(t)

	if _, err := a.coord.SyncOnce(ctx); err == nil {
		t.Fatal("SyncOnce() should fail when the handler fails")
	}
	if diff := cmp.Diff(remoteBefore, remote.Records()); diff != "" {
		t.Errorf("remote changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(localBefore, a.local(t)); diff != "" {
		t.Errorf("local changed (-before +after):\n%s", diff)
	}
	if a.pending.Len() != 1 {
		t.Errorf("pending Len() = %d, want 1", a.pending.Len())
	}
}

func TestStaleRemoteIsNotAConflict(t *testing.T) {
	a, _, _ := twoDevices(t)

	a.mustStage(t, rec("t1", "edited here only", "", 3))
	res := a.mustSync(t)
	if res.Conflicts != 0 {
		t.Errorf("Conflicts = %d, want 0 for an untouched remote record", res.Conflicts)
	}
}

func TestUploadFailureChangesNothing(t *testing.T) {
	remote := memory.NewRemote()
	r := newRig(t, newRegistry(remote), "laptop", clockwork.NewFakeClockAt(epoch))
	r.enable(t)
	r.mustStage(t, backend.Task{ID: "t1", Summary: "buy milk"})

	remote.FailUploads(errors.New("connection refused"))
	_, err := r.coord.SyncOnce(context.Background())
	if !errors.Is(err, utils.ErrProviderUnavailable) {
		t.Fatalf("SyncOnce() error = %v, want ErrProviderUnavailable", err)
	}

	if len(r.local(t)) != 0 {
		t.Errorf("local = %v, want empty", ids(r.local(t)))
	}
	if r.pending.Len() != 1 {
		t.Errorf("pending Len() = %d, want 1", r.pending.Len())
	}
	if st := r.coord.Status(context.Background()); st.LastSyncTime != nil || st.LastResult != nil {
		t.Errorf("Status = %+v, want no last sync", st)
	}

	remote.FailUploads(nil)
	r.mustSync(t)
	if len(remote.Records()) != 1 {
		t.Errorf("remote = %v after retry, want t1", ids(remote.Records()))
	}
}

func TestOnCycleSeesCommitsAndFailures(t *testing.T) {
	remote := memory.NewRemote()
	r := newRig(t, newRegistry(remote), "laptop", clockwork.NewFakeClockAt(epoch))
	r.enable(t)

	type seen struct {
		res *Result
		err error
	}
	var got []seen
	r.coord.OnCycle(func(res *Result, err error) { got = append(got, seen{res, err}) })

	r.mustStage(t, backend.Task{ID: "t1", Summary: "buy milk"})
	r.mustSync(t)
	remote.FailUploads(errors.New("connection refused"))
	_, _ = r.coord.SyncOnce(context.Background())

	if len(got) != 2 {
		t.Fatalf("observer called %d times, want 2", len(got))
	}
	if got[0].err != nil || got[0].res == nil || got[0].res.Uploaded != 1 {
		t.Errorf("first cycle = %+v, want one upload", got[0])
	}
	if got[1].res != nil || !errors.Is(got[1].err, utils.ErrProviderUnavailable) {
		t.Errorf("second cycle = %+v, want ErrProviderUnavailable", got[1])
	}
}

func TestMalformedRemoteKeepsKind(t *testing.T) {
	remote := memory.NewRemote()
	r := newRig(t, newRegistry(remote), "laptop", clockwork.NewFakeClockAt(epoch))
	r.enable(t)
	if err := remote.Put([]backend.Task{{ID: ""}}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := r.coord.SyncOnce(context.Background()); !errors.Is(err, utils.ErrMalformedRemote) {
		t.Errorf("SyncOnce() error = %v, want ErrMalformedRemote", err)
	}
}

func TestBookkeepingFailureAfterCommit(t *testing.T) {
	remote := memory.NewRemote()
	r := newRig(t, newRegistry(remote), "laptop", clockwork.NewFakeClockAt(epoch))
	r.enable(t)
	r.mustStage(t, backend.Task{ID: "t1", Summary: "buy milk"})

	r.store.FailWith(func(op, key string) error {
		if op == "set" && key == kvstore.KeySyncPending {
			return fmt.Errorf("disk full")
		}
		return nil
	})
	res, err := r.coord.SyncOnce(context.Background())
	if !errors.Is(err, utils.ErrStorageFailure) {
		t.Fatalf("SyncOnce() error = %v, want ErrStorageFailure", err)
	}
	if res == nil || len(r.local(t)) != 1 {
		t.Fatalf("cycle should have committed: res=%v local=%v", res, ids(r.local(t)))
	}

	r.store.FailWith(nil)
	r.mustSync(t)
	if r.pending.Len() != 0 {
		t.Errorf("pending Len() = %d after recovery, want 0", r.pending.Len())
	}
}

func TestEditStagedDuringCycleSurvives(t *testing.T) {
	remote := memory.NewRemote()
	r := newRig(t, newRegistry(remote), "laptop", clockwork.NewFakeClockAt(epoch))
	r.enable(t)
	r.mustStage(t, rec("t1", "first", "", 0))

	remote.OnDownload(func(context.Context) error {
		remote.OnDownload(nil)
		_, err := r.coord.Stage(context.Background(), rec("t1", "second", "", 1))
		return err
	})
	r.mustSync(t)

	staged, ok := r.pending.Get("t1")
	if !ok || staged.Summary != "second" {
		t.Fatalf("pending t1 = %+v, %v; want the edit made during the cycle", staged, ok)
	}
	r.mustSync(t)
	if got := summaries(remote.Records())["t1"]; got != "second" {
		t.Errorf("remote t1 = %q, want %q", got, "second")
	}
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestSyncOnceIsSingleFlight(t *testing.T) {
	remote := memory.NewRemote()
	r := newRig(t, newRegistry(remote), "laptop", clockwork.NewFakeClockAt(epoch))
	r.enable(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	remote.OnDownload(func(context.Context) error {
		close(entered)
		<-release
		return nil
	})

	errc := make(chan error, 1)
	go func() {
		_, err := r.coord.SyncOnce(context.Background())
		errc <- err
	}()
	<-entered
	remote.OnDownload(nil)

	if r.coord.State() != StateSyncing {
		t.Errorf("State() = %v during cycle, want syncing", r.coord.State())
	}
	if _, err := r.coord.SyncOnce(context.Background()); !errors.Is(err, utils.ErrSyncInProgress) {
		t.Errorf("concurrent SyncOnce() error = %v, want ErrSyncInProgress", err)
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first SyncOnce() error = %v", err)
	}
	if r.coord.State() != StateIdle {
		t.Errorf("State() = %v after cycle, want idle", r.coord.State())
	}
}

func TestDisableDuringCycleClosesProviderAfterward(t *testing.T) {
	remote := memory.NewRemote()
	var created []*memory.Provider
	reg := backend.NewRegistry()
	reg.Register(memory.ProviderName, func(cfg backend.ProviderConfig) (backend.Provider, error) {
		p := memory.New(memory.ProviderName, remote, cfg.Store)
		created = append(created, p)
		return p, nil
	})
	r := newRig(t, reg, "laptop", clockwork.NewFakeClockAt(epoch))
	r.enable(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	remote.OnDownload(func(context.Context) error {
		close(entered)
		<-release
		return nil
	})
	errc := make(chan error, 1)
	go func() {
		_, err := r.coord.SyncOnce(context.Background())
		errc <- err
	}()
	<-entered

	if err := r.coord.Disable(context.Background()); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if created[0].Closed() {
		t.Error("provider closed while its cycle was running")
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("in-flight SyncOnce() error = %v", err)
	}
	if !created[0].Closed() {
		t.Error("provider not closed after its cycle finished")
	}
}

func waitForTicker(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("auto-sync ticker never registered: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestAutoSyncRunsOnIntervalUntilDisabled(t *testing.T) {
	ctx := context.Background()
	remote := memory.NewRemote()
	clock := clockwork.NewFakeClockAt(epoch)
	r := newRig(t, newRegistry(remote), "laptop", clock)
	if err := r.coord.SetSyncInterval(ctx, 1); err != nil {
		t.Fatalf("SetSyncInterval() error = %v", err)
	}
	if err := r.coord.Enable(ctx, backend.ProviderConfig{Name: memory.ProviderName}); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	waitForTicker(t, clock)

	r.mustStage(t, backend.Task{ID: "t1", Summary: "buy milk"})
	clock.Advance(time.Minute)
	eventually(t, func() bool { return remote.Uploads() == 1 })
	eventually(t, func() bool { return r.coord.State() == StateIdle })

	if err := r.coord.Disable(ctx); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	clock.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if remote.Uploads() != 1 {
		t.Errorf("Uploads() = %d after Disable, want 1", remote.Uploads())
	}
}

func TestAutoSyncOpensBreakerAfterFailures(t *testing.T) {
	ctx := context.Background()
	remote := memory.NewRemote()
	clock := clockwork.NewFakeClockAt(epoch)
	var downloads atomic.Int32
	remote.OnDownload(func(context.Context) error {
		downloads.Add(1)
		return errors.New("connection refused")
	})

	store := kvstore.NewMemory()
	devices := device.NewRegistry(store, device.WithPlatform("laptop"))
	if _, err := devices.Register(ctx); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	coord := New(Config{
		Store:            store,
		Records:          NewKVRecords(store),
		Devices:          devices,
		Pending:          pending.New(store),
		Registry:         newRegistry(remote),
		Clock:            clock,
		Defaults:         &SyncState{AutoSync: true, SyncIntervalMinutes: 1, ConflictPolicy: conflict.PolicyLastModified},
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	})
	defer coord.Close()
	if err := coord.Enable(ctx, backend.ProviderConfig{Name: memory.ProviderName}); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	for i := 1; i <= 2; i++ {
		waitForTicker(t, clock)
		clock.Advance(time.Minute)
		want := int32(i)
		eventually(t, func() bool { return downloads.Load() == want })
		eventually(t, func() bool { return coord.State() == StateIdle })
	}
	eventually(t, func() bool { return coord.Status(ctx).Breaker == "open" })

	waitForTicker(t, clock)
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if downloads.Load() != 2 {
		t.Errorf("downloads = %d while breaker open, want 2", downloads.Load())
	}
}
