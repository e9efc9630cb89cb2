// Package syncer replicates the local task set against a remote provider.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"todosync/backend"
	"todosync/internal/breaker"
	"todosync/internal/conflict"
	"todosync/internal/device"
	"todosync/internal/kvstore"
	"todosync/internal/pending"
	"todosync/internal/scheduler"
	"todosync/internal/utils"
)

// DefaultCycleTimeout bounds an automatic cycle.
const DefaultCycleTimeout = 2 * time.Minute

// Config wires a Coordinator to its collaborators. Registry, Clock and
// Defaults are optional.
type Config struct {
	Store    kvstore.Store
	Records  RecordSet
	Devices  *device.Registry
	Pending  *pending.Buffer
	Resolver *conflict.Resolver
	Registry *backend.Registry
	Secrets  backend.SecretSource
	Clock    clockwork.Clock
	Defaults *SyncState

	BreakerThreshold int
	BreakerCooldown  time.Duration
	CycleTimeout     time.Duration
}

// Coordinator drives the Disabled → Idle → Syncing → Idle state machine.
type Coordinator struct {
	cfg   Config
	clock clockwork.Clock
	sched *scheduler.Scheduler

	mu         sync.Mutex
	state      SyncState
	base       syncBase
	provider   backend.Provider
	breaker    *breaker.Breaker
	ticket     *scheduler.Ticket
	inflight   map[string]backend.Provider
	lastResult *Result
	observers  []func(*Result, error)
}

// New creates a coordinator. Call Load before use.
func New(cfg Config) *Coordinator {
	if cfg.Registry == nil {
		cfg.Registry = backend.DefaultRegistry
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = conflict.NewResolver()
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	state := DefaultSyncState()
	if cfg.Defaults != nil {
		state = cfg.Defaults.clone()
	}
	state.Enabled = false

	return &Coordinator{
		cfg:      cfg,
		clock:    cfg.Clock,
		sched:    scheduler.New(cfg.Clock),
		state:    state,
		base:     syncBase{},
		inflight: make(map[string]backend.Provider),
	}
}

// Load reads the persisted sync state and sync base.
func (c *Coordinator) Load(ctx context.Context) error {
	var stored SyncState
	found, err := c.cfg.Store.Get(ctx, kvstore.KeySyncState, &stored)
	if err != nil {
		return err
	}
	base := syncBase{}
	if _, err := c.cfg.Store.Get(ctx, kvstore.KeySyncBase, &base); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if found {
		c.state = stored
	}
	c.base = base
	return nil
}

// Resolver returns the conflict resolver, for registering manual handlers.
func (c *Coordinator) Resolver() *conflict.Resolver {
	return c.cfg.Resolver
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Coordinator) stateLocked() State {
	if c.provider == nil {
		return StateDisabled
	}
	if _, busy := c.inflight[c.provider.Name()]; busy {
		return StateSyncing
	}
	return StateIdle
}

// SyncState returns a copy of the sync configuration.
func (c *Coordinator) SyncState() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// ShouldResume reports whether sync was enabled when last persisted, so the
// caller can re-enable the named provider at startup.
func (c *Coordinator) ShouldResume() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Provider, c.state.Enabled && c.provider == nil && c.state.Provider != ""
}

// LastResult returns the result of the last committed cycle, or nil.
func (c *Coordinator) LastResult() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResult == nil {
		return nil
	}
	r := *c.lastResult
	return &r
}

// Status gathers a display snapshot.
func (c *Coordinator) Status(ctx context.Context) Status {
	c.mu.Lock()
	st := Status{
		State:   c.stateLocked(),
		Sync:    c.state.clone(),
		Pending: c.cfg.Pending.Len(),
	}
	if c.lastResult != nil {
		r := *c.lastResult
		st.LastResult = &r
	}
	p := c.provider
	if c.breaker != nil {
		st.Breaker = c.breaker.State().String()
	}
	c.mu.Unlock()

	if p != nil {
		st.Provider = p.Name()
		if t, err := p.LastSyncTime(ctx); err == nil {
			st.LastSyncTime = t
		}
	}
	return st
}

// Enable constructs and initializes the named provider, persists the
// enabled state and arms auto-sync.
func (c *Coordinator) Enable(ctx context.Context, pc backend.ProviderConfig) error {
	if pc.Store == nil {
		pc.Store = c.cfg.Store
	}
	if pc.Secrets == nil {
		pc.Secrets = c.cfg.Secrets
	}

	p, err := c.cfg.Registry.New(pc)
	if err != nil {
		return err
	}
	if err := p.Initialize(ctx); err != nil {
		_ = p.Close()
		return providerError(p.Name(), err)
	}

	c.mu.Lock()
	next := c.state.clone()
	next.Enabled = true
	next.Provider = p.Name()
	if err := c.saveStateLocked(ctx, next); err != nil {
		c.mu.Unlock()
		_ = p.Close()
		return err
	}
	old := c.provider
	c.provider = p
	c.breaker = breaker.New(c.cfg.BreakerThreshold, c.cfg.BreakerCooldown, c.clock)
	stale := c.rearmLocked()
	c.mu.Unlock()

	stale.Cancel()
	_ = c.retire(old)
	utils.Infof("Sync enabled with provider %s", p.Name())
	return nil
}

// Disable stops auto-sync and persists the disabled state. A cycle already
// running finishes; paired devices and staged changes are kept.
func (c *Coordinator) Disable(ctx context.Context) error {
	c.mu.Lock()
	next := c.state.clone()
	next.Enabled = false
	if err := c.saveStateLocked(ctx, next); err != nil {
		c.mu.Unlock()
		return err
	}
	old := c.provider
	c.provider = nil
	c.breaker = nil
	stale := c.rearmLocked()
	c.mu.Unlock()

	stale.Cancel()
	_ = c.retire(old)
	return nil
}

// SetAutoSync turns periodic syncing on or off.
func (c *Coordinator) SetAutoSync(ctx context.Context, on bool) error {
	return c.update(ctx, func(s *SyncState) error {
		s.AutoSync = on
		return nil
	})
}

// SetSyncInterval changes the auto-sync period.
func (c *Coordinator) SetSyncInterval(ctx context.Context, minutes int) error {
	return c.update(ctx, func(s *SyncState) error {
		if minutes < 1 {
			return utils.WrapWithSuggestion(
				fmt.Errorf("invalid sync interval: %d minutes", minutes),
				"Use an interval of at least 1 minute")
		}
		s.SyncIntervalMinutes = minutes
		return nil
	})
}

// SetConflictPolicy changes the policy and, for devicePriority, the ranking.
func (c *Coordinator) SetConflictPolicy(ctx context.Context, policy conflict.Policy, order []string) error {
	if _, err := conflict.ParsePolicy(string(policy)); err != nil {
		return err
	}
	return c.update(ctx, func(s *SyncState) error {
		s.ConflictPolicy = policy
		s.DevicePriorityOrder = append([]string(nil), order...)
		return nil
	})
}

func (c *Coordinator) update(ctx context.Context, mutate func(*SyncState) error) error {
	c.mu.Lock()
	next := c.state.clone()
	if err := mutate(&next); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.saveStateLocked(ctx, next); err != nil {
		c.mu.Unlock()
		return err
	}
	stale := c.rearmLocked()
	c.mu.Unlock()

	stale.Cancel()
	return nil
}

func (c *Coordinator) saveStateLocked(ctx context.Context, next SyncState) error {
	if err := c.cfg.Store.Set(ctx, kvstore.KeySyncState, next); err != nil {
		return err
	}
	c.state = next
	return nil
}

// rearmLocked replaces the auto-sync ticket to match the current state and
// returns the previous ticket. Callers cancel it after releasing c.mu, since
// a running tick may be waiting on the lock.
func (c *Coordinator) rearmLocked() *scheduler.Ticket {
	stale := c.ticket
	c.ticket = nil
	if c.provider != nil && c.state.AutoSync && c.state.SyncIntervalMinutes > 0 {
		c.ticket = c.sched.Every(c.state.Interval(), c.autoSync)
		utils.Debugf("Auto-sync armed every %v", c.state.Interval())
	}
	return stale
}

// retire closes a provider that is no longer active, deferring to the
// running cycle when one is using it.
func (c *Coordinator) retire(p backend.Provider) error {
	if p == nil {
		return nil
	}
	c.mu.Lock()
	busy := c.inflight[p.Name()] == p
	current := c.provider == p
	c.mu.Unlock()

	if busy || current {
		return nil
	}
	if err := p.Close(); err != nil {
		utils.Warnf("Closing provider %s: %v", p.Name(), err)
		return err
	}
	return nil
}

func (c *Coordinator) autoSync() {
	c.mu.Lock()
	b := c.breaker
	c.mu.Unlock()

	if b != nil && !b.Allow() {
		utils.Debugf("Auto-sync skipped: provider circuit open")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CycleTimeout)
	defer cancel()

	res, err := c.SyncOnce(ctx)
	switch {
	case errors.Is(err, utils.ErrSyncInProgress), errors.Is(err, utils.ErrSyncDisabled):
		if b != nil {
			b.Cancel()
		}
		utils.Debugf("Auto-sync skipped: %v", err)
	case err != nil:
		if b != nil {
			b.RecordFailure(err)
		}
		utils.Warnf("Auto-sync failed: %v", err)
	default:
		if b != nil {
			b.RecordSuccess()
		}
		utils.Debugf("Auto-sync committed %d records in %v", res.Uploaded, res.Duration())
	}
}

// Stage records a local edit for the next cycle, stamping this device as its
// owner and filling in the id and updatedAt when missing.
func (c *Coordinator) Stage(ctx context.Context, task backend.Task) (backend.Task, error) {
	if task.ID == "" {
		task.ID = backend.GenerateID()
	}
	if task.Modified.IsZero() {
		task.Modified = c.clock.Now().UTC()
	}
	task.DeviceID = c.cfg.Devices.ID()
	if err := c.cfg.Pending.Stage(ctx, task); err != nil {
		return backend.Task{}, err
	}
	return task, nil
}

// Unstage drops a staged edit.
func (c *Coordinator) Unstage(ctx context.Context, id string) error {
	return c.cfg.Pending.Unstage(ctx, id)
}

// Remove deletes a task from the local set together with its staged edit.
// The staged edit goes first: if dropping it fails the task is left as it
// was, never a pending entry for a task that no longer exists.
func (c *Coordinator) Remove(ctx context.Context, id string) (bool, error) {
	if err := c.cfg.Pending.Unstage(ctx, id); err != nil {
		return false, err
	}
	tasks, err := c.cfg.Records.Load(ctx)
	if err != nil {
		return false, err
	}
	for i := range tasks {
		if tasks[i].ID == id {
			return true, c.cfg.Records.Replace(ctx, append(tasks[:i], tasks[i+1:]...))
		}
	}
	return false, nil
}

// SyncOnce runs one cycle against the active provider. Only one cycle per
// provider runs at a time; a concurrent call fails with ErrSyncInProgress.
func (c *Coordinator) SyncOnce(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	p := c.provider
	if p == nil {
		c.mu.Unlock()
		return nil, utils.ErrSyncNotEnabled()
	}
	name := p.Name()
	if _, busy := c.inflight[name]; busy {
		c.mu.Unlock()
		return nil, utils.ErrSyncBusy(name)
	}
	c.inflight[name] = p
	state := c.state.clone()
	base := c.base.clone()
	observers := c.observers
	c.mu.Unlock()

	res, committed, err := c.runCycle(ctx, p, state, base)

	c.mu.Lock()
	delete(c.inflight, name)
	if committed != nil {
		c.base = committed
		c.lastResult = res
	}
	orphaned := c.provider != p
	c.mu.Unlock()

	if orphaned {
		_ = c.retire(p)
	}
	for _, observe := range observers {
		observe(res, err)
	}
	return res, err
}

// OnCycle adds fn to the observers run after every cycle that started,
// whether it committed or not. res is nil when the cycle failed before the
// commit.
func (c *Coordinator) OnCycle(fn func(res *Result, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers[:len(c.observers):len(c.observers)], fn)
}

// runCycle downloads, resolves, merges, uploads and commits. Nothing local
// changes until the merged set has been uploaded; after the local commit the
// returned base is non-nil even when later bookkeeping fails.
func (c *Coordinator) runCycle(ctx context.Context, p backend.Provider, state SyncState, base syncBase) (*Result, syncBase, error) {
	res := &Result{Provider: p.Name(), StartedAt: c.clock.Now()}
	selfID := c.cfg.Devices.ID()

	staged := c.cfg.Pending.Snapshot()
	local, err := c.cfg.Records.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading local records: %w", err)
	}

	remote, err := p.DownloadRecords(ctx)
	if err != nil {
		return nil, nil, providerError(p.Name(), err)
	}
	res.Downloaded = len(remote)

	conflicts := conflict.Detect(staged, changedSince(remote, base), c.cfg.Devices.Device)
	resolutions, err := c.cfg.Resolver.Resolve(ctx, state.ConflictPolicy, state.DevicePriorityOrder, conflicts)
	if err != nil {
		return nil, nil, err
	}
	res.Conflicts = len(conflicts)
	res.Resolutions = resolutions

	merged, stats := merge(local, staged, remote, base, resolutions)
	res.Pulled = stats.pulled
	res.Removed = stats.removed

	if err := p.UploadRecords(ctx, merged); err != nil {
		return nil, nil, providerError(p.Name(), err)
	}
	res.Uploaded = len(merged)

	if err := c.cfg.Records.Replace(ctx, merged); err != nil {
		return nil, nil, fmt.Errorf("committing local records: %w", err)
	}

	// Committed. Remaining steps are bookkeeping that the next cycle repairs.
	committed := baseOf(merged)
	now := c.clock.Now()
	res.FinishedAt = now

	var errs []error
	if err := c.cfg.Store.Set(ctx, kvstore.KeySyncBase, committed); err != nil {
		errs = append(errs, err)
	}
	if err := c.cfg.Pending.Commit(ctx, staged); err != nil {
		errs = append(errs, err)
	}
	if err := p.SetLastSyncTime(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if err := c.cfg.Devices.MarkSynced(ctx, peersSeen(remote, base, selfID), now); err != nil {
		errs = append(errs, err)
	}

	utils.Infof("Sync with %s: %d down, %d up, %d pulled, %d removed, %d conflicts",
		p.Name(), res.Downloaded, res.Uploaded, res.Pulled, res.Removed, res.Conflicts)

	if len(errs) > 0 {
		return res, committed, fmt.Errorf("sync committed but bookkeeping failed: %w", errors.Join(errs...))
	}
	return res, committed, nil
}

// providerError classifies a provider failure, keeping kinds the provider
// already assigned.
func providerError(name string, err error) error {
	if errors.Is(err, utils.ErrProviderUnavailable) ||
		errors.Is(err, utils.ErrMalformedRemote) ||
		errors.Is(err, utils.ErrStorageFailure) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return utils.ErrProviderOffline(name, err)
}

// Close stops auto-sync, waits for a running automatic cycle and closes the
// active provider. A provider still used by a manual cycle is closed when
// that cycle ends.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	ticket := c.ticket
	c.ticket = nil
	p := c.provider
	c.provider = nil
	c.mu.Unlock()

	ticket.Cancel()
	ticket.Wait()
	return c.retire(p)
}
