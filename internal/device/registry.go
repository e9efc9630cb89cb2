// Package device tracks this device's identity and the peers it is paired with.
package device

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"todosync/internal/kvstore"
	"todosync/internal/utils"
)

// Device describes a paired device. Online is presence information and is
// never persisted.
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Platform     string     `json:"platform"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
	Online       bool       `json:"-"`
}

// Registry owns the local device id, the paired-device list and presence.
type Registry struct {
	mu       sync.RWMutex
	store    kvstore.Store
	platform string
	name     string
	now      func() time.Time

	id     string
	paired []Device
	online map[string]bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithPlatform overrides the platform tag used in generated ids.
func WithPlatform(platform string) Option {
	return func(r *Registry) { r.platform = platform }
}

// WithName sets the human-readable name of this device.
func WithName(name string) Option {
	return func(r *Registry) { r.name = name }
}

// WithClock overrides the time source used for generated ids.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry persisting to store. Call Register before use.
func NewRegistry(store kvstore.Store, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		platform: runtime.GOOS,
		now:      time.Now,
		online:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register loads the persisted device id and paired devices, generating and
// persisting a new id on first run. It returns the local device id.
func (r *Registry) Register(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var paired []Device
	if _, err := r.store.Get(ctx, kvstore.KeyPairedDevices, &paired); err != nil {
		return "", err
	}

	var id string
	found, err := r.store.Get(ctx, kvstore.KeyDeviceID, &id)
	if err != nil {
		return "", err
	}
	if !found || id == "" {
		if len(paired) > 0 {
			// Peers already know this device by its old id.
			return "", utils.ErrStorage("get", kvstore.KeyDeviceID,
				fmt.Errorf("device id missing while %d paired devices are recorded", len(paired)))
		}
		id = r.generateID()
		if err := r.store.Set(ctx, kvstore.KeyDeviceID, id); err != nil {
			return "", err
		}
		utils.Infof("Registered new device %s", id)
	}

	r.id = id
	r.paired = paired
	return id, nil
}

// generateID builds "<platform>-<unix millis>-<random>".
func (r *Registry) generateID() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", r.platform, r.now().UnixMilli(), suffix)
}

// ID returns the local device id, or "" before Register.
func (r *Registry) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// Self describes the local device.
func (r *Registry) Self() Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Device{ID: r.id, Name: r.name, Platform: r.platform, Online: true}
}

// AddPairedDevice pairs a peer. Pairing self, an empty id or an already
// paired id is rejected before anything is written.
func (r *Registry) AddPairedDevice(ctx context.Context, d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case d.ID == "":
		return utils.ErrPairingRejected(d.ID, "device id is empty")
	case d.ID == r.id:
		return utils.ErrPairingRejected(d.ID, "cannot pair a device with itself")
	case r.indexLocked(d.ID) >= 0:
		return utils.ErrPairingRejected(d.ID, "device is already paired")
	}

	d.Online = false
	next := append(cloneDevices(r.paired), d)
	if err := r.store.Set(ctx, kvstore.KeyPairedDevices, next); err != nil {
		return err
	}
	r.paired = next
	return nil
}

// RemovePairedDevice unpairs a peer. Unknown ids are a no-op.
func (r *Registry) RemovePairedDevice(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return nil
	}
	next := make([]Device, 0, len(r.paired)-1)
	next = append(next, r.paired[:i]...)
	next = append(next, r.paired[i+1:]...)
	if err := r.store.Set(ctx, kvstore.KeyPairedDevices, next); err != nil {
		return err
	}
	r.paired = next
	delete(r.online, id)
	return nil
}

// PairedDevices returns copies of the paired devices with presence filled in.
func (r *Registry) PairedDevices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := cloneDevices(r.paired)
	for i := range out {
		out[i].Online = r.online[out[i].ID]
	}
	return out
}

// Device looks up a paired device, or the local device, by id.
func (r *Registry) Device(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id != "" && id == r.id {
		return Device{ID: r.id, Name: r.name, Platform: r.platform, Online: true}, true
	}
	i := r.indexLocked(id)
	if i < 0 {
		return Device{}, false
	}
	d := cloneDevice(r.paired[i])
	d.Online = r.online[id]
	return d, true
}

// SetOnline records presence for a device. Presence is not persisted.
func (r *Registry) SetOnline(id string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if online {
		r.online[id] = true
	} else {
		delete(r.online, id)
	}
}

// IsOnline reports the last presence recorded for id.
func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[id]
}

// MarkSynced stamps lastSyncTime on the given paired devices. Unknown ids
// are ignored; nothing is written when no paired device matches.
func (r *Registry) MarkSynced(ctx context.Context, ids []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := cloneDevices(r.paired)
	changed := false
	for _, id := range ids {
		if i := r.indexLocked(id); i >= 0 {
			t := at
			next[i].LastSyncTime = &t
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := r.store.Set(ctx, kvstore.KeyPairedDevices, next); err != nil {
		return err
	}
	r.paired = next
	return nil
}

func (r *Registry) indexLocked(id string) int {
	for i, d := range r.paired {
		if d.ID == id {
			return i
		}
	}
	return -1
}

func cloneDevice(d Device) Device {
	if d.LastSyncTime != nil {
		t := *d.LastSyncTime
		d.LastSyncTime = &t
	}
	return d
}

func cloneDevices(ds []Device) []Device {
	out := make([]Device, len(ds))
	for i, d := range ds {
		out[i] = cloneDevice(d)
	}
	return out
}
