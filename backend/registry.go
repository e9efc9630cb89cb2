package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	"todosync/internal/kvstore"
	"todosync/internal/utils"
)

// SecretSource looks up a provider secret such as a password or token.
type SecretSource interface {
	Lookup(ctx context.Context, provider, username string) (string, error)
}

// ProviderConfig is what a constructor receives when a provider is enabled.
type ProviderConfig struct {
	Name    string                 // Registry name (e.g., "webdav", "docstore")
	Options map[string]interface{} // Provider-specific options from the config file
	Store   kvstore.Store          // Host store for the last-sync timestamp
	Secrets SecretSource           // Optional credential lookup
}

// DecodeOptions decodes the raw option map into a typed, yaml-tagged config.
func (c ProviderConfig) DecodeOptions(dst interface{}) error {
	if len(c.Options) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(c.Options)
	if err != nil {
		return fmt.Errorf("encoding %s options: %w", c.Name, err)
	}
	if err := yaml.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding %s options: %w", c.Name, err)
	}
	return nil
}

// ProviderConstructor creates a provider from its configuration.
type ProviderConstructor func(cfg ProviderConfig) (Provider, error)

// Registry maps provider names to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]ProviderConstructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]ProviderConstructor)}
}

// DefaultRegistry is populated by provider packages from their init() functions.
var DefaultRegistry = NewRegistry()

// Register adds a constructor to the default registry.
// Providers should call this in their init() function.
func Register(name string, constructor ProviderConstructor) {
	DefaultRegistry.Register(name, constructor)
}

// Register adds or replaces the constructor for name.
func (r *Registry) Register(name string, constructor ProviderConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = constructor
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all registered constructors.
// This is primarily used for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors = make(map[string]ProviderConstructor)
}

// New constructs the provider registered under cfg.Name.
func (r *Registry) New(cfg ProviderConfig) (Provider, error) {
	r.mu.RLock()
	constructor, ok := r.constructors[cfg.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, utils.ErrProviderNotRegistered(cfg.Name, r.Names())
	}
	p, err := constructor(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating provider %s: %w", cfg.Name, err)
	}
	return p, nil
}

// LastSyncTracker persists a provider's last-sync time in the host store.
// Providers embed it to satisfy the timestamp half of the Provider contract.
type LastSyncTracker struct {
	store kvstore.Store
	key   string
}

// NewLastSyncTracker creates a tracker for the named provider. A nil store
// falls back to an in-memory one.
func NewLastSyncTracker(provider string, store kvstore.Store) LastSyncTracker {
	if store == nil {
		store = kvstore.NewMemory()
	}
	return LastSyncTracker{store: store, key: kvstore.LastSyncKey(provider)}
}

// LastSyncTime implements Provider.
func (l LastSyncTracker) LastSyncTime(ctx context.Context) (*time.Time, error) {
	var raw string
	found, err := l.store.Get(ctx, l.key, &raw)
	if err != nil || !found {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, utils.ErrStorage("get", l.key, err)
	}
	return &t, nil
}

// SetLastSyncTime implements Provider.
func (l LastSyncTracker) SetLastSyncTime(ctx context.Context, t time.Time) error {
	return l.store.Set(ctx, l.key, t.UTC().Format(time.RFC3339Nano))
}
