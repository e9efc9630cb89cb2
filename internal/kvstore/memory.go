package kvstore

import (
	"context"
	"sync"

	"todosync/internal/utils"
)

// Memory is an in-process Store. Values are kept encoded so callers never
// share memory with stored state.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	fail func(op, key string) error
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// FailWith installs a hook consulted before every operation. A non-nil
// return aborts the operation with a storage failure. Pass nil to clear.
func (m *Memory) FailWith(fn func(op, key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *Memory) check(op, key string) error {
	if m.fail == nil {
		return nil
	}
	if err := m.fail(op, key); err != nil {
		return utils.ErrStorage(op, key, err)
	}
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("get", key); err != nil {
		return false, err
	}
	data, ok := m.data[key]
	if !ok {
		return false, nil
	}
	if err := decode(data, dst); err != nil {
		return false, utils.ErrStorage("get", key, err)
	}
	return true, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("set", key); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return utils.ErrStorage("set", key, err)
	}
	m.data[key] = data
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete", key); err != nil {
		return err
	}
	delete(m.data, key)
	return nil
}

// Keys returns the stored keys in no particular order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
