// Package kvstore provides the host key-value persistence used by the sync
// and version components. Values are JSON documents addressed by string keys.
package kvstore

import (
	"context"
	"encoding/json"
)

// Store persists JSON values by key.
type Store interface {
	// Get decodes the value stored at key into dst. It reports false when the
	// key is absent, leaving dst untouched.
	Get(ctx context.Context, key string, dst any) (bool, error)
	// Set replaces the value stored at key.
	Set(ctx context.Context, key string, value any) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Keys used by the components of this module.
const (
	KeyDeviceID      = "device.id"
	KeyPairedDevices = "device.paired"
	KeySyncState     = "sync.state"
	KeySyncPending   = "sync.pending"
	KeySyncBase      = "sync.base"
	KeyVersionLog    = "versions.log"
	KeyVersionConfig = "versions.config"
	KeyTasks         = "tasks"
)

// LastSyncKey returns the key holding a provider's last successful sync time.
func LastSyncKey(provider string) string {
	return "provider." + provider + ".lastSyncTime"
}

func encode(value any) ([]byte, error) {
	return json.Marshal(value)
}

func decode(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}
