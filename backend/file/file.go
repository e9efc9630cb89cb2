// Package file implements a provider that keeps the shared task set in a JSON
// file, typically inside a folder synchronized by another tool.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"todosync/backend"
	"todosync/internal/kvstore"
	"todosync/internal/utils"
)

// ProviderName is the registry name of this provider.
const ProviderName = "file"

const lockRetryDelay = 50 * time.Millisecond

func init() {
	backend.Register(ProviderName, func(cfg backend.ProviderConfig) (backend.Provider, error) {
		var opts struct {
			Path   string `yaml:"path"`
			NoLock bool   `yaml:"no_lock"`
		}
		if err := cfg.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return New(Config{Path: opts.Path, NoLock: opts.NoLock, Store: cfg.Store})
	})
}

// Config holds file provider configuration
type Config struct {
	Path   string   // Path to the shared JSON file
	Fs     afero.Fs // Defaults to the OS filesystem
	NoLock bool     // Skip the sibling .lock file
	Store  kvstore.Store
}

// Provider implements backend.Provider over a single JSON file.
type Provider struct {
	backend.LastSyncTracker
	fs   afero.Fs
	path string
	lock *flock.Flock // nil when locking is off or the filesystem is not the OS one
}

var _ backend.Provider = (*Provider)(nil)

// New creates a file provider. Relative paths are resolved against the
// working directory.
func New(cfg Config) (*Provider, error) {
	path := cfg.Path
	if path == "" {
		path = "todosync.json"
	}
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, path)
	}

	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	p := &Provider{
		LastSyncTracker: backend.NewLastSyncTracker(ProviderName, cfg.Store),
		fs:              fs,
		path:            path,
	}
	if _, onDisk := fs.(*afero.OsFs); onDisk && !cfg.NoLock {
		p.lock = flock.New(path + ".lock")
	}
	return p, nil
}

// Name implements backend.Provider.
func (p *Provider) Name() string { return ProviderName }

// Path returns the resolved file path.
func (p *Provider) Path() string { return p.path }

// Initialize creates the parent directory and checks that an existing file
// is a regular file.
func (p *Provider) Initialize(context.Context) error {
	if err := p.fs.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return utils.ErrProviderOffline(ProviderName, fmt.Errorf("failed to create directory: %w", err))
	}
	info, err := p.fs.Stat(p.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return utils.ErrProviderOffline(ProviderName, err)
	case info.IsDir():
		return utils.ErrProviderOffline(ProviderName, fmt.Errorf("%s is a directory", p.path))
	}
	return nil
}

// UploadRecords writes the set to a temporary file beside the target and
// renames it over the target, so readers see the old or the new set.
func (p *Provider) UploadRecords(ctx context.Context, records []backend.Task) error {
	data, err := backend.EncodeRecords(records)
	if err != nil {
		return err
	}

	unlock, err := p.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := afero.TempFile(p.fs, filepath.Dir(p.path), "."+filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return utils.ErrProviderOffline(ProviderName, err)
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = p.fs.Rename(tmpName, p.path)
	}
	if werr != nil {
		_ = p.fs.Remove(tmpName)
		return utils.ErrProviderOffline(ProviderName, werr)
	}
	utils.Debugf("Wrote %d records to %s", len(records), p.path)
	return nil
}

// DownloadRecords reads the set. A missing file is an empty set.
func (p *Provider) DownloadRecords(ctx context.Context) ([]backend.Task, error) {
	unlock, err := p.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := afero.ReadFile(p.fs, p.path)
	if errors.Is(err, os.ErrNotExist) {
		return []backend.Task{}, nil
	}
	if err != nil {
		return nil, utils.ErrProviderOffline(ProviderName, err)
	}
	return backend.DecodeRecords(p.path, data)
}

// Close implements backend.Provider.
func (p *Provider) Close() error {
	if p.lock != nil {
		return p.lock.Close()
	}
	return nil
}

// acquire takes the sibling lock, exclusive for writes and shared for reads,
// retrying until ctx ends.
func (p *Provider) acquire(ctx context.Context, exclusive bool) (func(), error) {
	if p.lock == nil {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return nil, utils.ErrProviderOffline(ProviderName, err)
	}

	var locked bool
	var err error
	if exclusive {
		locked, err = p.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = p.lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, utils.ErrProviderOffline(ProviderName, fmt.Errorf("acquiring file lock: %w", err))
	}
	if !locked {
		return nil, utils.ErrProviderOffline(ProviderName, errors.New("file is locked by another process"))
	}
	return func() { _ = p.lock.Unlock() }, nil
}
