// Package memory provides an in-process provider. Named buckets let several
// coordinators in one process share a remote.
package memory

import (
	"context"
	"errors"
	"sync"

	"todosync/backend"
	"todosync/internal/kvstore"
	"todosync/internal/utils"
)

// ProviderName is the registry name of this provider.
const ProviderName = "memory"

func init() {
	backend.Register(ProviderName, func(cfg backend.ProviderConfig) (backend.Provider, error) {
		var opts struct {
			Bucket string `yaml:"bucket"`
		}
		if err := cfg.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return New(ProviderName, Bucket(opts.Bucket), cfg.Store), nil
	})
}

var (
	bucketsMu sync.Mutex
	buckets   = make(map[string]*Remote)
)

// Bucket returns the shared remote with the given name, creating it on first use.
func Bucket(name string) *Remote {
	bucketsMu.Lock()
	defer bucketsMu.Unlock()
	r, ok := buckets[name]
	if !ok {
		r = NewRemote()
		buckets[name] = r
	}
	return r
}

// Remote holds the encoded task array and optional failure injection.
type Remote struct {
	mu          sync.Mutex
	data        []byte
	uploads     int
	initErr     error
	uploadErr   error
	downloadErr error
	onDownload  func(ctx context.Context) error
}

// NewRemote creates an empty, never-written remote.
func NewRemote() *Remote {
	return &Remote{}
}

// FailInitialize makes Initialize return err. Pass nil to clear.
func (r *Remote) FailInitialize(err error) { r.set(func() { r.initErr = err }) }

// FailUploads makes UploadRecords return err. Pass nil to clear.
func (r *Remote) FailUploads(err error) { r.set(func() { r.uploadErr = err }) }

// FailDownloads makes DownloadRecords return err. Pass nil to clear.
func (r *Remote) FailDownloads(err error) { r.set(func() { r.downloadErr = err }) }

// OnDownload installs a hook run at the start of every download, outside the
// remote's lock. A non-nil return fails the download.
func (r *Remote) OnDownload(fn func(ctx context.Context) error) { r.set(func() { r.onDownload = fn }) }

func (r *Remote) set(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// Records decodes the current contents.
func (r *Remote) Records() []backend.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks, err := backend.DecodeRecords("memory", r.data)
	if err != nil {
		return nil
	}
	return tasks
}

// Put overwrites the contents, as another device would.
func (r *Remote) Put(tasks []backend.Task) error {
	data, err := backend.EncodeRecords(tasks)
	if err != nil {
		return err
	}
	r.set(func() { r.data = data })
	return nil
}

// Uploads returns how many uploads succeeded.
func (r *Remote) Uploads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uploads
}

// Provider implements backend.Provider over a Remote.
type Provider struct {
	backend.LastSyncTracker
	name   string
	remote *Remote

	mu     sync.Mutex
	closed bool
}

var _ backend.Provider = (*Provider)(nil)

// New creates a provider over remote, keeping its last-sync time in store.
func New(name string, remote *Remote, store kvstore.Store) *Provider {
	return &Provider{
		LastSyncTracker: backend.NewLastSyncTracker(name, store),
		name:            name,
		remote:          remote,
	}
}

// Name implements backend.Provider.
func (p *Provider) Name() string { return p.name }

// Initialize implements backend.Provider.
func (p *Provider) Initialize(context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.remote.mu.Lock()
	defer p.remote.mu.Unlock()
	if p.remote.initErr != nil {
		return utils.ErrProviderOffline(p.name, p.remote.initErr)
	}
	return nil
}

// UploadRecords implements backend.Provider. The encoded array is swapped
// in whole, so a failed upload leaves the previous contents.
func (p *Provider) UploadRecords(ctx context.Context, records []backend.Task) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := backend.EncodeRecords(records)
	if err != nil {
		return err
	}

	p.remote.mu.Lock()
	defer p.remote.mu.Unlock()
	if p.remote.uploadErr != nil {
		return utils.ErrProviderOffline(p.name, p.remote.uploadErr)
	}
	p.remote.data = data
	p.remote.uploads++
	return nil
}

// DownloadRecords implements backend.Provider.
func (p *Provider) DownloadRecords(ctx context.Context) ([]backend.Task, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	p.remote.mu.Lock()
	hook := p.remote.onDownload
	p.remote.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	p.remote.mu.Lock()
	defer p.remote.mu.Unlock()
	if p.remote.downloadErr != nil {
		return nil, utils.ErrProviderOffline(p.name, p.remote.downloadErr)
	}
	return backend.DecodeRecords(p.name, p.remote.data)
}

// Close implements backend.Provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (p *Provider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Provider) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return utils.ErrProviderOffline(p.name, errors.New("provider closed"))
	}
	return nil
}
