// Package docstore implements a provider backed by a JSON document REST
// service: GET and PUT of {base_url}/v1/collections/{collection}/documents/{document}.
package docstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"todosync/backend"
	"todosync/internal/kvstore"
	"todosync/internal/ratelimit"
	"todosync/internal/utils"
)

// ProviderName is the registry name of this provider.
const ProviderName = "docstore"

func init() {
	backend.Register(ProviderName, func(cfg backend.ProviderConfig) (backend.Provider, error) {
		var opts struct {
			BaseURL    string `yaml:"base_url"`
			Collection string `yaml:"collection"`
			Document   string `yaml:"document"`
			Token      string `yaml:"token"`
			Account    string `yaml:"account"`
		}
		if err := cfg.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return New(Config{
			BaseURL:    opts.BaseURL,
			Collection: opts.Collection,
			Document:   opts.Document,
			Token:      opts.Token,
			Account:    opts.Account,
			Secrets:    cfg.Secrets,
			Store:      cfg.Store,
		})
	})
}

// Config holds document service settings.
type Config struct {
	BaseURL    string
	Collection string // Default: todosync
	Document   string // Default: tasks
	Token      string // Looked up through Secrets under Account when empty
	Account    string
	Secrets    backend.SecretSource
	Store      kvstore.Store
	HTTPClient *http.Client
	MaxRetries int
}

// Provider implements backend.Provider over a single remote document.
type Provider struct {
	backend.LastSyncTracker
	config Config
	client *ratelimit.Client
	docURL string

	mu    sync.Mutex
	token string
	etag  string // from the last download; sent as If-Match on upload
}

var _ backend.Provider = (*Provider)(nil)

// New creates a document store provider.
func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("docstore base_url is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "todosync"
	}
	if cfg.Document == "" {
		cfg.Document = "tasks"
	}

	docURL := fmt.Sprintf("%s/v1/collections/%s/documents/%s",
		strings.TrimSuffix(cfg.BaseURL, "/"), url.PathEscape(cfg.Collection), url.PathEscape(cfg.Document))

	return &Provider{
		LastSyncTracker: backend.NewLastSyncTracker(ProviderName, cfg.Store),
		config:          cfg,
		client: ratelimit.NewClient(ratelimit.Config{
			MaxRetries:   cfg.MaxRetries,
			EnableJitter: true,
			Provider:     ProviderName,
			HTTPClient:   cfg.HTTPClient,
		}),
		docURL: docURL,
		token:  cfg.Token,
	}, nil
}

// Name implements backend.Provider.
func (p *Provider) Name() string { return ProviderName }

// DocumentURL returns the document's URL.
func (p *Provider) DocumentURL() string { return p.docURL }

// Initialize resolves the token and checks the service answers for the
// document.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	needToken := p.token == "" && p.config.Secrets != nil && p.config.Account != ""
	p.mu.Unlock()
	if needToken {
		token, err := p.config.Secrets.Lookup(ctx, ProviderName, p.config.Account)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.token = token
		p.mu.Unlock()
	}

	resp, err := p.do(ctx, http.MethodHead, nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return statusError("HEAD", resp)
	}
}

// UploadRecords replaces the document. When the document was read in this
// session, the upload is conditional on it being unchanged since.
func (p *Provider) UploadRecords(ctx context.Context, records []backend.Task) error {
	data, err := backend.EncodeRecords(records)
	if err != nil {
		return err
	}

	opts := []ratelimit.RequestOption{ratelimit.WithHeader("Content-Type", "application/json")}
	p.mu.Lock()
	if p.etag != "" {
		opts = append(opts, ratelimit.WithHeader("If-Match", p.etag))
	}
	p.mu.Unlock()

	resp, err := p.do(ctx, http.MethodPut, data, opts...)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		p.mu.Lock()
		p.etag = resp.Header.Get("ETag")
		p.mu.Unlock()
		return nil
	case http.StatusPreconditionFailed:
		p.mu.Lock()
		p.etag = ""
		p.mu.Unlock()
		return utils.ErrProviderOffline(ProviderName, fmt.Errorf("document changed since it was downloaded"))
	default:
		return statusError("PUT", resp)
	}
}

// DownloadRecords reads the document. A missing document is an empty set.
func (p *Provider) DownloadRecords(ctx context.Context) ([]backend.Task, error) {
	resp, err := p.do(ctx, http.MethodGet, nil, ratelimit.WithHeader("Accept", "application/json"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		p.mu.Lock()
		p.etag = ""
		p.mu.Unlock()
		return []backend.Task{}, nil
	default:
		return nil, statusError("GET", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.ErrProviderOffline(ProviderName, err)
	}
	tasks, err := backend.DecodeRecords(p.docURL, data)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.etag = resp.Header.Get("ETag")
	p.mu.Unlock()
	return tasks, nil
}

// Close releases idle connections.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *Provider) do(ctx context.Context, method string, body []byte, opts ...ratelimit.RequestOption) (*http.Response, error) {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	if token != "" {
		opts = append(opts, ratelimit.WithBearer(token))
	}

	resp, err := p.client.Do(ctx, method, p.docURL, body, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, utils.ErrProviderOffline(ProviderName, err)
	}
	return resp, nil
}

func statusError(method string, resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return utils.ErrAuthenticationFailed(ProviderName)
	}
	return utils.ErrProviderOffline(ProviderName, fmt.Errorf("%s failed with status %d", method, resp.StatusCode))
}
