// Package webdav implements a provider that keeps the shared task set as one
// JSON file inside a WebDAV collection (Nextcloud, ownCloud, Apache mod_dav).
package webdav

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"todosync/backend"
	"todosync/internal/kvstore"
	"todosync/internal/ratelimit"
	"todosync/internal/utils"
)

// ProviderName is the registry name of this provider.
const ProviderName = "webdav"

// DefaultFileName is the file created inside the collection.
const DefaultFileName = "todosync.json"

func init() {
	backend.Register(ProviderName, func(cfg backend.ProviderConfig) (backend.Provider, error) {
		var opts struct {
			URL                string `yaml:"url"`
			Username           string `yaml:"username"`
			Password           string `yaml:"password"`
			File               string `yaml:"file"`
			InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
		}
		if err := cfg.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return New(Config{
			URL:                opts.URL,
			Username:           opts.Username,
			Password:           opts.Password,
			File:               opts.File,
			InsecureSkipVerify: opts.InsecureSkipVerify,
			Secrets:            cfg.Secrets,
			Store:              cfg.Store,
		})
	})
}

// Config holds WebDAV connection settings
type Config struct {
	URL                string // Collection URL, e.g. https://host/remote.php/dav/files/me/todosync/
	Username           string
	Password           string // Looked up through Secrets when empty
	File               string
	InsecureSkipVerify bool
	Secrets            backend.SecretSource
	Store              kvstore.Store
	HTTPClient         *http.Client
	MaxRetries         int
}

// Provider implements backend.Provider over a WebDAV collection.
type Provider struct {
	backend.LastSyncTracker
	config        Config
	client        *ratelimit.Client
	collectionURL string
	fileURL       string
	password      string
}

var _ backend.Provider = (*Provider)(nil)

// New creates a WebDAV provider. No request is made until Initialize.
func New(cfg Config) (*Provider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webdav url is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("webdav url must start with http:// or https://: %s", cfg.URL)
	}
	if cfg.File == "" {
		cfg.File = DefaultFileName
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = createHTTPClient(cfg)
	}

	collection := strings.TrimSuffix(cfg.URL, "/") + "/"
	return &Provider{
		LastSyncTracker: backend.NewLastSyncTracker(ProviderName, cfg.Store),
		config:          cfg,
		client: ratelimit.NewClient(ratelimit.Config{
			MaxRetries:   cfg.MaxRetries,
			EnableJitter: true,
			Provider:     ProviderName,
			HTTPClient:   cfg.HTTPClient,
		}),
		collectionURL: collection,
		fileURL:       collection + cfg.File,
		password:      cfg.Password,
	}, nil
}

// createHTTPClient creates an HTTP client with connection pooling
func createHTTPClient(cfg Config) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}

// Name implements backend.Provider.
func (p *Provider) Name() string { return ProviderName }

// FileURL returns the URL of the shared file.
func (p *Provider) FileURL() string { return p.fileURL }

// Close releases idle connections.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *Provider) do(ctx context.Context, method, url string, body []byte, opts ...ratelimit.RequestOption) (*http.Response, error) {
	if p.config.Username != "" {
		opts = append(opts, ratelimit.WithBasicAuth(p.config.Username, p.password))
	}
	resp, err := p.client.Do(ctx, method, url, body, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, utils.ErrProviderOffline(ProviderName, err)
	}
	return resp, nil
}

// statusError maps an unexpected response to an error kind.
func statusError(method string, resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return utils.ErrAuthenticationFailed(ProviderName)
	}
	return utils.ErrProviderOffline(ProviderName, fmt.Errorf("%s failed with status %d", method, resp.StatusCode))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// multiStatus is the subset of a PROPFIND reply this provider reads.
type multiStatus struct {
	Responses []struct {
		Href     string `xml:"href"`
		PropStat []struct {
			Prop struct {
				ResourceType struct {
					Collection *struct{} `xml:"collection"`
				} `xml:"resourcetype"`
			} `xml:"prop"`
		} `xml:"propstat"`
	} `xml:"response"`
}

func (m multiStatus) isCollection() bool {
	for _, r := range m.Responses {
		for _, ps := range r.PropStat {
			if ps.Prop.ResourceType.Collection != nil {
				return true
			}
		}
	}
	return false
}

const propfindBody = `<?xml version="1.0" encoding="UTF-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:resourcetype/>
  </d:prop>
</d:propfind>`

// Initialize resolves the password, then checks the collection exists,
// creating it with MKCOL when it does not.
func (p *Provider) Initialize(ctx context.Context) error {
	if p.password == "" && p.config.Username != "" && p.config.Secrets != nil {
		secret, err := p.config.Secrets.Lookup(ctx, ProviderName, p.config.Username)
		if err != nil {
			return err
		}
		p.password = secret
	}

	resp, err := p.do(ctx, "PROPFIND", p.collectionURL, []byte(propfindBody),
		ratelimit.WithHeader("Depth", "0"),
		ratelimit.WithHeader("Content-Type", "application/xml; charset=utf-8"))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusMultiStatus:
		var ms multiStatus
		if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
			return utils.ErrMalformed(p.collectionURL, err)
		}
		if !ms.isCollection() {
			return utils.ErrProviderOffline(ProviderName, fmt.Errorf("%s is not a collection", p.collectionURL))
		}
		return nil
	case http.StatusNotFound:
		return p.mkcol(ctx)
	default:
		return statusError("PROPFIND", resp)
	}
}

func (p *Provider) mkcol(ctx context.Context) error {
	resp, err := p.do(ctx, "MKCOL", p.collectionURL, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusCreated {
		return statusError("MKCOL", resp)
	}
	utils.Infof("Created WebDAV collection %s", p.collectionURL)
	return nil
}

// UploadRecords PUTs the set under a temporary name and MOVEs it over the
// shared file, so readers see the old or the new set.
func (p *Provider) UploadRecords(ctx context.Context, records []backend.Task) error {
	data, err := backend.EncodeRecords(records)
	if err != nil {
		return err
	}

	tmpURL := p.collectionURL + "." + p.config.File + "." + uuid.New().String() + ".tmp"
	resp, err := p.do(ctx, http.MethodPut, tmpURL, data,
		ratelimit.WithHeader("Content-Type", "application/json"))
	if err != nil {
		return err
	}
	drain(resp)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError("PUT", resp)
	}

	resp, err = p.do(ctx, "MOVE", tmpURL, nil,
		ratelimit.WithHeader("Destination", p.fileURL),
		ratelimit.WithHeader("Overwrite", "T"))
	if err == nil {
		drain(resp)
		if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent {
			utils.Debugf("Uploaded %d records to %s", len(records), p.fileURL)
			return nil
		}
		err = statusError("MOVE", resp)
	}

	if resp, derr := p.do(context.WithoutCancel(ctx), http.MethodDelete, tmpURL, nil); derr == nil {
		drain(resp)
	}
	return err
}

// DownloadRecords GETs the shared file. A missing file is an empty set.
func (p *Provider) DownloadRecords(ctx context.Context) ([]backend.Task, error) {
	resp, err := p.do(ctx, http.MethodGet, p.fileURL, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return []backend.Task{}, nil
	default:
		return nil, statusError("GET", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.ErrProviderOffline(ProviderName, err)
	}
	return backend.DecodeRecords(p.fileURL, data)
}
