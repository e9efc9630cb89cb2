// Package ratelimit provides the HTTP client used by remote providers. It
// retries throttled and temporarily unavailable responses with exponential
// backoff.
package ratelimit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"todosync/internal/utils"
)

// Config holds configuration for the retrying HTTP client.
type Config struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default: 5
	MaxRetries int

	// BaseDelay is the initial delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default: 32 seconds
	MaxDelay time.Duration

	// EnableJitter adds random jitter (±20%) to prevent thundering herd.
	EnableJitter bool

	// Stats is an optional tracker for throttling events.
	Stats *Stats

	// Provider name for error messages.
	Provider string

	// HTTPClient performs the requests. Default: a client with a 30s timeout.
	HTTPClient *http.Client

	// Clock drives backoff waits.
	Clock clockwork.Clock
}

// RequestOption adjusts a request before it is sent, on every attempt.
type RequestOption func(*http.Request)

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// WithBasicAuth sets basic auth credentials.
func WithBasicAuth(username, password string) RequestOption {
	return func(r *http.Request) { r.SetBasicAuth(username, password) }
}

// WithBearer sets a bearer token.
func WithBearer(token string) RequestOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

// Client is an HTTP client that retries throttled requests.
type Client struct {
	httpClient   *http.Client
	clock        clockwork.Clock
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	enableJitter bool
	stats        *Stats
	provider     string
	defaults     []RequestOption
}

// NewClient creates a client with the given configuration. Options are
// applied to every request the client sends.
func NewClient(cfg Config, defaults ...RequestOption) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 1 * time.Second
	}

	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 32 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Client{
		httpClient:   httpClient,
		clock:        clock,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		enableJitter: cfg.EnableJitter,
		stats:        cfg.Stats,
		provider:     cfg.Provider,
		defaults:     defaults,
	}
}

// retryable reports whether a status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// Do sends a request, retrying 429 and 503 responses. The Retry-After header
// is honored when present. Transport errors are returned as is.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, opts ...RequestOption) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for _, opt := range c.defaults {
			opt(req)
		}
		for _, opt := range opts {
			opt(req)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if !retryable(resp.StatusCode) {
			return resp, nil
		}
		_ = resp.Body.Close()

		if c.stats != nil {
			c.stats.RecordThrottle(c.clock.Now())
		}
		if attempt >= c.maxRetries {
			return nil, &RateLimitError{
				Provider:    c.provider,
				Status:      resp.StatusCode,
				Attempt:     attempt,
				MaxAttempts: c.maxRetries,
			}
		}

		delay := c.calculateBackoff(attempt, ParseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now()))
		utils.Debugf("%s %s returned %d, retrying in %v", method, url, resp.StatusCode, delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// calculateBackoff computes the backoff duration for a given attempt.
func (c *Client) calculateBackoff(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}

	delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > c.maxDelay {
		delay = c.maxDelay
	}

	if c.enableJitter {
		jitterFactor := 0.8 + rand.Float64()*0.4 // 0.8 to 1.2
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// RateLimitError is returned when retries are exhausted. It matches
// utils.ErrProviderUnavailable.
type RateLimitError struct {
	Provider    string
	Status      int
	Attempt     int
	MaxAttempts int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	provider := e.Provider
	if provider == "" {
		provider = "remote"
	}
	return fmt.Sprintf("%s kept answering %d after %d retries (max %d)", provider, e.Status, e.Attempt, e.MaxAttempts)
}

// Unwrap classifies the error as a provider outage.
func (e *RateLimitError) Unwrap() error {
	return utils.ErrProviderUnavailable
}

// ParseRetryAfter parses the Retry-After header value, in seconds or as an
// HTTP-date relative to now. Returns nil if the value is invalid or empty.
func ParseRetryAfter(value string, now time.Time) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

// Stats tracks throttling for a provider.
type Stats struct {
	mu             sync.RWMutex
	throttleCount  int64
	lastThrottleAt time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordThrottle records a throttled response.
func (s *Stats) RecordThrottle(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttleCount++
	s.lastThrottleAt = at
}

// ThrottleCount returns the number of throttled responses seen.
func (s *Stats) ThrottleCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.throttleCount
}

// LastThrottleTime returns when the last throttled response was seen.
func (s *Stats) LastThrottleTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastThrottleAt
}
