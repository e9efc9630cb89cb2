// Package credentials stores provider secrets in the OS keyring with a
// fallback to environment variables.
package credentials

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"todosync/backend"
	"todosync/internal/utils"
)

// Source indicates where credentials were retrieved from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceNone        Source = "none"
)

// CredentialInfo contains credential information returned by Get()
type CredentialInfo struct {
	Source   Source // Where credentials came from
	Provider string // Provider name (e.g., "webdav")
	Username string // Username or account identifier
	Password string // Password or token
	Found    bool
}

// JSON serializes the credential info to JSON (password excluded)
func (c *CredentialInfo) JSON() ([]byte, error) {
	output := struct {
		Provider string `json:"provider"`
		Username string `json:"username"`
		Source   string `json:"source"`
		Found    bool   `json:"found"`
	}{
		Provider: c.Provider,
		Username: c.Username,
		Source:   string(c.Source),
		Found:    c.Found,
	}
	return json.Marshal(output)
}

// Account names a provider account whose credentials are listed.
type Account struct {
	Provider string
	Username string
}

// AccountStatus represents the credential status for an account
type AccountStatus struct {
	Provider       string
	Username       string
	HasCredentials bool
	Source         Source
}

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// Manager handles credential operations
type Manager struct {
	keyring Keyring
	getenv  func(string) string
}

var _ backend.SecretSource = (*Manager)(nil)

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// WithEnv replaces os.Getenv for the environment fallback.
func WithEnv(getenv func(string) string) ManagerOption {
	return func(m *Manager) {
		m.getenv = getenv
	}
}

// NewManager creates a credential manager backed by the system keyring
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: &systemKeyring{},
		getenv:  os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// serviceName returns the keyring service name for a provider
func serviceName(provider string) string {
	return "todosync-" + normalizeProvider(provider)
}

// Set stores credentials in the keyring
func (m *Manager) Set(ctx context.Context, provider, username, password string) error {
	if password == "" {
		return fmt.Errorf("refusing to store an empty password")
	}
	return m.keyring.Set(serviceName(provider), username, password)
}

// Get retrieves credentials, keyring first, then environment variables
func (m *Manager) Get(ctx context.Context, provider, username string) (*CredentialInfo, error) {
	provider = normalizeProvider(provider)

	password, err := m.keyring.Get(serviceName(provider), username)
	switch {
	case err == nil && password != "":
		return &CredentialInfo{
			Source:   SourceKeyring,
			Provider: provider,
			Username: username,
			Password: password,
			Found:    true,
		}, nil
	case err != nil && !errors.Is(err, ErrSecretNotFound) && !errors.Is(err, ErrKeyringNotAvailable):
		return nil, fmt.Errorf("reading keyring: %w", err)
	case errors.Is(err, ErrKeyringNotAvailable):
		utils.Debugf("Keyring unavailable, falling back to environment: %v", err)
	}

	if envPassword := m.envPassword(provider, username); envPassword != "" {
		return &CredentialInfo{
			Source:   SourceEnvironment,
			Provider: provider,
			Username: username,
			Password: envPassword,
			Found:    true,
		}, nil
	}

	return &CredentialInfo{
		Source:   SourceNone,
		Provider: provider,
		Username: username,
	}, nil
}

// Lookup implements backend.SecretSource.
func (m *Manager) Lookup(ctx context.Context, provider, username string) (string, error) {
	info, err := m.Get(ctx, provider, username)
	if err != nil {
		return "", err
	}
	if !info.Found {
		return "", utils.ErrCredentialsNotFound(provider, username)
	}
	return info.Password, nil
}

// EnvKey returns the environment variable consulted for a provider secret,
// e.g. TODOSYNC_WEBDAV_PASSWORD.
func EnvKey(provider, kind string) string {
	return fmt.Sprintf("TODOSYNC_%s_%s", strings.ToUpper(normalizeProvider(provider)), kind)
}

// envPassword reads TODOSYNC_<P>_TOKEN, then TODOSYNC_<P>_PASSWORD. When
// TODOSYNC_<P>_USERNAME is set it must match.
func (m *Manager) envPassword(provider, username string) string {
	if envUsername := m.getenv(EnvKey(provider, "USERNAME")); envUsername != "" && envUsername != username {
		return ""
	}
	if token := m.getenv(EnvKey(provider, "TOKEN")); token != "" {
		return token
	}
	return m.getenv(EnvKey(provider, "PASSWORD"))
}

// Delete removes credentials from the keyring. Missing entries are not an error.
func (m *Manager) Delete(ctx context.Context, provider, username string) error {
	err := m.keyring.Delete(serviceName(provider), username)
	if errors.Is(err, ErrSecretNotFound) {
		return nil
	}
	return err
}

// List returns the credential status for each account
func (m *Manager) List(ctx context.Context, accounts []Account) ([]AccountStatus, error) {
	statuses := make([]AccountStatus, 0, len(accounts))
	for _, a := range accounts {
		info, err := m.Get(ctx, a.Provider, a.Username)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, AccountStatus{
			Provider:       a.Provider,
			Username:       a.Username,
			HasCredentials: info.Found,
			Source:         info.Source,
		})
	}
	return statuses, nil
}

// PromptPassword prompts for a password on writer and reads one line from
// reader. Callers with a terminal should read with term.ReadPassword instead.
func PromptPassword(reader io.Reader, writer io.Writer, provider, username string) (string, error) {
	_, _ = fmt.Fprintf(writer, "Enter password for %s (user: %s): ", provider, username)

	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}
