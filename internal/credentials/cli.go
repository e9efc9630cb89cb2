package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// CLIHandler implements the credentials subcommands
type CLIHandler struct {
	manager *Manager
	stdin   io.Reader
	stdout  io.Writer
	// readPassword reads a secret without echo; nil falls back to PromptPassword.
	readPassword func(provider, username string) (string, error)
}

// NewCLIHandler creates a handler for the credentials subcommands
func NewCLIHandler(manager *Manager, stdin io.Reader, stdout io.Writer) *CLIHandler {
	return &CLIHandler{
		manager: manager,
		stdin:   stdin,
		stdout:  stdout,
	}
}

// WithPasswordReader installs a no-echo password reader, used when stdin is a terminal.
func (h *CLIHandler) WithPasswordReader(fn func(provider, username string) (string, error)) *CLIHandler {
	h.readPassword = fn
	return h
}

// Set prompts for a secret and stores it in the keyring
func (h *CLIHandler) Set(ctx context.Context, provider, username string) error {
	var password string
	var err error
	if h.readPassword != nil {
		password, err = h.readPassword(provider, username)
	} else {
		password, err = PromptPassword(h.stdin, h.stdout, provider, username)
	}
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	if err := h.manager.Set(ctx, provider, username, password); err != nil {
		if errors.Is(err, ErrKeyringNotAvailable) {
			return h.keyringNotAvailableError(provider)
		}
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	_, _ = fmt.Fprintf(h.stdout, "Credentials stored in system keyring\n")
	return nil
}

// keyringNotAvailableError explains the environment variable fallback
func (h *CLIHandler) keyringNotAvailableError(provider string) error {
	msg := fmt.Sprintf(`System keyring not available.

Alternative: set one of these environment variables for %s:
  export %s="your-api-token"
  export %s="your-password"

Run 'todosync credentials list' to verify credentials are detected.`,
		provider, EnvKey(provider, "TOKEN"), EnvKey(provider, "PASSWORD"))

	return errors.New(msg)
}

// Get displays where credentials for an account come from
func (h *CLIHandler) Get(ctx context.Context, provider, username string, jsonOutput bool) error {
	info, err := h.manager.Get(ctx, provider, username)
	if err != nil {
		return fmt.Errorf("failed to get credentials: %w", err)
	}

	if jsonOutput {
		jsonBytes, err := info.JSON()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(h.stdout, string(jsonBytes))
		return nil
	}

	if !info.Found {
		_, _ = fmt.Fprintf(h.stdout, "No credentials found for %s/%s\n", info.Provider, info.Username)
		_, _ = fmt.Fprintf(h.stdout, "Searched:\n")
		_, _ = fmt.Fprintf(h.stdout, "  - System keyring: Not found\n")
		_, _ = fmt.Fprintf(h.stdout, "  - Environment variables: Not found\n")
		_, _ = fmt.Fprintf(h.stdout, "\nSuggestion: Run 'todosync credentials set %s %s'\n", info.Provider, info.Username)
		return nil
	}

	_, _ = fmt.Fprintf(h.stdout, "Source: %s\n", info.Source)
	_, _ = fmt.Fprintf(h.stdout, "Username: %s\n", info.Username)
	_, _ = fmt.Fprintf(h.stdout, "Password: ******** (hidden)\n")
	_, _ = fmt.Fprintf(h.stdout, "Provider: %s\n", info.Provider)
	return nil
}

// Delete removes credentials from the keyring
func (h *CLIHandler) Delete(ctx context.Context, provider, username string) error {
	if err := h.manager.Delete(ctx, provider, username); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	_, _ = fmt.Fprintf(h.stdout, "Credentials removed from system keyring\n")
	return nil
}

// List displays credential status for the configured accounts
func (h *CLIHandler) List(ctx context.Context, accounts []Account, jsonOutput bool) error {
	statuses, err := h.manager.List(ctx, accounts)
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	if jsonOutput {
		type statusJSON struct {
			Provider       string `json:"provider"`
			Username       string `json:"username"`
			HasCredentials bool   `json:"has_credentials"`
			Source         string `json:"source,omitempty"`
		}
		output := make([]statusJSON, 0, len(statuses))
		for _, s := range statuses {
			entry := statusJSON{Provider: s.Provider, Username: s.Username, HasCredentials: s.HasCredentials}
			if s.HasCredentials {
				entry.Source = string(s.Source)
			}
			output = append(output, entry)
		}
		jsonBytes, err := json.Marshal(output)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(h.stdout, string(jsonBytes))
		return nil
	}

	_, _ = fmt.Fprintf(h.stdout, "%-12s %-24s %-15s %s\n", "PROVIDER", "USERNAME", "STATUS", "SOURCE")
	for _, s := range statuses {
		status, source := "Not configured", "-"
		if s.HasCredentials {
			status, source = "Available", string(s.Source)
		}
		_, _ = fmt.Fprintf(h.stdout, "%-12s %-24s %-15s %s\n", s.Provider, s.Username, status, source)
	}
	return nil
}
