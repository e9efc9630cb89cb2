package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by the sync and version components. Callers match
// them with errors.Is; the constructors below wrap them with context and a
// suggestion for the user.
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrSyncInProgress      = errors.New("sync already in progress")
	ErrPairing             = errors.New("pairing rejected")
	ErrVersionNotFound     = errors.New("version not found")
	ErrStorageFailure      = errors.New("storage failure")
	ErrSyncDisabled        = errors.New("sync is not enabled")
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrMalformedRemote     = errors.New("malformed remote data")
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// Suggestion returns the first suggestion found in err's chain, or "".
func Suggestion(err error) string {
	var ews *ErrorWithSuggestion
	if errors.As(err, &ews) {
		return ews.Suggestion
	}
	return ""
}

// FirstLine returns s up to its first newline, dropping an appended suggestion.
func FirstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ErrSyncNotEnabled returns an error when a sync operation is attempted while disabled.
func ErrSyncNotEnabled() error {
	return &ErrorWithSuggestion{
		Err:        ErrSyncDisabled,
		Suggestion: "Enable sync with 'todosync sync enable <provider>'",
	}
}

// ErrSyncBusy returns an error when a cycle is already running for the provider.
func ErrSyncBusy(provider string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%w: provider %s", ErrSyncInProgress, provider),
		Suggestion: "Wait for the running sync to finish and try again",
	}
}

// ErrProviderNotRegistered returns an error for a provider name with no constructor.
func ErrProviderNotRegistered(name string, registered []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%w: %s", ErrUnknownProvider, name),
		Suggestion: fmt.Sprintf("Available providers: %s", strings.Join(registered, ", ")),
	}
}

// ErrProviderOffline returns an error when a provider cannot be reached, with smart suggestions.
func ErrProviderOffline(name string, cause error) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, name, cause),
		Suggestion: getSmartSuggestion(cause.Error()),
	}
}

// ErrAuthenticationFailed returns an error when a provider rejects the credentials.
func ErrAuthenticationFailed(name string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%w: authentication failed for %s", ErrProviderUnavailable, name),
		Suggestion: "Verify your credentials are correct and have not expired",
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and accessible"
	}

	if strings.Contains(lowerReason, "timeout") || strings.Contains(lowerReason, "i/o timeout") {
		return "The server may be slow or unreachable. Try again later"
	}

	if strings.Contains(lowerReason, "401") || strings.Contains(lowerReason, "403") {
		return "Verify your credentials are correct and have not expired"
	}

	return "Check your internet connection and try again"
}

// ErrPairingRejected returns an error for an invalid pairing request.
func ErrPairingRejected(deviceID, reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%w: device %q: %s", ErrPairing, deviceID, reason),
		Suggestion: "Use 'todosync device list' to see paired devices",
	}
}

// ErrVersionMissing returns an error for an unknown version id.
func ErrVersionMissing(id string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%w: %s", ErrVersionNotFound, id),
		Suggestion: "Use 'todosync version list' to see available versions",
	}
}

// ErrStorage wraps a persistence failure for the given key.
func ErrStorage(op, key string, cause error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrStorageFailure, op, key, cause)
}

// ErrMalformed wraps a decode failure of remote data.
func ErrMalformed(source string, cause error) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%w: %s: %w", ErrMalformedRemote, source, cause),
		Suggestion: "Inspect the remote file or restore it from a version checkpoint",
	}
}

// ErrInvalidPolicy returns an error for an unknown conflict policy name.
func ErrInvalidPolicy(policy string, valid []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid conflict policy: %s", policy),
		Suggestion: fmt.Sprintf("Valid options: %s", strings.Join(valid, ", ")),
	}
}

// ErrCredentialsNotFound returns an error when credentials are missing.
func ErrCredentialsNotFound(provider, user string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("credentials not found for %s user %s", provider, user),
		Suggestion: fmt.Sprintf("Run 'todosync credentials set %s %s' or set the environment variable", provider, user),
	}
}

// ErrInvalidPriority returns an error for an invalid priority value.
func ErrInvalidPriority(priority int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid priority: %d", priority),
		Suggestion: "Priority must be between 0 and 9",
	}
}

// ErrInvalidSummary returns an error for an empty or multi-line task summary.
func ErrInvalidSummary(summary string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid task summary: %q", summary),
		Suggestion: "Give the task a non-empty, single-line summary",
	}
}

// ErrInvalidDate returns an error for an invalid date string.
func ErrInvalidDate(dateStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid date: %s", dateStr),
		Suggestion: "Use YYYY-MM-DD (e.g., 2026-01-15), today, tomorrow, or an offset like +3d, +2w, +1m",
	}
}
