package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
	"todosync/internal/utils"
)

// =============================================================================
// Test Helpers
// =============================================================================

func env(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func newTestManager(vars map[string]string) (*Manager, *MockKeyring) {
	kr := NewMockKeyring()
	return NewManager(WithKeyring(kr), WithEnv(env(vars))), kr
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestKeyringTakesPriority(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(map[string]string{"TODOSYNC_WEBDAV_PASSWORD": "from-env"})

	if err := m.Set(ctx, "WebDAV", "alice", "from-keyring"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	info, err := m.Get(ctx, "webdav", "alice")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if info.Source != SourceKeyring || info.Password != "from-keyring" {
		t.Errorf("Get() = %+v, want keyring secret", info)
	}
}

func TestEnvironmentFallback(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		vars map[string]string
		user string
		want string
	}{
		{"password", map[string]string{"TODOSYNC_WEBDAV_PASSWORD": "pw"}, "alice", "pw"},
		{"token wins over password", map[string]string{"TODOSYNC_WEBDAV_TOKEN": "tok", "TODOSYNC_WEBDAV_PASSWORD": "pw"}, "alice", "tok"},
		{"matching username", map[string]string{"TODOSYNC_WEBDAV_USERNAME": "alice", "TODOSYNC_WEBDAV_PASSWORD": "pw"}, "alice", "pw"},
		{"other username", map[string]string{"TODOSYNC_WEBDAV_USERNAME": "bob", "TODOSYNC_WEBDAV_PASSWORD": "pw"}, "alice", ""},
		{"nothing set", map[string]string{}, "alice", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(tt.vars)
			info, err := m.Get(ctx, "webdav", tt.user)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if info.Password != tt.want {
				t.Errorf("Password = %q, want %q", info.Password, tt.want)
			}
			if tt.want == "" && (info.Found || info.Source != SourceNone) {
				t.Errorf("Get() = %+v, want not found", info)
			}
			if tt.want != "" && info.Source != SourceEnvironment {
				t.Errorf("Source = %v, want environment", info.Source)
			}
		})
	}
}

func TestLookupImplementsSecretSource(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(map[string]string{"TODOSYNC_DOCSTORE_TOKEN": "tok"})

	got, err := m.Lookup(ctx, "docstore", "me")
	if err != nil || got != "tok" {
		t.Errorf("Lookup() = %q, %v; want tok", got, err)
	}

	_, err = m.Lookup(ctx, "webdav", "nobody")
	if err == nil || !strings.Contains(utils.Suggestion(err), "todosync credentials set webdav nobody") {
		t.Errorf("Lookup() missing error = %v (suggestion %q)", err, utils.Suggestion(err))
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, kr := newTestManager(nil)
	_ = m.Set(ctx, "webdav", "alice", "pw")

	if err := m.Delete(ctx, "webdav", "alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := m.Delete(ctx, "webdav", "alice"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if _, err := kr.Get("todosync-webdav", "alice"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("keyring still holds secret: %v", err)
	}
}

func TestSetRejectsEmptyPassword(t *testing.T) {
	m, _ := newTestManager(nil)
	if err := m.Set(context.Background(), "webdav", "alice", ""); err == nil {
		t.Error("Set() with empty password should fail")
	}
}

func TestSystemKeyringWithMockProvider(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	m := NewManager(WithEnv(env(nil)))

	if err := m.Set(ctx, "webdav", "alice", "pw"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := m.Lookup(ctx, "webdav", "alice")
	if err != nil || got != "pw" {
		t.Errorf("Lookup() = %q, %v", got, err)
	}
	if err := m.Delete(ctx, "webdav", "alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := m.Delete(ctx, "webdav", "alice"); err != nil {
		t.Errorf("Delete() of missing secret error = %v", err)
	}
}

func TestUnavailableKeyringFallsBackToEnv(t *testing.T) {
	keyring.MockInitWithError(errors.New("no dbus session"))
	t.Cleanup(keyring.MockInit)
	ctx := context.Background()
	m := NewManager(WithEnv(env(map[string]string{"TODOSYNC_WEBDAV_PASSWORD": "pw"})))

	info, err := m.Get(ctx, "webdav", "alice")
	if err != nil || info.Source != SourceEnvironment {
		t.Errorf("Get() = %+v, %v; want environment fallback", info, err)
	}
	if err := m.Set(ctx, "webdav", "alice", "x"); !errors.Is(err, ErrKeyringNotAvailable) {
		t.Errorf("Set() error = %v, want ErrKeyringNotAvailable", err)
	}
}

func TestCredentialInfoJSONOmitsPassword(t *testing.T) {
	info := &CredentialInfo{Source: SourceKeyring, Provider: "webdav", Username: "alice", Password: "secret", Found: true}
	data, err := info.JSON()
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	if bytes.Contains(data, []byte("secret")) {
		t.Errorf("JSON() leaks password: %s", data)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil || decoded["source"] != "keyring" {
		t.Errorf("JSON() = %s, %v", data, err)
	}
}

func TestPromptPassword(t *testing.T) {
	var out bytes.Buffer
	got, err := PromptPassword(strings.NewReader("  hunter2 \n"), &out, "webdav", "alice")
	if err != nil || got != "hunter2" {
		t.Errorf("PromptPassword() = %q, %v", got, err)
	}
	if !strings.Contains(out.String(), "Enter password for webdav (user: alice)") {
		t.Errorf("prompt = %q", out.String())
	}
	if _, err := PromptPassword(strings.NewReader(""), &out, "webdav", "alice"); err == nil {
		t.Error("PromptPassword() on empty input should fail")
	}
}

// =============================================================================
// CLI Handler Tests
// =============================================================================

func TestCLISetGetDelete(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(nil)
	var out bytes.Buffer
	h := NewCLIHandler(m, strings.NewReader("pw\n"), &out)

	if err := h.Set(ctx, "webdav", "alice"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	out.Reset()
	if err := h.Get(ctx, "webdav", "alice", false); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !strings.Contains(out.String(), "Source: keyring") || strings.Contains(out.String(), "pw\n") {
		t.Errorf("Get() output = %q", out.String())
	}

	out.Reset()
	if err := h.Delete(ctx, "webdav", "alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	out.Reset()
	_ = h.Get(ctx, "webdav", "alice", false)
	if !strings.Contains(out.String(), "No credentials found for webdav/alice") {
		t.Errorf("Get() after delete = %q", out.String())
	}
}

func TestCLISetUsesPasswordReader(t *testing.T) {
	ctx := context.Background()
	m, kr := newTestManager(nil)
	var out bytes.Buffer
	h := NewCLIHandler(m, strings.NewReader(""), &out).WithPasswordReader(func(provider, username string) (string, error) {
		return "typed-" + username, nil
	})

	if err := h.Set(ctx, "docstore", "me"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, _ := kr.Get("todosync-docstore", "me"); got != "typed-me" {
		t.Errorf("stored secret = %q", got)
	}
}

func TestCLISetWithoutKeyringExplainsEnv(t *testing.T) {
	keyring.MockInitWithError(errors.New("no dbus session"))
	t.Cleanup(keyring.MockInit)
	var out bytes.Buffer
	h := NewCLIHandler(NewManager(WithEnv(env(nil))), strings.NewReader("pw\n"), &out)

	err := h.Set(context.Background(), "webdav", "alice")
	if err == nil || !strings.Contains(err.Error(), "TODOSYNC_WEBDAV_PASSWORD") {
		t.Errorf("Set() error = %v, want env var hint", err)
	}
}

func TestCLIListJSON(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(map[string]string{"TODOSYNC_DOCSTORE_TOKEN": "tok"})
	var out bytes.Buffer
	h := NewCLIHandler(m, nil, &out)

	accounts := []Account{{Provider: "docstore", Username: "me"}, {Provider: "webdav", Username: "alice"}}
	if err := h.List(ctx, accounts, true); err != nil {
		t.Fatalf("List() error = %v", err)
	}

	var got []map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %q", out.String())
	}
	if len(got) != 2 || got[0]["has_credentials"] != true || got[0]["source"] != "environment" || got[1]["has_credentials"] != false {
		t.Errorf("List() = %v", got)
	}
}
