package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
	"github.com/devanenWl/antigravity-gateway/internal/store"
)

var testCrypto = account.NewCrypto("test-encryption-key")

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticateMissingToken(t *testing.T) {
	m := NewMiddleware("secret-key", "admin-pass", newTestStore(t), testCrypto)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	m.Authenticate(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", rec.Code)
	}
}

func TestAuthenticateConfiguredAPIKey(t *testing.T) {
	m := NewMiddleware("secret-key", "admin-pass", newTestStore(t), testCrypto)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec := httptest.NewRecorder()

	m.Authenticate(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the configured API key, got %d", rec.Code)
	}
}

func TestAuthenticateAcceptsAltHeaders(t *testing.T) {
	m := NewMiddleware("secret-key", "admin-pass", newTestStore(t), testCrypto)

	for _, header := range []string{"x-api-key", "x-goog-api-key", "anthropic-api-key"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		req.Header.Set(header, "secret-key")
		rec := httptest.NewRecorder()

		m.Authenticate(okHandler()).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 via header %q, got %d", header, rec.Code)
		}
	}
}

func TestAuthenticateAdminPasswordFallbackOnlyWithoutAPIKey(t *testing.T) {
	withAPIKey := NewMiddleware("secret-key", "admin-pass", newTestStore(t), testCrypto)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer admin-pass")
	rec := httptest.NewRecorder()
	withAPIKey.Authenticate(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("admin password should not authenticate chat routes once an API key is configured, got %d", rec.Code)
	}

	noAPIKey := NewMiddleware("", "admin-pass", newTestStore(t), testCrypto)
	req2 := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req2.Header.Set("Authorization", "Bearer admin-pass")
	rec2 := httptest.NewRecorder()
	noAPIKey.Authenticate(okHandler()).ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("admin password should authenticate chat routes when no API key is configured, got %d", rec2.Code)
	}
}

func TestAuthenticateUserToken(t *testing.T) {
	s := newTestStore(t)
	m := NewMiddleware("secret-key", "admin-pass", s, testCrypto)

	rawToken := "sk-relay-usertoken"
	if err := s.CreateUser(context.Background(), &store.User{
		ID:        "user-1",
		Name:      "alice",
		TokenHash: testCrypto.HashAPIKey(rawToken),
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer "+rawToken)
	rec := httptest.NewRecorder()

	m.Authenticate(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a valid user token, got %d", rec.Code)
	}
}

func TestAuthenticateDisabledUserToken(t *testing.T) {
	s := newTestStore(t)
	m := NewMiddleware("secret-key", "admin-pass", s, testCrypto)

	rawToken := "sk-relay-disabled"
	if err := s.CreateUser(context.Background(), &store.User{
		ID:        "user-2",
		Name:      "bob",
		TokenHash: testCrypto.HashAPIKey(rawToken),
		Status:    "disabled",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer "+rawToken)
	rec := httptest.NewRecorder()

	m.Authenticate(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a disabled user's token, got %d", rec.Code)
	}
}

func TestAdminAuthenticate(t *testing.T) {
	m := NewMiddleware("secret-key", "admin-pass", newTestStore(t), testCrypto)

	good := httptest.NewRequest(http.MethodGet, "/admin/accounts", nil)
	good.Header.Set("Authorization", "Bearer admin-pass")
	rec := httptest.NewRecorder()
	m.AdminAuthenticate(okHandler()).ServeHTTP(rec, good)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the admin password, got %d", rec.Code)
	}

	bad := httptest.NewRequest(http.MethodGet, "/admin/accounts", nil)
	bad.Header.Set("Authorization", "Bearer secret-key")
	rec2 := httptest.NewRecorder()
	m.AdminAuthenticate(okHandler()).ServeHTTP(rec2, bad)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("the downstream API key must not work on admin routes, got %d", rec2.Code)
	}
}
