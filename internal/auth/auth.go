// Package auth implements the downstream client and admin-surface
// authentication contract (§6): a configured API key (or, failing that, the
// admin password) for chat routes, and the admin password alone for the
// admin surface.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/devanenWl/antigravity-gateway/internal/account"
	"github.com/devanenWl/antigravity-gateway/internal/store"
)

type contextKey string

const KeyInfoKey contextKey = "keyInfo"

// KeyInfo is attached to the request context after authentication.
type KeyInfo struct {
	ID      string
	Name    string
	IsAdmin bool
}

// Middleware validates downstream API keys against the configured API key,
// the admin password fallback, and the per-user token store.
type Middleware struct {
	apiKey        string
	adminPassword string
	store         store.Store
	crypto        *account.Crypto
}

func NewMiddleware(apiKey, adminPassword string, s store.Store, crypto *account.Crypto) *Middleware {
	return &Middleware{apiKey: apiKey, adminPassword: adminPassword, store: s, crypto: crypto}
}

// Authenticate is the downstream chat-route middleware (§6: Bearer API_KEY,
// x-api-key, x-goog-api-key, anthropic-api-key; ADMIN_PASSWORD accepted when
// API_KEY is unset).
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing API key")
			return
		}

		keyInfo, err := m.validateToken(r.Context(), token)
		if err != nil {
			slog.Warn("auth failed", "error", err)
			writeError(w, http.StatusUnauthorized, "authentication_error", err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), KeyInfoKey, keyInfo)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminAuthenticate is the admin-surface middleware: bearer ADMIN_PASSWORD
// only (§6).
func (m *Middleware) AdminAuthenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if m.adminPassword == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.adminPassword)) != 1 {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid admin credentials")
			return
		}
		ctx := context.WithValue(r.Context(), KeyInfoKey, &KeyInfo{ID: "admin", Name: "admin", IsAdmin: true})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) validateToken(ctx context.Context, token string) (*KeyInfo, error) {
	if m.apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(m.apiKey)) == 1 {
		return &KeyInfo{ID: "configured", Name: "api-key"}, nil
	}
	if m.apiKey == "" && m.adminPassword != "" && subtle.ConstantTimeCompare([]byte(token), []byte(m.adminPassword)) == 1 {
		return &KeyInfo{ID: "admin", Name: "admin", IsAdmin: true}, nil
	}

	hashHex := m.crypto.HashAPIKey(token)

	user, err := m.store.GetUserByTokenHash(ctx, hashHex)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("invalid API key")
	}
	if user.Status != "active" {
		return nil, fmt.Errorf("user %s is %s", user.Name, user.Status)
	}

	go m.store.UpdateUserLastActive(context.Background(), user.ID)

	return &KeyInfo{ID: user.ID, Name: user.Name}, nil
}

// --- Helpers ---

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key
	}
	if key := r.Header.Get("anthropic-api-key"); key != "" {
		return key
	}
	return bearerToken(r)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func GetKeyInfo(ctx context.Context) *KeyInfo {
	v, _ := ctx.Value(KeyInfoKey).(*KeyInfo)
	return v
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
