// Package store is the persistence boundary: typed accessors over the
// account, per-model-quota, and attempt-log tables (SQL-backed), plus the
// ephemeral in-memory state (sticky routing, session bindings, stainless
// headers, OAuth sessions) that never needs to survive a restart.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the gateway. Account field maps use
// camelCase keys; SQLiteStore converts them to snake_case columns via the
// fieldMap table in sqlite_accounts.go.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Account operations.
	GetAccount(ctx context.Context, id string) (map[string]string, error)
	SetAccount(ctx context.Context, id string, fields map[string]string) error
	SetAccountFields(ctx context.Context, id string, fields map[string]string) error
	DeleteAccount(ctx context.Context, id string) error
	ListAccountIDs(ctx context.Context) ([]string, error)

	// Per-account, per-model quota snapshot (§3 AccountModelQuota).
	GetAccountModelQuota(ctx context.Context, accountID, model string) (*AccountModelQuota, error)
	ListAccountModelQuotas(ctx context.Context, accountID string) ([]*AccountModelQuota, error)
	SetAccountModelQuota(ctx context.Context, q *AccountModelQuota) error

	// Sticky routing (in-memory with TTL).
	GetStickyRoute(ctx context.Context, selectionKey string) (string, error)
	SetStickyRoute(ctx context.Context, selectionKey, accountID string, ttl time.Duration) error
	ClearStickyRoute(ctx context.Context, selectionKey string) error

	// Session binding (in-memory with TTL) — ties a downstream session UUID
	// to an account for the lifetime of a conversation.
	GetSessionBinding(ctx context.Context, sessionUUID string) (map[string]string, error)
	SetSessionBinding(ctx context.Context, sessionUUID, accountID string, ttl time.Duration) error
	RenewSessionBinding(ctx context.Context, sessionUUID string, ttl time.Duration) error

	// Stainless SDK header fingerprint (in-memory, permanent until restart).
	GetStainlessHeaders(ctx context.Context, accountID string) (string, error)
	SetStainlessHeadersNX(ctx context.Context, accountID, headersJSON string) (bool, error)

	// OAuth PKCE session (in-memory with TTL).
	SetOAuthSession(ctx context.Context, sessionID, data string, ttl time.Duration) error
	GetDelOAuthSession(ctx context.Context, sessionID string) (string, error)

	// Operator-tunable settings (per-group thresholds etc.), reread on demand.
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	// Admin-surface API users.
	CreateUser(ctx context.Context, u *User) error
	GetUserByTokenHash(ctx context.Context, tokenHash string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	DeleteUser(ctx context.Context, id string) error
	UpdateUserStatus(ctx context.Context, id, status string) error
	UpdateUserLastActive(ctx context.Context, id string) error

	// Attempt log (§3 RequestAttempt, P8).
	InsertAttempt(ctx context.Context, a *RequestAttempt) error
	CountAttemptsForRequest(ctx context.Context, requestID string) (int, error)
	PurgeOldAttempts(ctx context.Context, before time.Time) (int64, error)
}

// AccountModelQuota is a per-account, per-model quota snapshot.
type AccountModelQuota struct {
	AccountID       string
	Model           string
	QuotaRemaining  float64
	QuotaResetTime  *time.Time
	UpdatedAt       time.Time
}

// User represents an admin-managed API user with a hashed bearer token.
type User struct {
	ID           string
	Name         string
	TokenHash    string
	TokenPrefix  string
	Status       string
	CreatedAt    time.Time
	LastActiveAt *time.Time
}

// RequestAttempt is one row per upstream call, retries included (§3, P8).
type RequestAttempt struct {
	ID             int64
	RequestID      string
	AccountID      string // empty once the owning account has been deleted (I4)
	Model          string
	AttemptNo      int
	AccountAttempt int
	SameRetry      bool
	Status         string // success, error, aborted
	LatencyMs      int64
	ErrorMessage   string
	StartedAt      time.Time
	CreatedAt      time.Time
}
