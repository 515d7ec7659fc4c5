package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// bindingEntry holds session binding data in memory.
type bindingEntry struct {
	AccountID  string
	CreatedAt  string
	LastUsedAt string
}

// SQLiteStore implements Store using SQLite for durable rows and in-memory
// TTL maps for ephemeral data (sticky routing, bindings, stainless
// fingerprints, OAuth PKCE sessions). Refresh locks live in the account
// package's single-flight group, not here.
type SQLiteStore struct {
	db            *sql.DB
	sticky        *TTLMap[string]
	bindings      *TTLMap[bindingEntry]
	oauthSessions *TTLMap[string]
	stainless     sync.Map // accountID → headersJSON
	cleanupCancel context.CancelFunc
}

// New creates a SQLiteStore, initializes the schema, and starts background cleanup.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SQLiteStore{
		db:            db,
		sticky:        NewTTLMap[string](),
		bindings:      NewTTLMap[bindingEntry](),
		oauthSessions: NewTTLMap[string](),
		cleanupCancel: cancel,
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sticky.Cleanup()
				s.bindings.Cleanup()
				s.oauthSessions.Cleanup()
			}
		}
	}()

	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                    { s.cleanupCancel(); return s.db.Close() }

// ---------------------------------------------------------------------------
// Field mapping: camelCase caller key ↔ SQLite snake_case column
// ---------------------------------------------------------------------------

type colInfo struct {
	col  string
	conv func(string) interface{}
}

func sqlStr(s string) interface{}  { return s }
func sqlBool(s string) interface{} { return boolInt(s == "true") }
func sqlInt(s string) interface{}  { n, _ := strconv.Atoi(s); return n }
func sqlInt64(s string) interface{} {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
func sqlFloat(s string) interface{} {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// sqlMsEpoch converts a millisecond-epoch string to a second-epoch column value.
func sqlMsEpoch(s string) interface{} {
	n, _ := strconv.ParseInt(s, 10, 64)
	if n == 0 {
		return nil
	}
	return n / 1000
}

func sqlTime(s string) interface{} {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().Unix()
	}
	return t.Unix()
}

func sqlTimeNullable(s string) interface{} {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return t.Unix()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolStr(v int) string {
	if v != 0 {
		return "true"
	}
	return "false"
}

// ---------------------------------------------------------------------------
// Sticky routing (in-memory)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetStickyRoute(_ context.Context, selectionKey string) (string, error) {
	v, ok := s.sticky.Get(selectionKey)
	if !ok {
		return "", nil
	}
	return v, nil
}

func (s *SQLiteStore) SetStickyRoute(_ context.Context, selectionKey, accountID string, ttl time.Duration) error {
	s.sticky.Set(selectionKey, accountID, ttl)
	return nil
}

func (s *SQLiteStore) ClearStickyRoute(_ context.Context, selectionKey string) error {
	s.sticky.Delete(selectionKey)
	return nil
}

// ---------------------------------------------------------------------------
// Session binding (in-memory)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetSessionBinding(_ context.Context, sessionUUID string) (map[string]string, error) {
	e, ok := s.bindings.Get(sessionUUID)
	if !ok {
		return nil, nil
	}
	return map[string]string{
		"accountId":  e.AccountID,
		"createdAt":  e.CreatedAt,
		"lastUsedAt": e.LastUsedAt,
	}, nil
}

func (s *SQLiteStore) SetSessionBinding(_ context.Context, sessionUUID, accountID string, ttl time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339)
	s.bindings.Set(sessionUUID, bindingEntry{
		AccountID:  accountID,
		CreatedAt:  now,
		LastUsedAt: now,
	}, ttl)
	return nil
}

func (s *SQLiteStore) RenewSessionBinding(_ context.Context, sessionUUID string, ttl time.Duration) error {
	s.bindings.Update(sessionUUID, func(e *bindingEntry) {
		e.LastUsedAt = time.Now().UTC().Format(time.RFC3339)
	}, ttl)
	return nil
}

// ---------------------------------------------------------------------------
// Stainless headers (in-memory, permanent)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetStainlessHeaders(_ context.Context, accountID string) (string, error) {
	v, ok := s.stainless.Load(accountID)
	if !ok {
		return "", nil
	}
	return v.(string), nil
}

func (s *SQLiteStore) SetStainlessHeadersNX(_ context.Context, accountID, headersJSON string) (bool, error) {
	_, loaded := s.stainless.LoadOrStore(accountID, headersJSON)
	return !loaded, nil
}

// ---------------------------------------------------------------------------
// OAuth session (in-memory with TTL)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SetOAuthSession(_ context.Context, sessionID, data string, ttl time.Duration) error {
	s.oauthSessions.Set(sessionID, data, ttl)
	return nil
}

func (s *SQLiteStore) GetDelOAuthSession(_ context.Context, sessionID string) (string, error) {
	v, ok := s.oauthSessions.GetAndDelete(sessionID)
	if !ok {
		return "", fmt.Errorf("invalid or expired session")
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Settings (durable, reread on demand)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}
