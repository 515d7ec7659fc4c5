package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldMap converts caller-facing camelCase keys (matching the Account
// struct's json tags in the account package) to SQL columns.
var fieldMap = map[string]colInfo{
	"id":                {"id", sqlStr},
	"email":             {"email", sqlStr},
	"status":            {"status", sqlStr},
	"errorMessage":      {"error_message", sqlStr},
	"errorCount":        {"error_count", sqlInt},
	"refreshToken":      {"refresh_token_enc", sqlStr},
	"accessToken":       {"access_token_enc", sqlStr},
	"expiresAt":         {"expires_at", sqlInt64},
	"projectId":         {"project_id", sqlStr},
	"tier":              {"tier", sqlStr},
	"instanceId":        {"instance_id", sqlStr},
	"deviceFingerprint": {"device_fingerprint", sqlStr},
	"sessionId":         {"session_id", sqlStr},
	"quotaRemaining":    {"quota_remaining", sqlFloat},
	"quotaResetTime":    {"quota_reset_time", sqlMsEpoch},
	"priority":          {"priority", sqlInt},
	"createdAt":         {"created_at", sqlTime},
	"lastUsedAt":        {"last_used_at", sqlTimeNullable},
	"lastRefreshAt":     {"last_refresh_at", sqlTimeNullable},
	"proxy":             {"proxy_json", sqlStr},
	"extInfo":           {"ext_info_json", sqlStr},
}

const accountCols = `id, email, status, error_message, error_count,
	refresh_token_enc, access_token_enc, expires_at,
	project_id, tier, instance_id, device_fingerprint, session_id,
	quota_remaining, quota_reset_time,
	priority, created_at, last_used_at, last_refresh_at, proxy_json, ext_info_json`

func scanAccountRow(scanner interface{ Scan(...any) error }) (map[string]string, error) {
	var (
		id, email, status, errMsg         string
		errCount                          int
		refreshEnc, accessEnc             string
		projectID, tier, instanceID       string
		deviceFP, sessionID               string
		quotaRemaining                    float64
		quotaResetTime                    sql.NullInt64
		priority                          int
		expiresAt, createdAt              int64
		lastUsedAt, lastRefreshAt         sql.NullInt64
		proxyJSON, extInfoJSON            string
	)
	err := scanner.Scan(
		&id, &email, &status, &errMsg, &errCount,
		&refreshEnc, &accessEnc, &expiresAt,
		&projectID, &tier, &instanceID, &deviceFP, &sessionID,
		&quotaRemaining, &quotaResetTime,
		&priority, &createdAt, &lastUsedAt, &lastRefreshAt, &proxyJSON, &extInfoJSON,
	)
	if err != nil {
		return nil, err
	}

	m := map[string]string{
		"id":                id,
		"email":             email,
		"status":            status,
		"errorMessage":      errMsg,
		"errorCount":        strconv.Itoa(errCount),
		"refreshToken":      refreshEnc,
		"accessToken":       accessEnc,
		"expiresAt":         strconv.FormatInt(expiresAt, 10),
		"projectId":         projectID,
		"tier":              tier,
		"instanceId":        instanceID,
		"deviceFingerprint": deviceFP,
		"sessionId":         sessionID,
		"quotaRemaining":    strconv.FormatFloat(quotaRemaining, 'f', -1, 64),
		"priority":          strconv.Itoa(priority),
		"createdAt":         time.Unix(createdAt, 0).UTC().Format(time.RFC3339),
		"proxy":             proxyJSON,
		"extInfo":           extInfoJSON,
	}
	setTimeField(m, "lastUsedAt", lastUsedAt)
	setTimeField(m, "lastRefreshAt", lastRefreshAt)
	if quotaResetTime.Valid {
		m["quotaResetTime"] = strconv.FormatInt(quotaResetTime.Int64*1000, 10)
	}
	return m, nil
}

func setTimeField(m map[string]string, key string, v sql.NullInt64) {
	if v.Valid && v.Int64 > 0 {
		m[key] = time.Unix(v.Int64, 0).UTC().Format(time.RFC3339)
	}
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (map[string]string, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountCols+" FROM accounts WHERE id = ?", id)
	m, err := scanAccountRow(row)
	if err == sql.ErrNoRows {
		return map[string]string{}, nil
	}
	return m, err
}

func (s *SQLiteStore) SetAccount(ctx context.Context, id string, fields map[string]string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM accounts WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return s.insertAccount(ctx, id, fields)
	}
	if err != nil {
		return err
	}
	return s.SetAccountFields(ctx, id, fields)
}

func (s *SQLiteStore) insertAccount(ctx context.Context, id string, fields map[string]string) error {
	cols := []string{"id"}
	vals := []interface{}{id}

	for key, val := range fields {
		if key == "id" {
			continue
		}
		info, ok := fieldMap[key]
		if !ok {
			continue
		}
		cols = append(cols, info.col)
		vals = append(vals, info.conv(val))
	}

	hasCreatedAt := false
	for _, c := range cols {
		if c == "created_at" {
			hasCreatedAt = true
			break
		}
	}
	if !hasCreatedAt {
		cols = append(cols, "created_at")
		vals = append(vals, time.Now().Unix())
	}

	placeholders := strings.Repeat("?,", len(cols))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf("INSERT INTO accounts (%s) VALUES (%s)", strings.Join(cols, ", "), placeholders)
	_, err := s.db.ExecContext(ctx, query, vals...)
	return err
}

func (s *SQLiteStore) SetAccountFields(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	var sets []string
	var vals []interface{}
	for key, val := range fields {
		info, ok := fieldMap[key]
		if !ok {
			continue
		}
		sets = append(sets, info.col+" = ?")
		vals = append(vals, info.conv(val))
	}
	if len(sets) == 0 {
		return nil
	}
	vals = append(vals, id)
	query := fmt.Sprintf("UPDATE accounts SET %s WHERE id = ?", strings.Join(sets, ", "))
	_, err := s.db.ExecContext(ctx, query, vals...)
	return err
}

// DeleteAccount removes an account and, per invariant I4, nulls the
// account_id foreign key on its attempt-log rows (ON DELETE of the FK-less
// log table is handled explicitly since logs must outlive the account for
// 24h retention) and cascades the delete to its per-model quota rows (which
// do carry an ON DELETE CASCADE foreign key).
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE request_attempt_logs SET account_id = NULL WHERE account_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM accounts")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
