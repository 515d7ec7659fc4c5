package store

import (
	"context"
	"database/sql"
	"time"
)

// ---------------------------------------------------------------------------
// AccountModelQuota (§3) — per-account, per-model quota snapshot.
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetAccountModelQuota(ctx context.Context, accountID, model string) (*AccountModelQuota, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT account_id, model, quota_remaining, quota_reset_time, updated_at
		 FROM account_model_quotas WHERE account_id = ? AND model = ?`, accountID, model)
	return scanModelQuota(row)
}

func (s *SQLiteStore) ListAccountModelQuotas(ctx context.Context, accountID string) ([]*AccountModelQuota, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, model, quota_remaining, quota_reset_time, updated_at
		 FROM account_model_quotas WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*AccountModelQuota
	for rows.Next() {
		q, err := scanModelQuota(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

// SetAccountModelQuota clamps QuotaRemaining to [0,1] (I3) before writing.
func (s *SQLiteStore) SetAccountModelQuota(ctx context.Context, q *AccountModelQuota) error {
	remaining := q.QuotaRemaining
	if remaining < 0 {
		remaining = 0
	}
	if remaining > 1 {
		remaining = 1
	}
	var resetTime interface{}
	if q.QuotaResetTime != nil {
		resetTime = q.QuotaResetTime.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_model_quotas (account_id, model, quota_remaining, quota_reset_time, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(account_id, model) DO UPDATE SET
		   quota_remaining = excluded.quota_remaining,
		   quota_reset_time = excluded.quota_reset_time,
		   updated_at = excluded.updated_at`,
		q.AccountID, q.Model, remaining, resetTime, time.Now().Unix())
	return err
}

func scanModelQuota(scanner interface{ Scan(...any) error }) (*AccountModelQuota, error) {
	var (
		accountID, model string
		remaining        float64
		resetTime        sql.NullInt64
		updatedAt        int64
	)
	err := scanner.Scan(&accountID, &model, &remaining, &resetTime, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	q := &AccountModelQuota{
		AccountID:      accountID,
		Model:          model,
		QuotaRemaining: remaining,
		UpdatedAt:      time.Unix(updatedAt, 0).UTC(),
	}
	if resetTime.Valid {
		t := time.Unix(resetTime.Int64, 0).UTC()
		q.QuotaResetTime = &t
	}
	return q, nil
}
