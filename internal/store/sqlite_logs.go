package store

import (
	"context"
	"time"
)

// ---------------------------------------------------------------------------
// Attempt log (§3 RequestAttempt, P8 attempt-log completeness)
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertAttempt(ctx context.Context, a *RequestAttempt) error {
	var accountID interface{}
	if a.AccountID != "" {
		accountID = a.AccountID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_attempt_logs
			(request_id, account_id, model, attempt_no, account_attempt, same_retry,
			 status, latency_ms, error_message, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RequestID, accountID, a.Model, a.AttemptNo, a.AccountAttempt, boolInt(a.SameRetry),
		a.Status, a.LatencyMs, a.ErrorMessage, a.StartedAt.Unix(), time.Now().Unix())
	return err
}

func (s *SQLiteStore) CountAttemptsForRequest(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM request_attempt_logs WHERE request_id = ?", requestID).Scan(&n)
	return n, err
}

// PurgeOldAttempts enforces the 24h retention window (§3).
func (s *SQLiteStore) PurgeOldAttempts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_attempt_logs WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
