// Package retry is the retry orchestrator (C6, §4.6): two strategies layered
// over a shared account-pool/error-classification core. Capacity-retry
// serves light calls (countTokens and similar); full-retry serves chat
// completions, where a single account is worth retrying on before the
// orchestrator gives up and switches.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
	"github.com/devanenWl/antigravity-gateway/internal/config"
	"github.com/devanenWl/antigravity-gateway/internal/relayerr"
	"github.com/devanenWl/antigravity-gateway/internal/store"
)

// Pool is the subset of internal/pool's API the orchestrator drives.
// Narrowed to an interface so orchestrator tests can fake account selection
// without a real account store.
type Pool interface {
	GetNextAccount(ctx context.Context, model string, excludeAccountIDs []string) (*account.Account, string, error)
	UnlockAccount(accountID string)
	MarkAccountSuccess(ctx context.Context, accountID, selectionKey string)
	MarkAccountError(ctx context.Context, accountID string, err error)
	MarkCapacityLimited(accountID, selectionKey string, err error)
	MarkCapacityRecovered(accountID, selectionKey string)
	GetAvailableAccountCount(ctx context.Context, model string) int
}

// TokenRefresher supplies the access token for an attempt. EnsureValidToken
// is the common path: it only refreshes when the cached token is missing or
// within cfg.TokenRefreshAdvance of expiry (C3, §4.3/I2). ForceRefreshToken
// bypasses that check entirely and is reserved for the explicit auth-error
// recovery branch in attemptOnAccount, where the cached token is already
// known to be rejected by upstream.
type TokenRefresher interface {
	EnsureValidToken(ctx context.Context, accountID string) (string, error)
	ForceRefreshToken(ctx context.Context, accountID string) (string, error)
}

// Orchestrator wires the account pool, token refresher, and attempt log
// behind the two retry strategies.
type Orchestrator struct {
	pool   Pool
	tokens TokenRefresher
	store  store.Store
	cfg    *config.Config
}

func New(pool Pool, tokens TokenRefresher, s store.Store, cfg *config.Config) *Orchestrator {
	return &Orchestrator{pool: pool, tokens: tokens, store: s, cfg: cfg}
}

// Call performs one upstream call using acct and a freshly ensured
// accessToken, returning the classified relayerr type on failure.
type Call[T any] func(ctx context.Context, acct *account.Account, accessToken string) (T, error)

type attemptRecorder struct {
	o              *Orchestrator
	requestID      string
	model          string
	attemptNo      int
	accountAttempt int
}

func (r *attemptRecorder) record(ctx context.Context, acct *account.Account, sameRetry bool, started time.Time, status, errMsg string) {
	r.attemptNo++
	r.accountAttempt++
	accountID := ""
	if acct != nil {
		accountID = acct.ID
	}
	a := &store.RequestAttempt{
		RequestID:      r.requestID,
		AccountID:      accountID,
		Model:          r.model,
		AttemptNo:      r.attemptNo,
		AccountAttempt: r.accountAttempt,
		SameRetry:      sameRetry,
		Status:         status,
		LatencyMs:      time.Since(started).Milliseconds(),
		ErrorMessage:   errMsg,
		StartedAt:      started,
	}
	if err := r.o.store.InsertAttempt(ctx, a); err != nil {
		// Attempt logging is best-effort observability, never fatal to the
		// request path.
		_ = err
	}
}

func (r *attemptRecorder) resetAccountAttempt() { r.accountAttempt = 0 }

// tryOnce runs call against acct with a validity-checked token, recording
// the attempt either way. This only forces a network refresh when the
// cached token is missing or close to expiry (EnsureValidToken); a fresh
// forced refresh is only ever triggered explicitly, from the auth-error
// recovery branch in attemptOnAccount.
func tryOnce[T any](ctx context.Context, o *Orchestrator, rec *attemptRecorder, acct *account.Account, sameRetry bool, call Call[T]) (T, error) {
	var zero T
	started := time.Now()

	token, err := o.tokens.EnsureValidToken(ctx, acct.ID)
	if err != nil {
		rec.record(ctx, acct, sameRetry, started, "error", err.Error())
		var authErr *relayerr.AuthError
		if errors.As(err, &authErr) {
			// Already a classified auth error (e.g. refresh-invalid); keep it
			// intact so the terminal subtype survives to the caller.
			return zero, authErr
		}
		return zero, &relayerr.AuthError{Message: "token unavailable: " + err.Error(), Cause: err}
	}

	result, err := call(ctx, acct, token)
	if err != nil {
		status := "error"
		if errors.Is(ctx.Err(), context.Canceled) {
			status = "aborted"
		}
		rec.record(ctx, acct, sameRetry, started, status, err.Error())
		return zero, err
	}

	rec.record(ctx, acct, sameRetry, started, "success", "")
	return result, nil
}

// CapacityRetry implements §4.6's capacity-retry strategy for light calls
// (countTokens and similar): one new account per attempt, up to
// maxRetries+2 attempts, reusing the same account only when the error is
// the server-capacity-exhausted subtype (switching wouldn't help there
// either, but a fresh attempt after the parsed delay sometimes succeeds).
func CapacityRetry[T any](ctx context.Context, o *Orchestrator, requestID, model string, call Call[T]) (T, error) {
	var zero T
	rec := &attemptRecorder{o: o, requestID: requestID, model: model}
	maxAttempts := o.cfg.SameAccountRetries + 2

	var exclude []string
	var acct *account.Account
	var selectionKey string
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sameAccount := acct != nil && lastErr != nil && relayerr.IsServerWideCapacity(lastErr)

		if !sameAccount {
			if acct != nil {
				o.pool.UnlockAccount(acct.ID)
			}
			var err error
			acct, selectionKey, err = o.pool.GetNextAccount(ctx, model, exclude)
			if err != nil {
				return zero, err
			}
			rec.resetAccountAttempt()
		}

		if lastErr != nil {
			if delay := retryDelay(o.cfg.UpstreamCapacityRetryDelay, attempt, lastErr); delay > 0 {
				select {
				case <-ctx.Done():
					o.pool.UnlockAccount(acct.ID)
					return zero, &relayerr.CanceledError{Cause: ctx.Err()}
				case <-time.After(delay):
				}
			}
		}

		result, err := tryOnce(ctx, o, rec, acct, sameAccount, call)
		if err == nil {
			o.pool.MarkAccountSuccess(ctx, acct.ID, selectionKey)
			o.pool.UnlockAccount(acct.ID)
			return result, nil
		}

		lastErr = err
		classifyFailure(ctx, o, acct, selectionKey, err)

		if !relayerr.IsRetryable(err) {
			o.pool.UnlockAccount(acct.ID)
			return zero, err
		}
		if !sameAccount {
			exclude = append(exclude, acct.ID)
		}
	}

	o.pool.UnlockAccount(acct.ID)
	return zero, fmt.Errorf("capacity-retry exhausted %d attempts: %w", maxAttempts, lastErr)
}

// retryDelay resolves §4.6's "parsed(reset after) ∪ baseDelay·attempt" rule.
func retryDelay(baseDelay time.Duration, attempt int, err error) time.Duration {
	if ms := relayerr.RetryAfterMs(err); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return baseDelay * time.Duration(attempt)
}

// FullRetry implements §4.6's full-retry strategy for chat: up to
// sameAccountRetries+1 calls per selected account (a capacity error is
// retried on the same account only for the server-capacity-exhausted
// subtype; other retryable non-capacity errors are also retried on the same
// account up to that cap), switching accounts on give-up
// until totalTimeoutMs elapses or no eligible account remains. A single
// forced token refresh is attempted on a 401-class auth error before
// deciding whether the same account can recover.
func FullRetry[T any](ctx context.Context, o *Orchestrator, requestID, model string, call Call[T]) (T, error) {
	var zero T
	rec := &attemptRecorder{o: o, requestID: requestID, model: model}

	deadline := time.Now().Add(o.cfg.RetryTotalTimeout)
	var exclude []string
	var lastErr error
	switches := 0
	maxSwitches := o.pool.GetAvailableAccountCount(ctx, model)

	for {
		if time.Now().After(deadline) {
			return zero, fmt.Errorf("retry total timeout exceeded: %w", lastErr)
		}
		if switches > 0 && switches > maxSwitches {
			return zero, fmt.Errorf("no more eligible accounts to switch to: %w", lastErr)
		}

		acct, selectionKey, err := o.pool.GetNextAccount(ctx, model, exclude)
		if err != nil {
			return zero, err
		}
		rec.resetAccountAttempt()

		result, err := attemptOnAccount(ctx, o, rec, acct, selectionKey, call)
		if err == nil {
			o.pool.MarkAccountSuccess(ctx, acct.ID, selectionKey)
			o.pool.UnlockAccount(acct.ID)
			return result, nil
		}

		lastErr = err
		o.pool.UnlockAccount(acct.ID)
		classifyFailure(ctx, o, acct, selectionKey, err)

		if !relayerr.IsRetryable(err) {
			return zero, err
		}
		exclude = append(exclude, acct.ID)
		switches++
	}
}

// attemptOnAccount runs the same-account retry loop for one selected
// account: up to sameAccountRetries+1 calls, same-account retry of a
// capacity error gated to the server-capacity-exhausted subtype, retryable
// non-capacity errors retried on the same account, and one forced-refresh
// recovery attempt on an auth error.
func attemptOnAccount[T any](ctx context.Context, o *Orchestrator, rec *attemptRecorder, acct *account.Account, selectionKey string, call Call[T]) (T, error) {
	var zero T
	maxCalls := o.cfg.SameAccountRetries + 1
	refreshedOnce := false

	var lastErr error
	for i := 0; i < maxCalls; i++ {
		sameRetry := i > 0
		result, err := tryOnce(ctx, o, rec, acct, sameRetry, call)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if relayerr.IsAuth(err) {
			if relayerr.IsRefreshInvalid(err) {
				o.pool.MarkAccountError(ctx, acct.ID, err)
				return zero, err
			}
			if refreshedOnce {
				o.pool.MarkAccountError(ctx, acct.ID, err)
				return zero, err
			}
			refreshedOnce = true
			if _, refreshErr := o.tokens.ForceRefreshToken(ctx, acct.ID); refreshErr != nil {
				o.pool.MarkAccountError(ctx, acct.ID, err)
				return zero, err
			}
			continue // retry the same account once, token now fresh
		}

		if !relayerr.IsRetryable(err) {
			return zero, err
		}
		if !relayerr.IsServerWideCapacity(err) && !relayerr.IsCapacity(err) {
			// Non-capacity, retryable-in-principle error: count against the
			// account but don't keep hammering it beyond the configured cap.
			continue
		}
		if !relayerr.IsServerWideCapacity(err) {
			// Ordinary capacity error: give up on this account, let the
			// caller switch (same-account retry is reserved for the
			// server-capacity-exhausted subtype).
			return zero, err
		}
		// server-capacity-exhausted: retry the same account again.
	}

	return zero, lastErr
}

// classifyFailure applies the pool's bookkeeping for a failed attempt:
// capacity cooldowns vs. plain error counting.
func classifyFailure(ctx context.Context, o *Orchestrator, acct *account.Account, selectionKey string, err error) {
	if relayerr.IsCapacity(err) {
		o.pool.MarkCapacityLimited(acct.ID, selectionKey, err)
		return
	}
	if relayerr.IsAuth(err) {
		o.pool.MarkAccountError(ctx, acct.ID, err)
		return
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		o.pool.MarkAccountError(ctx, acct.ID, err)
	}
}
