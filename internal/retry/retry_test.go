package retry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
	"github.com/devanenWl/antigravity-gateway/internal/config"
	"github.com/devanenWl/antigravity-gateway/internal/relayerr"
	"github.com/devanenWl/antigravity-gateway/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		SameAccountRetries:         1,
		UpstreamCapacityRetryDelay: time.Millisecond,
		RetryTotalTimeout:          time.Minute,
	}
}

// fakePool hands out accounts from a fixed queue, in order, ignoring the
// exclude list: each test arranges the queue to match how many times it
// expects GetNextAccount to be called.
type fakePool struct {
	queue []*account.Account

	unlocked        []string
	succeeded       []string
	errored         []string
	capacityLimited []string
	recovered       []string
	availableCount  int
}

func (f *fakePool) GetNextAccount(ctx context.Context, model string, exclude []string) (*account.Account, string, error) {
	if len(f.queue) == 0 {
		return nil, "", errors.New("fakePool: no more accounts queued")
	}
	a := f.queue[0]
	f.queue = f.queue[1:]
	return a, "group:flash", nil
}

func (f *fakePool) UnlockAccount(accountID string) { f.unlocked = append(f.unlocked, accountID) }
func (f *fakePool) MarkAccountSuccess(ctx context.Context, accountID, selectionKey string) {
	f.succeeded = append(f.succeeded, accountID)
}
func (f *fakePool) MarkAccountError(ctx context.Context, accountID string, err error) {
	f.errored = append(f.errored, accountID)
}
func (f *fakePool) MarkCapacityLimited(accountID, selectionKey string, err error) {
	f.capacityLimited = append(f.capacityLimited, accountID)
}
func (f *fakePool) MarkCapacityRecovered(accountID, selectionKey string) {
	f.recovered = append(f.recovered, accountID)
}
func (f *fakePool) GetAvailableAccountCount(ctx context.Context, model string) int {
	return f.availableCount
}

// fakeTokens implements TokenRefresher. ensureErr lets a specific account
// fail the cheap EnsureValidToken path; forceRefreshErr/forceRefreshCalls
// let tests observe and control the explicit auth-recovery path.
type fakeTokens struct {
	ensureErr        map[string]error
	forceRefreshErr  error
	forceRefreshCalls int
}

func (f *fakeTokens) EnsureValidToken(ctx context.Context, accountID string) (string, error) {
	if err, ok := f.ensureErr[accountID]; ok {
		return "", err
	}
	return "tok-" + accountID, nil
}

func (f *fakeTokens) ForceRefreshToken(ctx context.Context, accountID string) (string, error) {
	f.forceRefreshCalls++
	if f.forceRefreshErr != nil {
		return "", f.forceRefreshErr
	}
	return "tok-" + accountID + "-fresh", nil
}

// step describes one tryOnce outcome; sequencer() returns a Call[int] that
// walks through a fixed list of steps in call order.
type step struct {
	result int
	err    error
}

func sequencer(t *testing.T, steps []step) Call[int] {
	t.Helper()
	idx := 0
	return func(ctx context.Context, acct *account.Account, accessToken string) (int, error) {
		if idx >= len(steps) {
			t.Fatalf("sequencer: call %d exceeds the %d configured steps", idx+1, len(steps))
		}
		s := steps[idx]
		idx++
		return s.result, s.err
	}
}

func acct(id string) *account.Account { return &account.Account{ID: id} }

func TestCapacityRetrySucceedsOnFirstAccount(t *testing.T) {
	ctx := context.Background()
	pool := &fakePool{queue: []*account.Account{acct("a1")}}
	o := New(pool, &fakeTokens{}, newTestStore(t), testConfig())

	result, err := CapacityRetry(ctx, o, "req-1", "gemini-2.5-flash", sequencer(t, []step{{result: 42}}))
	if err != nil {
		t.Fatalf("CapacityRetry: %v", err)
	}
	if result != 42 {
		t.Fatalf("expected 42, got %d", result)
	}
	if len(pool.succeeded) != 1 || pool.succeeded[0] != "a1" {
		t.Fatalf("expected a1 marked successful, got %v", pool.succeeded)
	}
	if len(pool.unlocked) != 1 || pool.unlocked[0] != "a1" {
		t.Fatalf("expected a1 unlocked, got %v", pool.unlocked)
	}
}

func TestCapacityRetrySwitchesAccountAfterRetryableError(t *testing.T) {
	ctx := context.Background()
	pool := &fakePool{queue: []*account.Account{acct("a1"), acct("a2")}}
	o := New(pool, &fakeTokens{}, newTestStore(t), testConfig())

	capErr := &relayerr.CapacityError{Message: "exhausted your capacity on this model"}
	result, err := CapacityRetry(ctx, o, "req-1", "gemini-2.5-flash", sequencer(t, []step{
		{err: capErr},
		{result: 7},
	}))
	if err != nil {
		t.Fatalf("CapacityRetry: %v", err)
	}
	if result != 7 {
		t.Fatalf("expected 7, got %d", result)
	}
	if len(pool.capacityLimited) != 1 || pool.capacityLimited[0] != "a1" {
		t.Fatalf("expected a1 capacity-limited, got %v", pool.capacityLimited)
	}
	if len(pool.succeeded) != 1 || pool.succeeded[0] != "a2" {
		t.Fatalf("expected a2 marked successful, got %v", pool.succeeded)
	}
}

func TestCapacityRetryNonRetryableStopsImmediately(t *testing.T) {
	ctx := context.Background()
	pool := &fakePool{queue: []*account.Account{acct("a1"), acct("a2")}}
	o := New(pool, &fakeTokens{}, newTestStore(t), testConfig())

	nonRetry := &relayerr.NonRetryableError{Code: "content_filter", Message: "blocked"}
	_, err := CapacityRetry(ctx, o, "req-1", "gemini-2.5-flash", sequencer(t, []step{{err: nonRetry}}))
	var nr *relayerr.NonRetryableError
	if !errors.As(err, &nr) {
		t.Fatalf("expected a NonRetryableError to surface, got %v", err)
	}
	// Only the first account should ever have been dispatched.
	if len(pool.queue) != 1 {
		t.Fatalf("expected the second account to remain unused, queue=%d", len(pool.queue))
	}
}

func TestCapacityRetryExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SameAccountRetries = 0 // maxAttempts = 2
	pool := &fakePool{queue: []*account.Account{acct("a1"), acct("a2")}}
	o := New(pool, &fakeTokens{}, newTestStore(t), cfg)

	capErr := &relayerr.CapacityError{Message: "resource has been exhausted"}
	_, err := CapacityRetry(ctx, o, "req-1", "gemini-2.5-flash", sequencer(t, []step{
		{err: capErr},
		{err: capErr},
	}))
	if err == nil {
		t.Fatal("expected an error once attempts are exhausted")
	}
	if !strings.Contains(err.Error(), "capacity-retry exhausted") {
		t.Fatalf("expected an exhaustion error, got %v", err)
	}
}

func TestFullRetrySameAccountRetriesOnServerWideCapacity(t *testing.T) {
	ctx := context.Background()
	pool := &fakePool{queue: []*account.Account{acct("a1")}}
	o := New(pool, &fakeTokens{}, newTestStore(t), testConfig())

	serverWide := &relayerr.CapacityError{Message: "server-capacity-exhausted, reset after 1s", ServerWide: true}
	result, err := FullRetry(ctx, o, "req-1", "gemini-2.5-flash", sequencer(t, []step{
		{err: serverWide},
		{result: 99},
	}))
	if err != nil {
		t.Fatalf("FullRetry: %v", err)
	}
	if result != 99 {
		t.Fatalf("expected 99, got %d", result)
	}
	// Same-account retry never calls GetNextAccount a second time.
	if len(pool.queue) != 0 {
		t.Fatalf("expected the single queued account to be reused, not re-fetched, queue=%d", len(pool.queue))
	}
	if len(pool.succeeded) != 1 || pool.succeeded[0] != "a1" {
		t.Fatalf("expected a1 marked successful, got %v", pool.succeeded)
	}
}

func TestFullRetrySwitchesAccountOnOrdinaryCapacityError(t *testing.T) {
	ctx := context.Background()
	pool := &fakePool{queue: []*account.Account{acct("a1"), acct("a2")}, availableCount: 1}
	o := New(pool, &fakeTokens{}, newTestStore(t), testConfig())

	capErr := &relayerr.CapacityError{Message: "exhausted your capacity on this model"}
	result, err := FullRetry(ctx, o, "req-1", "gemini-2.5-flash", sequencer(t, []step{
		{err: capErr},
		{result: 5},
	}))
	if err != nil {
		t.Fatalf("FullRetry: %v", err)
	}
	if result != 5 {
		t.Fatalf("expected 5, got %d", result)
	}
	if len(pool.capacityLimited) != 1 || pool.capacityLimited[0] != "a1" {
		t.Fatalf("expected a1 capacity-limited, got %v", pool.capacityLimited)
	}
	if len(pool.succeeded) != 1 || pool.succeeded[0] != "a2" {
		t.Fatalf("expected a2 to succeed after the switch, got %v", pool.succeeded)
	}
}

func TestFullRetryForcedRefreshRecoversAuthError(t *testing.T) {
	ctx := context.Background()
	pool := &fakePool{queue: []*account.Account{acct("a1")}}
	tokens := &fakeTokens{}
	o := New(pool, tokens, newTestStore(t), testConfig())

	authErr := &relayerr.AuthError{Message: "token expired"}
	result, err := FullRetry(ctx, o, "req-1", "gemini-2.5-flash", sequencer(t, []step{
		{err: authErr},
		{result: 11},
	}))
	if err != nil {
		t.Fatalf("FullRetry: %v", err)
	}
	if result != 11 {
		t.Fatalf("expected 11, got %d", result)
	}
	if tokens.forceRefreshCalls != 1 {
		t.Fatalf("expected exactly one forced refresh, got %d", tokens.forceRefreshCalls)
	}
	if len(pool.succeeded) != 1 || pool.succeeded[0] != "a1" {
		t.Fatalf("expected a1 to recover and succeed, got %v", pool.succeeded)
	}
}

func TestFullRetryRefreshInvalidNeverRetries(t *testing.T) {
	ctx := context.Background()
	pool := &fakePool{queue: []*account.Account{acct("a1")}}
	o := New(pool, &fakeTokens{}, newTestStore(t), testConfig())

	authErr := &relayerr.AuthError{Message: "invalid_grant", RefreshInvalid: true}
	_, err := FullRetry(ctx, o, "req-1", "gemini-2.5-flash", sequencer(t, []step{{err: authErr}}))
	var ae *relayerr.AuthError
	if !errors.As(err, &ae) || !ae.RefreshInvalid {
		t.Fatalf("expected the refresh-invalid auth error to surface unchanged, got %v", err)
	}
	if len(pool.errored) == 0 || pool.errored[0] != "a1" {
		t.Fatalf("expected a1 marked as errored, got %v", pool.errored)
	}
}

func TestFullRetryNoMoreAccountsToSwitchTo(t *testing.T) {
	ctx := context.Background()
	pool := &fakePool{queue: []*account.Account{acct("a1")}, availableCount: 0}
	o := New(pool, &fakeTokens{}, newTestStore(t), testConfig())

	capErr := &relayerr.CapacityError{Message: "exhausted your capacity on this model"}
	_, err := FullRetry(ctx, o, "req-1", "gemini-2.5-flash", sequencer(t, []step{{err: capErr}}))
	if err == nil || !strings.Contains(err.Error(), "no more eligible accounts") {
		t.Fatalf("expected the no-more-accounts error, got %v", err)
	}
}

func TestFullRetryDeadlineExceeded(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RetryTotalTimeout = -1 * time.Second // deadline already in the past
	pool := &fakePool{queue: []*account.Account{acct("a1")}}
	o := New(pool, &fakeTokens{}, newTestStore(t), cfg)

	_, err := FullRetry(ctx, o, "req-1", "gemini-2.5-flash", sequencer(t, nil))
	if err == nil || !strings.Contains(err.Error(), "retry total timeout exceeded") {
		t.Fatalf("expected a timeout error, got %v", err)
	}
	if len(pool.queue) != 1 {
		t.Fatalf("expected GetNextAccount to never be called, queue=%d", len(pool.queue))
	}
}
