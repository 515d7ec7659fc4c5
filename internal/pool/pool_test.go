package pool

import (
	"context"
	"errors"
	"path/filepath"
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
		ErrorCountToDisable:     3,
		MaxConcurrentPerAccount: 0,
		CapacityCooldownDefault: 30 * time.Second,
		CapacityCooldownMax:     10 * time.Minute,
	}
}

// fakeTokens lets individual accounts be made to fail EnsureValidToken.
type fakeTokens struct {
	fail map[string]bool
}

func (f *fakeTokens) EnsureValidToken(ctx context.Context, accountID string) (string, error) {
	if f.fail[accountID] {
		return "", errors.New("refresh failed")
	}
	return "tok-" + accountID, nil
}

// seedAccount creates an active account with a per-model quota row for
// "gemini-2.5-flash" (GroupFlash, a group selection key).
func seedAccount(t *testing.T, ctx context.Context, s *store.SQLiteStore, as *account.AccountStore, email string, quota float64) *account.Account {
	t.Helper()
	a, err := as.Create(ctx, email, "refresh-"+email, nil, 50)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := as.Update(ctx, a.ID, map[string]string{"status": "active"}); err != nil {
		t.Fatalf("activate account: %v", err)
	}
	if err := s.SetAccountModelQuota(ctx, &store.AccountModelQuota{
		AccountID:      a.ID,
		Model:          "gemini-2.5-flash",
		QuotaRemaining: quota,
		UpdatedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	a.Status = "active"
	return a
}

func TestGetNextAccountFiltersBelowThreshold(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	seedAccount(t, ctx, s, as, "low@example.com", 0.1) // below defaultThreshold 0.2

	p := New(as, &fakeTokens{}, s, testConfig(), nil)

	_, _, err := p.GetNextAccount(ctx, "gemini-2.5-flash", nil)
	if err == nil {
		t.Fatal("expected NoCapacityError, got nil")
	}
	var nc *relayerr.NoCapacityError
	if !errors.As(err, &nc) {
		t.Fatalf("expected *relayerr.NoCapacityError, got %T: %v", err, err)
	}
}

func TestGetNextAccountPicksHighestQuota(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	seedAccount(t, ctx, s, as, "mid@example.com", 0.5)
	best := seedAccount(t, ctx, s, as, "best@example.com", 0.9)
	seedAccount(t, ctx, s, as, "worst@example.com", 0.3)

	p := New(as, &fakeTokens{}, s, testConfig(), nil)

	got, key, err := p.GetNextAccount(ctx, "gemini-2.5-flash", nil)
	if err != nil {
		t.Fatalf("GetNextAccount: %v", err)
	}
	if got.ID != best.ID {
		t.Fatalf("expected the highest-quota account %s, got %s", best.ID, got.ID)
	}
	if key != "group:flash" {
		t.Fatalf("expected group:flash selection key, got %q", key)
	}
}

func TestGetNextAccountStickyPreferenceWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	sticky := seedAccount(t, ctx, s, as, "sticky@example.com", 0.4)
	seedAccount(t, ctx, s, as, "higher@example.com", 0.9)

	p := New(as, &fakeTokens{}, s, testConfig(), nil)
	p.sticky.set("group:flash", sticky.ID)

	got, _, err := p.GetNextAccount(ctx, "gemini-2.5-flash", nil)
	if err != nil {
		t.Fatalf("GetNextAccount: %v", err)
	}
	if got.ID != sticky.ID {
		t.Fatalf("expected sticky account %s preferred over higher quota, got %s", sticky.ID, got.ID)
	}
}

func TestGetNextAccountStickyPreferenceClearedWhenIneligible(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	gone := seedAccount(t, ctx, s, as, "gone@example.com", 0.05) // below threshold, not a candidate
	only := seedAccount(t, ctx, s, as, "only@example.com", 0.9)

	p := New(as, &fakeTokens{}, s, testConfig(), nil)
	p.sticky.set("group:flash", gone.ID)

	got, _, err := p.GetNextAccount(ctx, "gemini-2.5-flash", nil)
	if err != nil {
		t.Fatalf("GetNextAccount: %v", err)
	}
	if got.ID != only.ID {
		t.Fatalf("expected %s, got %s", only.ID, got.ID)
	}
	if _, ok := p.sticky.get("group:flash"); ok {
		t.Fatal("stale sticky preference should have been cleared")
	}
}

func TestGetNextAccountExcludesRequestedIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	first := seedAccount(t, ctx, s, as, "first@example.com", 0.9)
	second := seedAccount(t, ctx, s, as, "second@example.com", 0.8)

	p := New(as, &fakeTokens{}, s, testConfig(), nil)

	got, _, err := p.GetNextAccount(ctx, "gemini-2.5-flash", []string{first.ID})
	if err != nil {
		t.Fatalf("GetNextAccount: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected excluded account to be skipped, got %s", got.ID)
	}
}

func TestGetNextAccountSkipsCoolingDownAccounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	cooling := seedAccount(t, ctx, s, as, "cooling@example.com", 0.9)
	healthy := seedAccount(t, ctx, s, as, "healthy@example.com", 0.7)

	p := New(as, &fakeTokens{}, s, testConfig(), nil)
	p.cooldown.markCapacityLimited(cooling.ID, "group:flash", 60_000)

	got, _, err := p.GetNextAccount(ctx, "gemini-2.5-flash", nil)
	if err != nil {
		t.Fatalf("GetNextAccount: %v", err)
	}
	if got.ID != healthy.ID {
		t.Fatalf("expected the non-cooling account, got %s", got.ID)
	}
}

func TestGetNextAccountAllCoolingReturnsNoCapacity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	a := seedAccount(t, ctx, s, as, "solo@example.com", 0.9)

	p := New(as, &fakeTokens{}, s, testConfig(), nil)
	p.cooldown.markCapacityLimited(a.ID, "group:flash", 5_000)

	_, _, err := p.GetNextAccount(ctx, "gemini-2.5-flash", nil)
	var nc *relayerr.NoCapacityError
	if !errors.As(err, &nc) {
		t.Fatalf("expected *relayerr.NoCapacityError, got %T: %v", err, err)
	}
	if nc.RetryAfterMs <= 0 {
		t.Fatalf("expected a positive RetryAfterMs, got %d", nc.RetryAfterMs)
	}
}

func TestGetNextAccountTokenFailureClearsStickyAndFallsThrough(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	broken := seedAccount(t, ctx, s, as, "broken@example.com", 0.9)
	fallback := seedAccount(t, ctx, s, as, "fallback@example.com", 0.6)

	p := New(as, &fakeTokens{fail: map[string]bool{broken.ID: true}}, s, testConfig(), nil)
	p.sticky.set("group:flash", broken.ID)

	got, _, err := p.GetNextAccount(ctx, "gemini-2.5-flash", nil)
	if err != nil {
		t.Fatalf("GetNextAccount: %v", err)
	}
	if got.ID != fallback.ID {
		t.Fatalf("expected fallback to the account with a working token, got %s", got.ID)
	}
	if _, ok := p.sticky.get("group:flash"); ok {
		t.Fatal("sticky preference for the broken account should have been cleared")
	}
}

func TestGetNextAccountNoValidTokensAnywhere(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	a := seedAccount(t, ctx, s, as, "dead@example.com", 0.9)

	p := New(as, &fakeTokens{fail: map[string]bool{a.ID: true}}, s, testConfig(), nil)

	_, _, err := p.GetNextAccount(ctx, "gemini-2.5-flash", nil)
	if err == nil {
		t.Fatal("expected an error when no account has a usable token")
	}
	var nc *relayerr.NoCapacityError
	if errors.As(err, &nc) {
		t.Fatalf("expected the generic no-valid-tokens error, not a capacity error: %v", err)
	}
}

func TestGetNextAccountConcurrencyLimitSkipsBusyAccount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	a := seedAccount(t, ctx, s, as, "solo@example.com", 0.9)

	cfg := testConfig()
	cfg.MaxConcurrentPerAccount = 1
	p := New(as, &fakeTokens{}, s, cfg, nil)

	first, _, err := p.GetNextAccount(ctx, "gemini-2.5-flash", nil)
	if err != nil {
		t.Fatalf("first GetNextAccount: %v", err)
	}
	if first.ID != a.ID {
		t.Fatalf("expected %s, got %s", a.ID, first.ID)
	}

	// The slot is still held (UnlockAccount not called), so the only
	// account in the pool is at its concurrency limit.
	_, _, err = p.GetNextAccount(ctx, "gemini-2.5-flash", nil)
	if err == nil {
		t.Fatal("expected an error once the sole account is at its concurrency limit")
	}

	p.UnlockAccount(a.ID)
	third, _, err := p.GetNextAccount(ctx, "gemini-2.5-flash", nil)
	if err != nil {
		t.Fatalf("GetNextAccount after unlock: %v", err)
	}
	if third.ID != a.ID {
		t.Fatalf("expected %s after releasing the lock, got %s", a.ID, third.ID)
	}
}

func TestMarkAccountSuccessSetsStickyAndClearsCooldown(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	a := seedAccount(t, ctx, s, as, "winner@example.com", 0.9)

	p := New(as, &fakeTokens{}, s, testConfig(), nil)
	p.cooldown.markCapacityLimited(a.ID, "group:flash", 60_000)

	p.MarkAccountSuccess(ctx, a.ID, "group:flash")

	if id, ok := p.sticky.get("group:flash"); !ok || id != a.ID {
		t.Fatalf("expected sticky routing to record %s, got %q (ok=%v)", a.ID, id, ok)
	}
	if !p.cooldown.until(a.ID, "group:flash").IsZero() {
		t.Fatal("expected the cooldown to be cleared on success")
	}
}

func TestMarkAccountErrorDisablesAfterThreshold(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	crypto := account.NewCrypto("k")
	as := account.NewAccountStore(s, crypto)
	a := seedAccount(t, ctx, s, as, "flaky@example.com", 0.9)

	cfg := testConfig()
	cfg.ErrorCountToDisable = 2
	p := New(as, &fakeTokens{}, s, cfg, nil)

	p.MarkAccountError(ctx, a.ID, errors.New("boom"))
	reloaded, err := as.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if reloaded.Status != "active" {
		t.Fatalf("expected the account to stay active after one error, got %q", reloaded.Status)
	}

	p.MarkAccountError(ctx, a.ID, errors.New("boom again"))
	reloaded, err = as.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if reloaded.Status != "error" {
		t.Fatalf("expected the account to be disabled after reaching ErrorCountToDisable, got %q", reloaded.Status)
	}
}
