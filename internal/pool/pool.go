// Package pool implements the account pool & routing core (C5): quota-aware
// account selection with sticky routing, per-account concurrency locking,
// and capacity cooldowns (§4.5). It is the direct descendant of the
// teacher's internal/ratelimit manager + internal/scheduler selection walk,
// generalized from Claude-specific five-hour/Opus windows to quota-group
// cooldowns and thresholds.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
	"github.com/devanenWl/antigravity-gateway/internal/config"
	"github.com/devanenWl/antigravity-gateway/internal/events"
	"github.com/devanenWl/antigravity-gateway/internal/relayerr"
	"github.com/devanenWl/antigravity-gateway/internal/store"
)

const defaultThreshold = 0.2

// TokenEnsurer mints a valid access token for an account, refreshing under
// single-flight if needed (C3). Narrow interface so pool tests can fake it.
type TokenEnsurer interface {
	EnsureValidToken(ctx context.Context, accountID string) (string, error)
}

// Pool is the account selection core (C5).
type Pool struct {
	accounts *account.AccountStore
	tokens   TokenEnsurer
	store    store.Store
	cfg      *config.Config
	bus      *events.Bus

	sticky    *stickyRouting
	cooldown  *cooldowns
	locks     *concurrencyLock
	errMu     sync.Mutex
	errCounts map[string]int

	health *healthTracker
}

func New(as *account.AccountStore, tm TokenEnsurer, s store.Store, cfg *config.Config, bus *events.Bus) *Pool {
	return &Pool{
		accounts:  as,
		tokens:    tm,
		store:     s,
		cfg:       cfg,
		bus:       bus,
		sticky:    newStickyRouting(),
		cooldown:  newCooldowns(cfg.CapacityCooldownDefault, cfg.CapacityCooldownMax),
		locks:     newConcurrencyLock(cfg.MaxConcurrentPerAccount),
		errCounts: make(map[string]int),
		health:    newHealthTracker(),
	}
}

// candidate is an account plus the quota figure used for ordering.
type candidate struct {
	acct  *account.Account
	quota float64
}

// resolution is the (mappedModel, quotaGroup, selectionKey, threshold)
// tuple step 1 of §4.5 resolves.
type resolution struct {
	mappedModel  string
	group        QuotaGroup
	selectionKey string
	threshold    float64
}

func (p *Pool) resolve(ctx context.Context, model string) resolution {
	mapped := MapModel(model)
	group := ModelFamily(mapped)
	key := SelectionKey(mapped, group != GroupOther)
	threshold := p.groupThreshold(ctx, group)
	return resolution{mappedModel: mapped, group: group, selectionKey: key, threshold: threshold}
}

func (p *Pool) groupThreshold(ctx context.Context, group QuotaGroup) float64 {
	settingKey := "threshold." + string(group)
	if v, ok, err := p.store.GetSetting(ctx, settingKey); err == nil && ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultThreshold
}

// GetNextAccount selects and locks the best eligible account for model,
// implementing the 9-step algorithm of §4.5 verbatim.
func (p *Pool) GetNextAccount(ctx context.Context, model string, excludeAccountIDs []string) (*account.Account, string, error) {
	res := p.resolve(ctx, model)

	// Step 2: load candidates.
	all, err := p.accounts.List(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("list accounts: %w", err)
	}
	candidates := p.quotaCandidates(ctx, all, res)
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("no active accounts available")
	}

	// Step 3: filter to those strictly above threshold.
	above := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.quota > res.threshold {
			above = append(above, c)
		}
	}
	if len(above) == 0 {
		earliest := p.earliestReset(candidates)
		retryAfterMs := int64(0)
		if !earliest.IsZero() {
			retryAfterMs = time.Until(earliest).Milliseconds()
			if retryAfterMs < 0 {
				retryAfterMs = 0
			}
		}
		return nil, "", &relayerr.NoCapacityError{
			Message:      fmt.Sprintf("No account above %d%% quota for %s, reset after %ds", int(res.threshold*100), res.group, retryAfterMs/1000),
			RetryAfterMs: retryAfterMs,
		}
	}

	// Step 4: sort by quota DESC, id ASC.
	sort.SliceStable(above, func(i, j int) bool {
		if above[i].quota != above[j].quota {
			return above[i].quota > above[j].quota
		}
		return above[i].acct.ID < above[j].acct.ID
	})

	// Step 5: prepend sticky preferred account if still eligible.
	ordered := p.applySticky(res.selectionKey, above)

	exclude := toSet(excludeAccountIDs)
	var earliestCooldown time.Time
	considered := 0

	for _, c := range ordered {
		if exclude[c.acct.ID] {
			continue
		}
		if p.locks.atLimit(c.acct.ID) {
			continue
		}
		until := p.cooldown.until(c.acct.ID, res.selectionKey)
		if !until.IsZero() {
			considered++
			if earliestCooldown.IsZero() || until.Before(earliestCooldown) {
				earliestCooldown = until
			}
			continue
		}
		considered++

		// Step 7: ensure a valid token; on failure clear stickiness (if this
		// was the sticky account) and keep iterating.
		token, err := p.tokens.EnsureValidToken(ctx, c.acct.ID)
		if err != nil {
			if pref, ok := p.sticky.get(res.selectionKey); ok && pref == c.acct.ID {
				p.sticky.clear(res.selectionKey)
			}
			slog.Warn("token ensure failed during selection", "accountId", c.acct.ID, "error", err)
			continue
		}
		_ = token
		if !p.locks.tryAcquire(c.acct.ID) {
			continue
		}
		return c.acct, res.selectionKey, nil
	}

	if !earliestCooldown.IsZero() && considered > 0 {
		secs := int(math.Ceil(time.Until(earliestCooldown).Seconds())) - 1
		if secs < 0 {
			secs = 0
		}
		return nil, "", &relayerr.NoCapacityError{
			Message:      fmt.Sprintf("No capacity available, reset after %ds", secs),
			RetryAfterMs: time.Until(earliestCooldown).Milliseconds(),
		}
	}

	return nil, "", fmt.Errorf("no available accounts with valid tokens")
}

// quotaCandidates loads every active account and its quota figure for the
// resolution's group/model (§4.2 selection query contract, reimplemented in
// Go over the store's per-account accessors rather than a SQL join).
func (p *Pool) quotaCandidates(ctx context.Context, all []*account.Account, res resolution) []candidate {
	out := make([]candidate, 0, len(all))
	for _, a := range all {
		if a.Status != "active" {
			continue
		}
		quota, ok := p.quotaFor(ctx, a, res)
		if !ok {
			continue
		}
		out = append(out, candidate{acct: a, quota: quota})
	}
	return out
}

// quotaFor resolves the quota figure per §4.2: group selection keys require
// a per-model quota row to exist (missing rows are excluded, not treated as
// phantom-full); raw model keys fall back to the account's aggregate quota.
func (p *Pool) quotaFor(ctx context.Context, a *account.Account, res resolution) (float64, bool) {
	q, err := p.store.GetAccountModelQuota(ctx, a.ID, res.mappedModel)
	if err != nil {
		return 0, false
	}
	if q != nil {
		return q.QuotaRemaining, true
	}
	if res.group == GroupOther {
		// Raw model selection key: fall back to aggregate quota.
		return a.QuotaRemaining, true
	}
	// Group selection key with no per-model row: unknown, excluded.
	return 0, false
}

func (p *Pool) earliestReset(candidates []candidate) time.Time {
	var earliest time.Time
	for _, c := range candidates {
		if c.acct.QuotaResetTime == nil {
			continue
		}
		if earliest.IsZero() || c.acct.QuotaResetTime.Before(earliest) {
			earliest = *c.acct.QuotaResetTime
		}
	}
	return earliest
}

func (p *Pool) applySticky(selectionKey string, above []candidate) []candidate {
	preferred, ok := p.sticky.get(selectionKey)
	if !ok {
		return above
	}
	for i, c := range above {
		if c.acct.ID == preferred {
			if i == 0 {
				return above
			}
			reordered := make([]candidate, 0, len(above))
			reordered = append(reordered, c)
			reordered = append(reordered, above[:i]...)
			reordered = append(reordered, above[i+1:]...)
			return reordered
		}
	}
	// Preferred account no longer eligible (quota/threshold dropped it from
	// the candidate set) — clear stickiness (§3 StickyRouting).
	p.sticky.clear(selectionKey)
	return above
}

// UnlockAccount releases accountID's concurrency slot.
func (p *Pool) UnlockAccount(accountID string) {
	p.locks.release(accountID)
}

// MarkAccountSuccess clears the error counter, records the sticky route,
// transitions any cooldown for selectionKey back to idle, and bumps the
// health score (§4.5, §4.8 state machine).
func (p *Pool) MarkAccountSuccess(ctx context.Context, accountID, selectionKey string) {
	p.errMu.Lock()
	delete(p.errCounts, accountID)
	p.errMu.Unlock()

	p.sticky.set(selectionKey, accountID)
	p.cooldown.markRecovered(accountID, selectionKey)
	p.health.record(accountID, true)

	now := time.Now().UTC().Format(time.RFC3339)
	_ = p.accounts.Update(ctx, accountID, map[string]string{"lastUsedAt": now})
}

// MarkAccountError increments the non-capacity error counter; on reaching
// ErrorCountToDisable the account transitions to status=error (§4.5).
func (p *Pool) MarkAccountError(ctx context.Context, accountID string, err error) {
	p.health.record(accountID, false)

	if relayerr.IsRefreshInvalid(err) {
		_ = p.accounts.Update(ctx, accountID, map[string]string{
			"status":       "error",
			"errorMessage": "refresh token permanently invalid",
		})
		if p.bus != nil {
			p.bus.Publish(events.Event{Type: events.EventBan, AccountID: accountID, Message: "refresh token permanently invalid"})
		}
		return
	}

	p.errMu.Lock()
	p.errCounts[accountID]++
	n := p.errCounts[accountID]
	p.errMu.Unlock()

	if n >= p.cfg.ErrorCountToDisable {
		_ = p.accounts.Update(ctx, accountID, map[string]string{
			"status":       "error",
			"errorMessage": err.Error(),
		})
		if p.bus != nil {
			p.bus.Publish(events.Event{Type: events.EventBan, AccountID: accountID, Message: err.Error()})
		}
	}
}

// MarkCapacityLimited applies a cooldown to (accountID, selectionKey) unless
// err is the server-wide capacity subtype, which is never cooled down
// per-account — switching accounts wouldn't help (§4.5, GLOSSARY).
func (p *Pool) MarkCapacityLimited(accountID, selectionKey string, err error) {
	if relayerr.IsServerWideCapacity(err) {
		return
	}
	explicitMs := relayerr.RetryAfterMs(err)
	until := p.cooldown.markCapacityLimited(accountID, selectionKey, explicitMs)
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:      events.EventCooldown,
			AccountID: accountID,
			Message:   fmt.Sprintf("%s cooling until %s", selectionKey, until.Format(time.RFC3339)),
		})
	}
}

// MarkCapacityRecovered clears the cooldown for (accountID, selectionKey).
func (p *Pool) MarkCapacityRecovered(accountID, selectionKey string) {
	p.cooldown.markRecovered(accountID, selectionKey)
}

// GetAvailableAccountCount counts active, non-cooling-down, non-locked-out
// accounts for model — used by the retry orchestrator to bound cross-account
// switches (§4.6).
func (p *Pool) GetAvailableAccountCount(ctx context.Context, model string) int {
	res := p.resolve(ctx, model)
	all, err := p.accounts.List(ctx)
	if err != nil {
		return 0
	}
	n := 0
	for _, c := range p.quotaCandidates(ctx, all, res) {
		if c.quota <= res.threshold {
			continue
		}
		if !p.cooldown.until(c.acct.ID, res.selectionKey).IsZero() {
			continue
		}
		if p.locks.atLimit(c.acct.ID) {
			continue
		}
		n++
	}
	return n
}

// GroupOverview is one row of the admin-surface routing overview.
type GroupOverview struct {
	Group            QuotaGroup `json:"group"`
	ActiveAccounts   int        `json:"activeAccounts"`
	StickyAccountID  string     `json:"stickyAccountId,omitempty"`
	Threshold        float64    `json:"threshold"`
}

// GetGroupRoutingOverview reports, per quota group, the active-account
// count, current sticky preference, and threshold (admin `/admin/routing`).
func (p *Pool) GetGroupRoutingOverview(ctx context.Context) []GroupOverview {
	groups := []QuotaGroup{GroupFlash, GroupPro, GroupClaude, GroupImage}
	out := make([]GroupOverview, 0, len(groups))
	for _, g := range groups {
		key := "group:" + string(g)
		sticky, _ := p.sticky.get(key)
		out = append(out, GroupOverview{
			Group:           g,
			ActiveAccounts:  p.GetAvailableAccountCount(ctx, string(g)),
			StickyAccountID: sticky,
			Threshold:       p.groupThreshold(ctx, g),
		})
	}
	return out
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
