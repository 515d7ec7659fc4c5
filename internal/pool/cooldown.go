package pool

import (
	"sync"
	"time"
)

// cooldownKey is the typed key a CapacityCooldown row lives under (§3,
// §9 "typed keys" redesign note): DESIGN NOTES calls for
// CooldownKey(account_id, selection_key) instead of an untyped string join.
type cooldownKey struct {
	AccountID    string
	SelectionKey string
}

type cooldownEntry struct {
	until                time.Time
	consecutiveErrors    int
}

// cooldowns is the in-memory CapacityCooldown table (§3, §5: per-map mutex,
// no coarse global lock across the pool).
type cooldowns struct {
	mu      sync.Mutex
	entries map[cooldownKey]cooldownEntry
	floor   time.Duration
	ceiling time.Duration
}

func newCooldowns(floor, ceiling time.Duration) *cooldowns {
	return &cooldowns{
		entries: make(map[cooldownKey]cooldownEntry),
		floor:   floor,
		ceiling: ceiling,
	}
}

// until returns the cooldown expiry for (accountID, selectionKey), or the
// zero time if not cooling.
func (c *cooldowns) until(accountID, selectionKey string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cooldownKey{accountID, selectionKey}]
	if !ok || time.Now().After(e.until) {
		return time.Time{}
	}
	return e.until
}

// markCapacityLimited applies exponential backoff — floor * 2^(n-1) clamped
// to ceiling — unless explicitMs is set (a parsed "reset after Ns" hint),
// in which case that value is used verbatim (§4.5, P5).
func (c *cooldowns) markCapacityLimited(accountID, selectionKey string, explicitMs int64) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cooldownKey{accountID, selectionKey}
	e := c.entries[key]
	e.consecutiveErrors++

	var dur time.Duration
	if explicitMs > 0 {
		dur = time.Duration(explicitMs) * time.Millisecond
	} else {
		dur = c.floor * time.Duration(1<<uint(e.consecutiveErrors-1))
		if dur > c.ceiling {
			dur = c.ceiling
		}
	}
	e.until = time.Now().Add(dur)
	c.entries[key] = e
	return e.until
}

// markRecovered transitions (accountID, selectionKey) back to idle and
// zeroes the consecutive-error counter (§4.5 state machine, §8 scenario 4).
func (c *cooldowns) markRecovered(accountID, selectionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cooldownKey{accountID, selectionKey})
}
