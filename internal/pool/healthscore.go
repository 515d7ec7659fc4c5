package pool

import "sync"

// healthTracker is a SUPPLEMENTED-FEATURES addition (see DESIGN.md / ported
// from the retrieval pack's Antigravity constants file): a rolling
// success-rate moving average per account, readable through Pool.Score.
// Account selection (§4.5) does not consult it, and no admin route reports
// it.
type healthTracker struct {
	mu     sync.Mutex
	scores map[string]float64
}

const healthDecay = 0.9

func newHealthTracker() *healthTracker {
	return &healthTracker{scores: make(map[string]float64)}
}

func (h *healthTracker) record(accountID string, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.scores[accountID]
	if !ok {
		prev = 1.0
	}
	sample := 0.0
	if success {
		sample = 1.0
	}
	h.scores[accountID] = prev*healthDecay + sample*(1-healthDecay)
}

// Score returns accountID's rolling success rate in [0,1], defaulting to 1
// (healthy) for accounts with no recorded outcomes yet.
func (h *healthTracker) Score(accountID string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.scores[accountID]; ok {
		return v
	}
	return 1.0
}

// Score exposes an account's rolling health score for the admin surface.
func (p *Pool) Score(accountID string) float64 {
	return p.health.Score(accountID)
}
