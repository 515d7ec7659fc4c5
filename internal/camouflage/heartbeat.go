package camouflage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
)

const (
	heartbeatInterval = 1000 * time.Millisecond
	heartbeatJitter   = 50 * time.Millisecond
	heartbeatIdleGate = 3 * time.Minute
)

// runHeartbeat posts a no-op metrics call every ~1s, suspended (but not
// stopped — the timer keeps ticking so it can resume promptly) once the
// account has seen no user traffic for 3 minutes (§4.8 Heartbeat, §5
// "updateHeartbeatAccount hot-swaps the token without restarting the
// timer" — EnsureValidToken is re-resolved on every tick, so a refreshed
// token is picked up without any special-casing here).
func (m *Manager) runHeartbeat(ctx context.Context, acct *account.Account, st *accountState) {
	for {
		sleepJitter(ctx, heartbeatInterval, heartbeatJitter)
		if ctx.Err() != nil {
			return
		}

		idleSince := time.Unix(0, st.lastTraffic.Load())
		if time.Since(idleSince) > heartbeatIdleGate {
			continue
		}

		body, _ := json.Marshal(map[string]any{
			"connectionId": st.connID,
			"timestamp":    time.Now().UnixMilli(),
		})
		_, _ = m.postJSON(ctx, acct, "/v1internal:recordCodeAssistMetrics", body)
	}
}
