package camouflage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
)

// warmupJitterMin/Max bound the pause between each init RPC (§4.8 Warmup:
// "50-200 ms jitter between calls").
const (
	warmupJitterMin = 50 * time.Millisecond
	warmupJitterMax = 200 * time.Millisecond
)

// runWarmup fires the four-RPC init sequence a real client performs the
// first time an account is activated: onboardUser, fetchAvailableModels,
// loadCodeAssist, recordCodeAssistMetrics([]) (§4.8).
func (m *Manager) runWarmup(ctx context.Context, acct *account.Account) error {
	calls := []struct {
		path string
		body any
	}{
		{"/v1internal:onboardUser", map[string]any{"tierId": acct.Tier, "metadata": clientMetadataMap()}},
		{"/v1internal:fetchAvailableModels", map[string]any{"cloudaicompanionProject": acct.ProjectID}},
		{"/v1internal:loadCodeAssist", map[string]any{"metadata": clientMetadataMap()}},
		{"/v1internal:recordCodeAssistMetrics", map[string]any{"events": []any{}}},
	}

	for i, c := range calls {
		body, err := json.Marshal(c.body)
		if err != nil {
			return fmt.Errorf("marshal warmup call %d: %w", i, err)
		}
		if _, err := m.postJSON(ctx, acct, c.path, body); err != nil {
			return fmt.Errorf("warmup call %s: %w", c.path, err)
		}
		if i < len(calls)-1 {
			sleepWarmupJitter(ctx)
		}
	}
	return nil
}

func sleepWarmupJitter(ctx context.Context) {
	mid := (warmupJitterMin + warmupJitterMax) / 2
	spread := (warmupJitterMax - warmupJitterMin) / 2
	sleepJitter(ctx, mid, spread)
}

func clientMetadataMap() map[string]any {
	return map[string]any{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
}
