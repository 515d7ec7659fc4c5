package camouflage

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
)

// modelPlaceholders is the table the real client picks a fake interaction
// model label from, keyed by the exact requested model name, with a default
// label for any other model (§4.8 Trajectory:
// "the model placeholder is chosen from a table keyed by requested model").
var modelPlaceholders = map[string]string{
	"gemini-2.5-pro":    "agent-planner-pro",
	"gemini-2.5-flash":  "agent-planner-flash",
	"claude-sonnet-4-6": "agent-planner-sonnet",
	"claude-opus-4-6":   "agent-planner-opus",
	"claude-haiku-4-5":  "agent-planner-haiku",
}

func placeholderFor(model string) string {
	if p, ok := modelPlaceholders[model]; ok {
		return p
	}
	return "agent-planner-default"
}

// sendTrajectory posts a richly-structured fake interaction trace: a
// handful of plan/tool-call steps with randomized-but-plausible token
// counts and nanosecond timestamps (§4.8 Trajectory).
func (m *Manager) sendTrajectory(acct *account.Account, requestID, model string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	steps := syntheticSteps()
	body, err := json.Marshal(map[string]any{
		"trajectoryId": TrajectoryID(requestID),
		"model":        placeholderFor(model),
		"steps":        steps,
		"plannerResponse": map[string]any{
			"thinkingSignature": GeminiReplaySentinelValue,
			"tokenCount":        50 + rand.Intn(400),
		},
		"timestamp": time.Now().UnixNano(),
	})
	if err != nil {
		return
	}
	if _, err := m.postJSON(ctx, acct, "/v1internal:recordCodeAssistMetrics", body); err != nil {
		slog.Debug("trajectory send failed", "accountId", acct.ID, "error", err)
	}
}

// GeminiReplaySentinelValue mirrors internal/signature's sentinel so the
// fake trace's thinking signature is indistinguishable from a real one
// without importing the signature package purely for one constant.
const GeminiReplaySentinelValue = "context_engine_replay"

func syntheticSteps() []map[string]any {
	n := 1 + rand.Intn(3)
	steps := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		steps = append(steps, map[string]any{
			"index":      i,
			"kind":       "tool_call",
			"tokenCount": 10 + rand.Intn(120),
			"timestamp":  time.Now().UnixNano(),
		})
	}
	return steps
}
