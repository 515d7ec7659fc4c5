package camouflage

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
)

// TrajectoryID derives the telemetry correlation id from a canonical
// requestId of the form "agent/<epoch-ms>/<uuid>/<digit>" (§4.7 requestId
// format, §4.8 "trajectoryId is derived from the real requestId
// (split('/')[2])").
func TrajectoryID(requestID string) string {
	parts := strings.Split(requestID, "/")
	if len(parts) >= 3 {
		return parts[2]
	}
	return requestID
}

// NotifyRequest fires the telemetry and trajectory side-channel calls for
// one inbound request. Both are fire-and-forget: failures are logged, never
// surfaced to the caller, and never retried (§4.8).
func (m *Manager) NotifyRequest(ctx context.Context, acct *account.Account, requestID, model string) {
	go m.sendConversationOffered(acct, requestID, model)
	go m.sendTrajectory(acct, requestID, model)
}

func (m *Manager) sendConversationOffered(acct *account.Account, requestID, model string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"event": "conversationOffered",
		"properties": map[string]any{
			"trajectoryId": TrajectoryID(requestID),
			"model":        model,
			"timestamp":    time.Now().UnixNano(),
		},
	})
	if err != nil {
		return
	}
	if _, err := m.postJSON(ctx, acct, "/v1internal:recordCodeAssistMetrics", body); err != nil {
		slog.Debug("telemetry send failed", "accountId", acct.ID, "error", err)
	}
}
