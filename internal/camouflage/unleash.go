package camouflage

import (
	"context"
	"net/http"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
)

const (
	unleashInterval = 60 * time.Second
	unleashJitter   = 5 * time.Second
)

// runUnleash registers the account's feature-flag identity and polls it on
// a jittered interval, caching the ETag so repeat polls send conditional
// If-None-Match requests the way a real client's feature-flag SDK does
// (§4.8 Unleash).
func (m *Manager) runUnleash(ctx context.Context, acct *account.Account, st *accountState) {
	var etag string

	for {
		token, err := m.token(ctx, acct)
		if err == nil {
			headers := UpstreamHeaders(token, m.UserAgent())
			headers.Set("X-Connection-Id", st.connID)
			headers.Set("X-Started-At", st.startedAt.UTC().Format(time.RFC3339))
			if etag != "" {
				headers.Set("If-None-Match", etag)
			}

			url := m.cfg.UpstreamURL + "/v1internal:fetchFeatureFlags"
			resp, err := m.transport.Fetch(ctx, acct, http.MethodGet, url, headers, nil, m.cfg.RequestTimeoutUnary)
			if err == nil && resp.StatusCode != http.StatusNotModified {
				if tag := resp.Header.Get("ETag"); tag != "" {
					etag = tag
				}
			}
		}

		sleepJitter(ctx, unleashInterval, unleashJitter)
		if ctx.Err() != nil {
			return
		}
	}
}
