package camouflage

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const (
	versionCheckInterval = time.Hour
	versionDebounceDelay = 30 * time.Second
)

// RunVersionFetcher polls the updater endpoint hourly, hot-swapping the
// camouflage user-agent on a version mismatch (§4.8 Version fetcher). Call
// TriggerVersionCheck to debounce a reactive check when upstream responds
// with a version-outdated message.
func (m *Manager) RunVersionFetcher(ctx context.Context) {
	ticker := time.NewTicker(versionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkVersion(ctx)
		case <-m.versionDebounce:
			select {
			case <-ctx.Done():
				return
			case <-time.After(versionDebounceDelay):
			}
			m.checkVersion(ctx)
		}
	}
}

// TriggerVersionCheck schedules a debounced reactive version check. Safe to
// call repeatedly; extra triggers while one is already pending are dropped.
func (m *Manager) TriggerVersionCheck() {
	select {
	case m.versionDebounce <- struct{}{}:
	default:
	}
}

func (m *Manager) checkVersion(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.UpstreamURL+"/v1internal:checkUpdate", nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", m.UserAgent())

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var payload struct {
		LatestVersion string `json:"latestVersion"`
	}
	if json.NewDecoder(resp.Body).Decode(&payload) != nil || payload.LatestVersion == "" {
		return
	}

	current := parseAntigravityVersion(m.UserAgent())
	if current != "" && IsNewerVersion(payload.LatestVersion, current) {
		m.userAgent.Store(replaceAntigravityVersion(m.UserAgent(), payload.LatestVersion))
	}
}
