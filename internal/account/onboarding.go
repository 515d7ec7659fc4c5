package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/config"
)

const codeAssistAPIVersion = "v1internal"

// quotaTrackedModels is the set of upstream models the gateway syncs
// per-model quota for (§4.3 quota sync). Image models are tracked but
// excluded from the aggregate-quota minimum.
var quotaTrackedModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"claude-sonnet-4-6",
	"claude-opus-4-6",
	"claude-haiku-4-5",
	"imagen-3",
}

func isImageModelName(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "image") || strings.Contains(lower, "imagen")
}

// Onboarder performs project onboarding and quota sync against the upstream
// Cloud Code Assist API (C3, §4.3). It is a thin RPC client over the same
// endpoint family the request path calls through transport.Manager, but
// kept separate because these calls are rare, synchronous admin-triggered
// operations rather than hot-path chat traffic.
type Onboarder struct {
	cfg      *config.Config
	client   *http.Client
	endpoint string
}

func NewOnboarder(cfg *config.Config) *Onboarder {
	return &Onboarder{
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: cfg.UpstreamURL,
	}
}

func (o *Onboarder) call(ctx context.Context, accessToken, method string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	url := fmt.Sprintf("%s/%s:%s", o.endpoint, codeAssistAPIVersion, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", o.cfg.UpstreamUserAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d: %s", method, resp.StatusCode, truncate(raw, 300))
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// FetchProjectID implements §4.3 fetchProjectId: try "load" first; if it
// carries no project, onboard under "standard-tier" then fall back to
// "free-tier", long-polling the LRO up to 8 attempts at 2s intervals.
// Tolerates up to 2 done=true responses with no project id (eventual
// consistency) before declaring failure.
func (o *Onboarder) FetchProjectID(ctx context.Context, accessToken string) (projectID, tier string, err error) {
	var loadResp struct {
		CloudaicompanionProject string `json:"cloudaicompanionProject"`
	}
	if err := o.call(ctx, accessToken, "loadCodeAssist", map[string]any{
		"metadata": clientMetadata(),
	}, &loadResp); err != nil {
		return "", "", fmt.Errorf("loadCodeAssist: %w", err)
	}
	if loadResp.CloudaicompanionProject != "" {
		return loadResp.CloudaicompanionProject, "standard-tier", nil
	}

	for _, t := range []string{"standard-tier", "free-tier"} {
		projectID, err = o.onboard(ctx, accessToken, t)
		if err == nil {
			return projectID, t, nil
		}
	}
	return "", "", fmt.Errorf("onboarding failed under standard-tier and free-tier: %w", err)
}

func (o *Onboarder) onboard(ctx context.Context, accessToken, tierID string) (string, error) {
	tolerated := 0
	for attempt := 0; attempt < 8; attempt++ {
		var lro struct {
			Done     bool `json:"done"`
			Response struct {
				CloudaicompanionProject struct {
					ID string `json:"id"`
				} `json:"cloudaicompanionProject"`
			} `json:"response"`
		}
		if err := o.call(ctx, accessToken, "onboardUser", map[string]any{
			"tierId":   tierID,
			"metadata": clientMetadata(),
		}, &lro); err != nil {
			return "", err
		}

		if lro.Done {
			if id := lro.Response.CloudaicompanionProject.ID; id != "" {
				return id, nil
			}
			tolerated++
			if tolerated > 2 {
				return "", fmt.Errorf("onboarding under %s completed without a project id", tierID)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return "", fmt.Errorf("onboarding under %s did not complete after 8 attempts", tierID)
}

// ModelQuota is one row of the upstream catalog's quota signal.
type ModelQuota struct {
	Model     string
	Fraction  float64
	ResetTime *time.Time
}

// SyncQuota calls the upstream model catalog and returns per-model quota
// rows plus the aggregate fraction: the minimum across tracked non-image
// models, or 0 (never 1) when upstream returns no quota signal at all
// (§4.3 quota sync).
func (o *Onboarder) SyncQuota(ctx context.Context, accessToken, projectID string) (aggregate float64, rows []ModelQuota, err error) {
	var catalog struct {
		Models []struct {
			Name           string  `json:"name"`
			QuotaFraction  float64 `json:"quotaFraction"`
			QuotaResetTime string  `json:"quotaResetTime"`
		} `json:"models"`
	}
	if err := o.call(ctx, accessToken, "fetchAvailableModels", map[string]any{
		"cloudaicompanionProject": projectID,
		"metadata":                clientMetadata(),
	}, &catalog); err != nil {
		return 0, nil, fmt.Errorf("fetchAvailableModels: %w", err)
	}

	byModel := make(map[string]struct {
		fraction float64
		reset    string
	})
	for _, m := range catalog.Models {
		byModel[m.Name] = struct {
			fraction float64
			reset    string
		}{m.QuotaFraction, m.QuotaResetTime}
	}

	minNonImage := -1.0
	for _, model := range quotaTrackedModels {
		entry, ok := byModel[model]
		if !ok {
			continue
		}
		row := ModelQuota{Model: model, Fraction: entry.fraction}
		if t, err := time.Parse(time.RFC3339, entry.reset); err == nil {
			row.ResetTime = &t
		}
		rows = append(rows, row)

		if isImageModelName(model) {
			continue
		}
		if minNonImage < 0 || entry.fraction < minNonImage {
			minNonImage = entry.fraction
		}
	}

	if minNonImage < 0 {
		return 0, rows, nil
	}
	return minNonImage, rows, nil
}

// clientMetadata mirrors the metadata block official Cloud Code Assist
// clients attach to every onboarding/catalog call.
func clientMetadata() map[string]any {
	return map[string]any{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
}
