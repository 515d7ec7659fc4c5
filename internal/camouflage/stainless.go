package camouflage

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/devanenWl/antigravity-gateway/internal/store"
)

// StainlessPrefix identifies x-stainless-* headers.
const StainlessPrefix = "x-stainless-"

// Bound stainless headers (captured once, replayed always).
var boundStainlessKeys = []string{
	"x-stainless-os",
	"x-stainless-arch",
	"x-stainless-runtime",
	"x-stainless-runtime-version",
	"x-stainless-lang",
	"x-stainless-package-version",
}

// Pass-through stainless headers (dynamic, not bound).
var passthroughStainlessKeys = []string{
	"x-stainless-retry-count",
	"x-stainless-read-timeout",
}

// BindStainlessHeaders captures x-stainless-* headers (the Anthropic/OpenAI
// SDK generator's client fingerprint) from the first request on an account
// and replays them on all subsequent requests for that account, so the
// downstream SDK fingerprint an account presents stays stable across calls
// (§4.8 device/session identity consistency) even though it is forwarded,
// not generated, camouflage.
func BindStainlessHeaders(ctx context.Context, s store.Store, accountID string, reqHeaders http.Header, outHeaders http.Header) {
	// Try to get stored fingerprint
	stored, err := s.GetStainlessHeaders(ctx, accountID)
	if err != nil {
		slog.Error("get stainless headers", "error", err)
	}

	if stored != "" {
		// Apply stored fingerprint
		var headers map[string]string
		if json.Unmarshal([]byte(stored), &headers) == nil {
			for k, v := range headers {
				outHeaders.Set(k, v)
			}
		}
	} else {
		// Capture from this request (first time)
		captured := make(map[string]string)
		for _, key := range boundStainlessKeys {
			if v := reqHeaders.Get(key); v != "" {
				captured[key] = v
				outHeaders.Set(key, v)
			}
		}

		if len(captured) > 0 {
			data, _ := json.Marshal(captured)
			ok, err := s.SetStainlessHeadersNX(ctx, accountID, string(data))
			if err != nil {
				slog.Error("set stainless headers", "error", err)
			}
			if !ok {
				// Another request beat us — re-read and apply stored version
				stored, _ := s.GetStainlessHeaders(ctx, accountID)
				if stored != "" {
					var headers map[string]string
					if json.Unmarshal([]byte(stored), &headers) == nil {
						for k, v := range headers {
							outHeaders.Set(k, v)
						}
					}
				}
			}
		}
	}

	// Always pass through dynamic headers from the current request
	for _, key := range passthroughStainlessKeys {
		if v := reqHeaders.Get(key); v != "" {
			outHeaders.Set(key, v)
		}
	}
}

// RemoveAllStainless strips all x-stainless-* headers from a header set.
func RemoveAllStainless(h http.Header) {
	for key := range h {
		if strings.HasPrefix(strings.ToLower(key), StainlessPrefix) {
			h.Del(key)
		}
	}
}
