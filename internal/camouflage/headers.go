package camouflage

import (
	"fmt"
	"net/http"
)

// clientMetadataHeader is the JSON-ish metadata string official Cloud Code
// Assist clients attach to every call via the Client-Metadata header.
const clientMetadataHeader = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`

// UpstreamHeaders builds the header set for a Cloud Code Assist call: the
// same shape on warmup/heartbeat/telemetry/trajectory/unleash RPCs as on
// real chat traffic, so passive header fingerprinting sees one consistent
// client (§4.8).
func UpstreamHeaders(accessToken, userAgent string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("User-Agent", userAgent)
	h.Set("X-Goog-Api-Client", "gl-go/1.24.0")
	h.Set("Client-Metadata", clientMetadataHeader)
	return h
}

// ConnectionID derives a stable per-account identity string for the unleash
// scheduler's persistent connection id (§4.8 "per-account persistent
// connection IDs ... so each account presents a stable identity").
func ConnectionID(accountID string) string {
	return fmt.Sprintf("antigravity-%s", shortHash(accountID))
}
