package relayerr

import (
	"regexp"
	"strconv"
	"strings"
)

var resetAfterPattern = regexp.MustCompile(`(?i)reset after (\d+)s`)

func parseResetAfter(msg string) (int, bool) {
	m := resetAfterPattern.FindStringSubmatch(msg)
	if len(m) != 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// capacitySubstrings are the message fragments that classify an upstream
// error as capacity-class regardless of HTTP status (§4.6).
var capacitySubstrings = []string{
	"exhausted your capacity on this model",
	"resource has been exhausted",
	"no capacity available",
}

// serverWideSubstring is the stricter marker for a globally saturated
// upstream, where switching accounts would not help (§4.5/§7/GLOSSARY).
const serverWideSubstring = "server-capacity-exhausted"

// ClassifyUpstream turns an upstream HTTP status + message into the
// relayerr taxonomy the retry orchestrator and pool act on (§4.6/§7).
func ClassifyUpstream(status int, message string) error {
	lower := strings.ToLower(message)

	if strings.Contains(lower, serverWideSubstring) {
		return &CapacityError{Message: message, ServerWide: true}
	}
	if status == 429 || containsAny(lower, capacitySubstrings) {
		retryAfterMs := int64(0)
		if secs, ok := parseResetAfter(message); ok {
			retryAfterMs = int64(secs+1) * 1000
		}
		return &CapacityError{Message: message, RetryAfterMs: retryAfterMs}
	}

	if status == 401 || strings.Contains(lower, "unauthenticated") {
		refreshInvalid := strings.Contains(lower, "invalid_grant") || strings.Contains(lower, "refresh token") && strings.Contains(lower, "invalid")
		return &AuthError{Message: message, RefreshInvalid: refreshInvalid}
	}

	if status >= 400 && status < 500 {
		code := nonRetryableCode(lower)
		return &NonRetryableError{Code: code, Message: message, Status: status}
	}

	return &NetworkError{Message: message}
}

func nonRetryableCode(lower string) string {
	switch {
	case strings.Contains(lower, "safety") || strings.Contains(lower, "moderation") || strings.Contains(lower, "blocked"):
		return "content_filter"
	case strings.Contains(lower, "context") && strings.Contains(lower, "exceed"):
		return "context_length_exceeded"
	case strings.Contains(lower, "token") && strings.Contains(lower, "exceed"):
		return "context_length_exceeded"
	case strings.Contains(lower, "model") && (strings.Contains(lower, "not found") || strings.Contains(lower, "not_found")):
		return "model_not_found"
	case strings.Contains(lower, "invalid argument") || strings.Contains(lower, "invalid_argument"):
		return "invalid_argument"
	default:
		return "invalid_request_error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
