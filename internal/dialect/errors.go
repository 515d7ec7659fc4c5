package dialect

import (
	"encoding/json"
	"net/http"

	"github.com/devanenWl/antigravity-gateway/internal/relayerr"
)

// StatusFor maps a relayerr code to the HTTP status Ingress returns (§7).
func StatusFor(err error) int {
	switch relayerr.Code(err) {
	case "server_capacity_exhausted", "capacity_exhausted", "no_capacity_available":
		return http.StatusTooManyRequests
	case "authentication_error", "refresh_token_invalid":
		return http.StatusUnauthorized
	case "context_length_exceeded", "invalid_argument", "invalid_request_error":
		return http.StatusBadRequest
	case "model_not_found":
		return http.StatusNotFound
	case "content_filter":
		return http.StatusBadRequest
	case "canceled":
		return 499
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// EncodeOpenAIError builds the `{"error": {...}}` envelope (§7).
func EncodeOpenAIError(err error) []byte {
	code := relayerr.Code(err)
	body := map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    code,
			"code":    code,
		},
	}
	if ms := relayerr.RetryAfterMs(err); ms > 0 {
		body["error"].(map[string]any)["retryAfterMs"] = ms
	}
	b, _ := json.Marshal(body)
	return b
}

// EncodeAnthropicError builds Anthropic's `{"type":"error","error":{...}}`
// envelope (§7).
func EncodeAnthropicError(err error) []byte {
	code := relayerr.Code(err)
	body := map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    anthropicErrorType(code),
			"message": err.Error(),
		},
	}
	b, _ := json.Marshal(body)
	return b
}

func anthropicErrorType(code string) string {
	switch code {
	case "server_capacity_exhausted", "capacity_exhausted", "no_capacity_available":
		return "rate_limit_error"
	case "authentication_error", "refresh_token_invalid":
		return "authentication_error"
	case "invalid_request_error", "context_length_exceeded", "invalid_argument":
		return "invalid_request_error"
	case "content_filter":
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// EncodeGeminiError builds Gemini's `{"error":{code,message,status}}`
// envelope (§7).
func EncodeGeminiError(err error) []byte {
	status := StatusFor(err)
	body := map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": err.Error(),
			"status":  relayerr.Code(err),
		},
	}
	b, _ := json.Marshal(body)
	return b
}
