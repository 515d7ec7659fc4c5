package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/devanenWl/antigravity-gateway/internal/account"
	"github.com/devanenWl/antigravity-gateway/internal/dialect"
	"github.com/devanenWl/antigravity-gateway/internal/relayerr"
	"github.com/devanenWl/antigravity-gateway/internal/retry"
)

// handleAnthropicMessages serves POST /v1/messages (§6): the Claude
// Messages-API dialect, full-retry strategy like the OpenAI route.
func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(w, r)
	if err != nil {
		writeAnthropicError(w, err)
		return
	}

	req, meta, err := s.anthropic.DecodeRequest(raw)
	if err != nil {
		writeAnthropicError(w, &relayerr.BadRequestError{Message: err.Error(), Cause: err})
		return
	}
	requestID := req.RequestID

	if meta.Stream {
		s.streamAnthropic(w, r, req, meta, requestID)
		return
	}

	resp, err := retry.FullRetry(r.Context(), s.orchestrator, requestID, meta.Model, func(ctx context.Context, acct *account.Account, token string) (*dialect.UpstreamResponse, error) {
		s.touch(ctx, acct, requestID, meta.Model)
		return s.callUnary(ctx, acct, token, req, r.Header, "generateContent")
	})
	if err != nil {
		writeAnthropicError(w, err)
		return
	}

	out, err := s.anthropic.EncodeResponse(resp, meta.Model, requestID)
	if err != nil {
		writeAnthropicError(w, relayerr.Wrapf(err, "encode response: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (s *Server) streamAnthropic(w http.ResponseWriter, r *http.Request, req *dialect.UpstreamRequest, meta dialect.ChatMeta, requestID string) {
	chunks, err := retry.FullRetry(r.Context(), s.orchestrator, requestID, meta.Model, func(ctx context.Context, acct *account.Account, token string) ([]streamChunk, error) {
		s.touch(ctx, acct, requestID, meta.Model)
		return s.callStream(ctx, acct, token, req, r.Header)
	})
	if err != nil {
		writeAnthropicError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAnthropicError(w, relayerr.Wrapf(nil, "streaming unsupported by response writer"))
		return
	}

	dialect.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	st := s.anthropic.NewStreamState()
	for _, c := range chunks {
		frames, err := s.anthropic.EncodeChunk(st, meta.Model, requestID, c.Candidate, c.Usage)
		if err != nil {
			break
		}
		for _, f := range frames {
			if err := dialect.WriteEventFrame(w, flusher, f); err != nil {
				return
			}
		}
	}
}

// handleAnthropicCountTokens serves POST /v1/messages/count_tokens (§6): a
// light call routed through the capacity-retry strategy rather than the
// heavier full-retry chat path (§4.6).
func (s *Server) handleAnthropicCountTokens(w http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(w, r)
	if err != nil {
		writeAnthropicError(w, err)
		return
	}

	req, meta, err := s.anthropic.DecodeRequest(raw)
	if err != nil {
		writeAnthropicError(w, &relayerr.BadRequestError{Message: err.Error(), Cause: err})
		return
	}
	requestID := req.RequestID

	resp, err := retry.CapacityRetry(r.Context(), s.orchestrator, requestID, meta.Model, func(ctx context.Context, acct *account.Account, token string) (*dialect.UpstreamResponse, error) {
		s.touch(ctx, acct, requestID, meta.Model)
		return s.callUnary(ctx, acct, token, req, r.Header, "countTokens")
	})
	if err != nil {
		writeAnthropicError(w, err)
		return
	}

	total := 0
	if resp.UsageMetadata != nil {
		total = resp.UsageMetadata.TotalTokenCount
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"input_tokens": total})
}
