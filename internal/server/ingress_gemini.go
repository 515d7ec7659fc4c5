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

// handleGemini serves POST /v1beta/models/{model}:{method} (§6): the native
// Gemini dialect, where both model and method live in the path instead of
// the body. The decode step is near-passthrough, so this handler carries
// more of its own plumbing than the OpenAI/Anthropic handlers.
func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	model, method := dialect.ModelFromPath(r.URL.Path)
	if model == "" || method == "" {
		writeGeminiError(w, &relayerr.BadRequestError{Message: "invalid model/method path"})
		return
	}
	stream := method == "streamGenerateContent"

	raw, err := s.readBody(w, r)
	if err != nil {
		writeGeminiError(w, err)
		return
	}

	req, meta, err := s.gemini.DecodeRequest(raw, model, stream)
	if err != nil {
		writeGeminiError(w, &relayerr.BadRequestError{Message: err.Error(), Cause: err})
		return
	}
	requestID := req.RequestID

	if method == "countTokens" {
		s.handleGeminiCountTokens(w, r, req, meta, requestID)
		return
	}

	if stream {
		s.streamGemini(w, r, req, meta, requestID)
		return
	}

	resp, err := retry.FullRetry(r.Context(), s.orchestrator, requestID, meta.Model, func(ctx context.Context, acct *account.Account, token string) (*dialect.UpstreamResponse, error) {
		s.touch(ctx, acct, requestID, meta.Model)
		return s.callUnary(ctx, acct, token, req, r.Header, "generateContent")
	})
	if err != nil {
		writeGeminiError(w, err)
		return
	}

	out, err := s.gemini.EncodeResponse(resp, meta.Model)
	if err != nil {
		writeGeminiError(w, relayerr.Wrapf(err, "encode response: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (s *Server) streamGemini(w http.ResponseWriter, r *http.Request, req *dialect.UpstreamRequest, meta dialect.ChatMeta, requestID string) {
	chunks, err := retry.FullRetry(r.Context(), s.orchestrator, requestID, meta.Model, func(ctx context.Context, acct *account.Account, token string) ([]streamChunk, error) {
		s.touch(ctx, acct, requestID, meta.Model)
		return s.callStream(ctx, acct, token, req, r.Header)
	})
	if err != nil {
		writeGeminiError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeGeminiError(w, relayerr.Wrapf(nil, "streaming unsupported by response writer"))
		return
	}

	dialect.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	for _, c := range chunks {
		obj, err := s.gemini.EncodeChunk(meta.Model, c.Candidate, c.Usage)
		if err != nil {
			break
		}
		if err := dialect.WriteDataFrame(w, flusher, obj); err != nil {
			return
		}
	}
}

// handleGeminiCountTokens serves the `:countTokens` method (§6), a light
// call routed through the capacity-retry strategy.
func (s *Server) handleGeminiCountTokens(w http.ResponseWriter, r *http.Request, req *dialect.UpstreamRequest, meta dialect.ChatMeta, requestID string) {
	resp, err := retry.CapacityRetry(r.Context(), s.orchestrator, requestID, meta.Model, func(ctx context.Context, acct *account.Account, token string) (*dialect.UpstreamResponse, error) {
		s.touch(ctx, acct, requestID, meta.Model)
		return s.callUnary(ctx, acct, token, req, r.Header, "countTokens")
	})
	if err != nil {
		writeGeminiError(w, err)
		return
	}

	total := 0
	if resp.UsageMetadata != nil {
		total = resp.UsageMetadata.TotalTokenCount
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"totalTokens": total})
}
