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

// handleOpenAIChat serves POST /v1/chat/completions (§6): decode the OpenAI
// body into the canonical shape, drive it through the full-retry strategy,
// and re-encode the result (or its stream) back into OpenAI's wire shape.
func (s *Server) handleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(w, r)
	if err != nil {
		writeOpenAIError(w, err)
		return
	}

	req, meta, err := s.openai.DecodeRequest(raw)
	if err != nil {
		writeOpenAIError(w, &relayerr.BadRequestError{Message: err.Error(), Cause: err})
		return
	}
	requestID := req.RequestID

	if meta.Stream {
		s.streamOpenAI(w, r, req, meta, requestID)
		return
	}

	resp, err := retry.FullRetry(r.Context(), s.orchestrator, requestID, meta.Model, func(ctx context.Context, acct *account.Account, token string) (*dialect.UpstreamResponse, error) {
		s.touch(ctx, acct, requestID, meta.Model)
		return s.callUnary(ctx, acct, token, req, r.Header, "generateContent")
	})
	if err != nil {
		writeOpenAIError(w, err)
		return
	}

	out, err := s.openai.EncodeResponse(resp, meta.Model, requestID)
	if err != nil {
		writeOpenAIError(w, relayerr.Wrapf(err, "encode response: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (s *Server) streamOpenAI(w http.ResponseWriter, r *http.Request, req *dialect.UpstreamRequest, meta dialect.ChatMeta, requestID string) {
	chunks, err := retry.FullRetry(r.Context(), s.orchestrator, requestID, meta.Model, func(ctx context.Context, acct *account.Account, token string) ([]streamChunk, error) {
		s.touch(ctx, acct, requestID, meta.Model)
		return s.callStream(ctx, acct, token, req, r.Header)
	})
	if err != nil {
		writeOpenAIError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, relayerr.Wrapf(nil, "streaming unsupported by response writer"))
		return
	}

	dialect.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	st := s.openai.NewStreamState()
	for _, c := range chunks {
		frames, err := s.openai.EncodeChunk(st, meta.Model, requestID, c.Candidate, c.Usage)
		if err != nil {
			break
		}
		for _, f := range frames {
			if err := dialect.WriteDataFrame(w, flusher, f); err != nil {
				return
			}
		}
	}
	dialect.WriteDone(w, flusher)
}

// handleListModels serves GET /v1/models (§6), reporting a fixed list of
// model ids as the gateway's advertised catalog.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := []modelEntry{
		{ID: "gemini-2.5-pro", Object: "model", OwnedBy: "google"},
		{ID: "gemini-2.5-flash", Object: "model", OwnedBy: "google"},
		{ID: "claude-sonnet-4-6", Object: "model", OwnedBy: "anthropic"},
		{ID: "claude-opus-4-6", Object: "model", OwnedBy: "anthropic"},
		{ID: "claude-haiku-4-5", Object: "model", OwnedBy: "anthropic"},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
}
