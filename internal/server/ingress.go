package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/devanenWl/antigravity-gateway/internal/account"
	"github.com/devanenWl/antigravity-gateway/internal/camouflage"
	"github.com/devanenWl/antigravity-gateway/internal/config"
	"github.com/devanenWl/antigravity-gateway/internal/dialect"
	"github.com/devanenWl/antigravity-gateway/internal/relayerr"
)

// streamChunk is one accumulated upstream SSE candidate, paired with the
// usage block it arrived with (usually only set on the last chunk).
type streamChunk struct {
	Candidate dialect.Candidate
	Usage     *dialect.UsageMetadata
}

// readBody enforces the configured request-size ceiling before Ingress
// touches a dialect decoder (§6 REQUEST_MAX_SIZE_MB).
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxRequestBodyMB)<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, &relayerr.BadRequestError{Message: "request body too large or unreadable", Cause: err}
	}
	return raw, nil
}

func upstreamURL(cfg *config.Config, method string) string {
	return cfg.UpstreamURL + "/v1internal:" + method
}

// buildUpstreamHeaders assembles the canonical camouflage header set for one
// outbound call, replaying the account's bound SDK fingerprint headers on
// top (§4.8 stainless binding).
func (s *Server) buildUpstreamHeaders(ctx context.Context, acct *account.Account, token string, reqHeaders http.Header) http.Header {
	h := camouflage.UpstreamHeaders(token, s.camo.UserAgent())
	camouflage.BindStainlessHeaders(ctx, s.store, acct.ID, reqHeaders, h)
	return h
}

// touch marks the account as freshly used and fires the per-request
// camouflage telemetry (§4.8), activating its background schedulers on
// first use.
func (s *Server) touch(ctx context.Context, acct *account.Account, requestID, model string) {
	s.camo.Activate(ctx, acct)
	s.camo.Touch(acct.ID)
	s.camo.NotifyRequest(ctx, acct, requestID, model)
}

// callUnary performs one non-streaming upstream RPC and decodes its JSON
// body into the canonical response shape, classifying a non-2xx status
// through the shared relayerr taxonomy (§2 data flow).
func (s *Server) callUnary(ctx context.Context, acct *account.Account, token string, req *dialect.UpstreamRequest, reqHeaders http.Header, method string) (*dialect.UpstreamResponse, error) {
	req.UserAgent = s.camo.UserAgent()
	req.Project = acct.ProjectID

	body, err := json.Marshal(req)
	if err != nil {
		return nil, relayerr.Wrapf(err, "marshal upstream request: %v", err)
	}

	headers := s.buildUpstreamHeaders(ctx, acct, token, reqHeaders)
	resp, err := s.transportMgr.Fetch(ctx, acct, http.MethodPost, upstreamURL(s.cfg, method), headers, body, s.cfg.RequestTimeoutUnary)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.checkVersionOutdated(string(resp.Body))
		return nil, relayerr.ClassifyUpstream(resp.StatusCode, string(resp.Body))
	}

	var out dialect.UpstreamResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, relayerr.Wrapf(err, "decode upstream response: %v", err)
	}
	return &out, nil
}

// callStream performs the streaming upstream RPC and reads it to
// completion, buffering every candidate it yields. Ingress only starts
// writing to the downstream client once this returns successfully, since a
// partially-forwarded response can't be retried on a fresh account
// (supplemented streaming retry loop shape, grounded on the upstream
// cloud-code streaming handler's retry-on-empty-stream behavior).
func (s *Server) callStream(ctx context.Context, acct *account.Account, token string, req *dialect.UpstreamRequest, reqHeaders http.Header) ([]streamChunk, error) {
	req.UserAgent = s.camo.UserAgent()
	req.Project = acct.ProjectID

	body, err := json.Marshal(req)
	if err != nil {
		return nil, relayerr.Wrapf(err, "marshal upstream request: %v", err)
	}

	headers := s.buildUpstreamHeaders(ctx, acct, token, reqHeaders)
	sresp, err := s.transportMgr.StreamFetch(ctx, acct, http.MethodPost, upstreamURL(s.cfg, "streamGenerateContent"), headers, body, s.cfg.RequestTimeoutStream)
	if err != nil {
		return nil, err
	}
	defer sresp.Body.Close()

	if sresp.StatusCode < 200 || sresp.StatusCode >= 300 {
		raw, _ := io.ReadAll(sresp.Body)
		s.checkVersionOutdated(string(raw))
		return nil, relayerr.ClassifyUpstream(sresp.StatusCode, string(raw))
	}

	var chunks []streamChunk
	scanner := bufio.NewScanner(sresp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	scanErr := dialect.ScanUpstreamSSE(scanner, func(obj []byte) error {
		var parsed dialect.UpstreamResponse
		if err := json.Unmarshal(obj, &parsed); err != nil {
			return nil
		}
		for _, c := range parsed.Candidates {
			chunks = append(chunks, streamChunk{Candidate: c, Usage: parsed.UsageMetadata})
		}
		return nil
	})
	if scanErr != nil {
		return nil, relayerr.Wrapf(scanErr, "read upstream stream: %v", scanErr)
	}
	if len(chunks) == 0 {
		return nil, &relayerr.CapacityError{Message: "upstream stream closed with no content"}
	}
	return chunks, nil
}

// checkVersionOutdated scans an upstream error body for a version-outdated
// complaint and kicks the debounced reactive version check (§4.8) so the
// camouflage user-agent catches up without waiting for the hourly poll.
func (s *Server) checkVersionOutdated(body string) {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "outdated") && strings.Contains(lower, "version") {
		s.camo.TriggerVersionCheck()
	}
}

// --- Per-dialect error envelopes ---

func writeOpenAIError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dialect.StatusFor(err))
	w.Write(dialect.EncodeOpenAIError(err))
}

func writeAnthropicError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dialect.StatusFor(err))
	w.Write(dialect.EncodeAnthropicError(err))
}

func writeGeminiError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dialect.StatusFor(err))
	w.Write(dialect.EncodeGeminiError(err))
}
