package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
	"github.com/devanenWl/antigravity-gateway/internal/events"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleListAccounts serves GET /admin/accounts (§6 admin surface).
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.accounts.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, accts)
}

// handleGetAccount serves GET /admin/accounts/{id}.
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	acct, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if acct == nil {
		writeAdminError(w, http.StatusNotFound, "account not found")
		return
	}
	quotas, _ := s.store.ListAccountModelQuotas(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"account": acct, "modelQuotas": quotas})
}

// handleDeleteAccount serves DELETE /admin/accounts/{id} (§3 lifecycle:
// destroyed only by explicit admin delete).
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.camo.Deactivate(id)
	if err := s.accounts.Delete(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateAccountStatus serves POST /admin/accounts/{id}/status.
func (s *Server) handleUpdateAccountStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid status body")
		return
	}
	if err := s.accounts.Update(r.Context(), id, map[string]string{"status": body.Status, "errorMessage": ""}); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if body.Status != "active" {
		s.camo.Deactivate(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpdateAccountPriority serves POST /admin/accounts/{id}/priority.
func (s *Server) handleUpdateAccountPriority(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid priority body")
		return
	}
	if err := s.accounts.Update(r.Context(), id, map[string]string{"priority": fmt.Sprintf("%d", body.Priority)}); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSyncQuota serves POST /admin/accounts/{id}/sync-quota, triggering
// the same per-account quota sync the background refresher runs (§4.3).
func (s *Server) handleSyncQuota(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	acct, err := s.accounts.Get(r.Context(), id)
	if err != nil || acct == nil {
		writeAdminError(w, http.StatusNotFound, "account not found")
		return
	}
	s.syncAccountQuota(r.Context(), acct)
	acct, _ = s.accounts.Get(r.Context(), id)
	writeJSON(w, http.StatusOK, acct)
}

// handleRefreshAccount serves POST /admin/accounts/{id}/refresh, forcing an
// unconditional OAuth token refresh (§4.3 forceRefreshToken).
func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.tokens.ForceRefreshToken(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGenerateAuthURL serves POST /admin/accounts/generate-auth-url,
// starting the (external-collaborator) OAuth authorization-code flow. The
// admin caller supplies its own redirect_uri since the callback target is
// owned by whatever onboarding UI is driving this.
func (s *Server) handleGenerateAuthURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RedirectURI string `json:"redirect_uri"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.RedirectURI == "" {
		writeAdminError(w, http.StatusBadRequest, "redirect_uri required")
		return
	}

	authURL, session, err := account.GenerateAuthURL(s.cfg.OAuthClientID, body.RedirectURI, s.cfg.OAuthScopes)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload, _ := json.Marshal(session)
	if err := s.store.SetOAuthSession(r.Context(), session.State, string(payload), 10*time.Minute); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"authUrl": authURL, "state": session.State})
}

// handleExchangeCode serves POST /admin/accounts/exchange-code, completing
// the authorization-code flow and onboarding the resulting account: token
// exchange, email lookup, project-id onboarding, then persistence.
func (s *Server) handleExchangeCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State       string `json:"state"`
		Code        string `json:"code"`
		RedirectURI string `json:"redirect_uri"`
		Priority    int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid body")
		return
	}

	sessionJSON, err := s.store.GetDelOAuthSession(r.Context(), body.State)
	if err != nil || sessionJSON == "" {
		writeAdminError(w, http.StatusBadRequest, "unknown or expired oauth state")
		return
	}
	var session account.OAuthSession
	if err := json.Unmarshal([]byte(sessionJSON), &session); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "corrupt oauth session")
		return
	}

	code := account.ExtractCodeFromCallback(body.Code)
	result, err := account.ExchangeCode(r.Context(), s.cfg.OAuthTokenURL, s.cfg.OAuthClientID, s.cfg.OAuthClientSecret, body.RedirectURI, code, session.CodeVerifier)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, err.Error())
		return
	}

	email, err := account.FetchUserInfo(r.Context(), result.AccessToken)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, err.Error())
		return
	}

	acct, err := s.accounts.Create(r.Context(), email, result.RefreshToken, nil, body.Priority)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.accounts.StoreTokens(r.Context(), acct.ID, result.AccessToken, result.RefreshToken, result.ExpiresIn); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}

	projectID, tier, err := s.onboarder.FetchProjectID(r.Context(), result.AccessToken)
	if err == nil {
		_ = s.accounts.Update(r.Context(), acct.ID, map[string]string{"projectId": projectID, "tier": tier})
	}

	acct, _ = s.accounts.Get(r.Context(), acct.ID)
	writeJSON(w, http.StatusCreated, acct)
}

// handleGetSetting serves GET /admin/settings/{key} (§4.8/§6 per-group
// thresholds and other operator-tunable settings).
func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok, err := s.store.GetSetting(r.Context(), key)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeAdminError(w, http.StatusNotFound, "setting not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

// handleSetSetting serves POST /admin/settings/{key}.
func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.store.SetSetting(r.Context(), key, body.Value); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRoutingOverview serves GET /admin/routing: the account pool's
// per-group routing snapshot (§4.5).
func (s *Server) handleRoutingOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.GetGroupRoutingOverview(r.Context()))
}

// handleEvents serves GET /admin/events: a live SSE feed of pool/account
// lifecycle events (bans, refreshes, cooldowns, recoveries, request
// outcomes), backed by the in-memory ring the rest of the system publishes
// to (internal/events.Bus).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAdminError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id, ch, recent := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(e events.Event) bool {
		b, _ := json.Marshal(e)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, e := range recent {
		if !writeEvent(e) {
			return
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !writeEvent(e) {
				return
			}
		}
	}
}

// handleAdminHealth serves GET /admin/health: store connectivity, uptime,
// and the running version, for operator dashboards (distinct from the
// unauthenticated liveness probe at /health).
func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := s.store.Ping(r.Context()) == nil
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptimeSec": int(time.Since(s.startTime).Seconds()),
		"storeOk":   storeOK,
	})
}
