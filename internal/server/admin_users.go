package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/devanenWl/antigravity-gateway/internal/store"
)

// handleCreateUser serves POST /admin/users, minting a new API key: the raw
// token is returned exactly once, only its keyed hash (internal/account's
// HashAPIKey) and a display prefix are persisted, matching internal/auth's
// lookup-by-hash contract.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name required")
		return
	}

	token, err := generateAPIToken()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}

	u := &store.User{
		ID:          uuid.New().String(),
		Name:        body.Name,
		TokenHash:   s.crypto.HashAPIKey(token),
		TokenPrefix: token[:8],
		Status:      "active",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":    u.ID,
		"name":  u.Name,
		"token": token,
	})
}

// handleListUsers serves GET /admin/users. Raw tokens are never stored; each
// user is reported with its stored fields, including the keyed token hash
// and the token's first eight characters.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// handleDeleteUser serves DELETE /admin/users/{id}.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateUserStatus serves POST /admin/users/{id}/status (active/
// disabled), enforced by internal/auth on every downstream request.
func (s *Server) handleUpdateUserStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		writeAdminError(w, http.StatusBadRequest, "invalid status body")
		return
	}
	if err := s.store.UpdateUserStatus(r.Context(), id, body.Status); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func generateAPIToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sk-relay-" + base64.RawURLEncoding.EncodeToString(b), nil
}
