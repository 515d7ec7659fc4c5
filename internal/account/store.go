// Package account owns the Account aggregate (§3): CRUD over the store,
// at-rest token encryption, and OAuth refresh (see token.go).
package account

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/devanenWl/antigravity-gateway/internal/store"
)

const oauthSalt = "oauth-refresh-token"

// Account is the unit of credential ownership (§3).
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`

	Status       string `json:"status"` // created, active, error, disabled
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCount   int    `json:"errorCount"`

	ExpiresAt int64 `json:"expiresAt"` // ms epoch

	// Upstream binding.
	ProjectID string `json:"projectId"`
	Tier      string `json:"tier"` // standard-tier, free-tier, ...

	// Device identity, presented on every upstream call to look like a
	// stable installed client (§4.8 camouflage).
	InstanceID        string `json:"instanceId"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	SessionID         string `json:"sessionId"` // negative int64 as string

	// Aggregate quota, the minimum fraction across relevant non-image
	// models (§4.3 quota sync). Per-model snapshots live in
	// store.AccountModelQuota.
	QuotaRemaining float64    `json:"quotaRemaining"` // [0,1]
	QuotaResetTime *time.Time `json:"quotaResetTime,omitempty"`

	Priority      int        `json:"priority"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	LastRefreshAt *time.Time `json:"lastRefreshAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`

	Proxy   *ProxyConfig           `json:"proxy,omitempty"`
	ExtInfo map[string]interface{} `json:"extInfo,omitempty"`
}

type ProxyConfig struct {
	Type     string `json:"type"` // socks5, http, https
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// AccountStore manages Account persistence and token encryption.
type AccountStore struct {
	store  store.Store
	crypto *Crypto
}

func NewAccountStore(s store.Store, c *Crypto) *AccountStore {
	return &AccountStore{store: s, crypto: c}
}

// Create adds a new account. The refreshToken is encrypted before storage.
func (as *AccountStore) Create(ctx context.Context, email, refreshToken string, proxy *ProxyConfig, priority int) (*Account, error) {
	id := uuid.New().String()

	encRefresh, err := as.crypto.Encrypt(refreshToken, oauthSalt)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fields := map[string]string{
		"id":                id,
		"email":             email,
		"refreshToken":      encRefresh,
		"status":            "created",
		"priority":          strconv.Itoa(priority),
		"createdAt":         now.Format(time.RFC3339),
		"expiresAt":         "0",
		"errorMessage":      "",
		"errorCount":        "0",
		"instanceId":        syntheticInstanceID(),
		"deviceFingerprint": syntheticDeviceFingerprint(id),
		"sessionId":         syntheticSessionID(),
	}

	if proxy != nil {
		proxyJSON, _ := json.Marshal(proxy)
		fields["proxy"] = string(proxyJSON)
	}

	if err := as.store.SetAccount(ctx, id, fields); err != nil {
		return nil, err
	}

	return as.Get(ctx, id)
}

// Get returns an account by ID.
func (as *AccountStore) Get(ctx context.Context, id string) (*Account, error) {
	data, err := as.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return fromMap(data), nil
}

// List returns all accounts.
func (as *AccountStore) List(ctx context.Context) ([]*Account, error) {
	ids, err := as.store.ListAccountIDs(ctx)
	if err != nil {
		return nil, err
	}

	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		data, err := as.store.GetAccount(ctx, id)
		if err != nil {
			continue
		}
		if len(data) == 0 {
			continue
		}
		accounts = append(accounts, fromMap(data))
	}
	return accounts, nil
}

// Delete removes an account (I4: cascades per-model quota rows, nulls
// attempt-log foreign keys — enforced by store.SQLiteStore.DeleteAccount).
func (as *AccountStore) Delete(ctx context.Context, id string) error {
	return as.store.DeleteAccount(ctx, id)
}

// Update modifies account fields.
func (as *AccountStore) Update(ctx context.Context, id string, fields map[string]string) error {
	return as.store.SetAccountFields(ctx, id, fields)
}

// GetDecryptedRefreshToken returns the decrypted refresh token.
func (as *AccountStore) GetDecryptedRefreshToken(ctx context.Context, id string) (string, error) {
	data, err := as.store.GetAccount(ctx, id)
	if err != nil {
		return "", err
	}
	enc, ok := data["refreshToken"]
	if !ok || enc == "" {
		return "", nil
	}
	return as.crypto.Decrypt(enc, oauthSalt)
}

// GetDecryptedAccessToken returns the decrypted access token.
func (as *AccountStore) GetDecryptedAccessToken(ctx context.Context, id string) (string, error) {
	data, err := as.store.GetAccount(ctx, id)
	if err != nil {
		return "", err
	}
	enc, ok := data["accessToken"]
	if !ok || enc == "" {
		return "", nil
	}
	return as.crypto.Decrypt(enc, oauthSalt)
}

// StoreTokens encrypts and stores new tokens after a refresh.
func (as *AccountStore) StoreTokens(ctx context.Context, id, accessToken, refreshToken string, expiresIn int) error {
	encAccess, err := as.crypto.Encrypt(accessToken, oauthSalt)
	if err != nil {
		return err
	}
	encRefresh, err := as.crypto.Encrypt(refreshToken, oauthSalt)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(expiresIn) * time.Second).UnixMilli()

	return as.store.SetAccountFields(ctx, id, map[string]string{
		"accessToken":   encAccess,
		"refreshToken":  encRefresh,
		"expiresAt":     strconv.FormatInt(expiresAt, 10),
		"lastRefreshAt": now.Format(time.RFC3339),
		"status":        "active",
		"errorMessage":  "",
		"errorCount":    "0",
	})
}

func fromMap(m map[string]string) *Account {
	a := &Account{
		ID:                m["id"],
		Email:             m["email"],
		Status:            m["status"],
		ErrorMessage:      m["errorMessage"],
		ErrorCount:        atoi(m["errorCount"], 0),
		ExpiresAt:         atoi64(m["expiresAt"], 0),
		ProjectID:         m["projectId"],
		Tier:              m["tier"],
		InstanceID:        m["instanceId"],
		DeviceFingerprint: m["deviceFingerprint"],
		SessionID:         m["sessionId"],
		QuotaRemaining:    atof(m["quotaRemaining"], 0),
		Priority:          atoi(m["priority"], 50),
	}

	if t, err := time.Parse(time.RFC3339, m["createdAt"]); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m["lastUsedAt"]); err == nil {
		a.LastUsedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["lastRefreshAt"]); err == nil {
		a.LastRefreshAt = &t
	}
	if ms := atoi64(m["quotaResetTime"], 0); ms > 0 {
		t := time.UnixMilli(ms).UTC()
		a.QuotaResetTime = &t
	}

	if proxyStr := m["proxy"]; proxyStr != "" {
		var p ProxyConfig
		if json.Unmarshal([]byte(proxyStr), &p) == nil && p.Host != "" {
			a.Proxy = &p
		}
	}

	if extStr := m["extInfo"]; extStr != "" {
		var ext map[string]interface{}
		if json.Unmarshal([]byte(extStr), &ext) == nil {
			a.ExtInfo = ext
		}
	}

	return a
}

func atoi(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func atoi64(s string, def int64) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}

func atof(s string, def float64) float64 {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}
