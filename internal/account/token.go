package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/devanenWl/antigravity-gateway/internal/config"
	"github.com/devanenWl/antigravity-gateway/internal/relayerr"
	"github.com/devanenWl/antigravity-gateway/internal/store"
)

// HTTPTransportProvider returns per-account HTTP transports.
type HTTPTransportProvider interface {
	GetHTTPTransport(acct *Account) *http.Transport
}

// TokenManager handles OAuth token refresh, project onboarding, and quota
// sync for the account pool (§4.3, C3). Concurrent refreshes for the same
// account are coalesced by singleflight, keyed by account_id, rather than
// serializing through a store-level lock.
type TokenManager struct {
	store     store.Store
	accounts  *AccountStore
	cfg       *config.Config
	client    *http.Client // default client (no proxy)
	transport HTTPTransportProvider

	inflight singleflight.Group
}

func NewTokenManager(s store.Store, as *AccountStore, cfg *config.Config, tp HTTPTransportProvider) *TokenManager {
	return &TokenManager{
		store:     s,
		accounts:  as,
		cfg:       cfg,
		client:    &http.Client{Timeout: 30 * time.Second},
		transport: tp,
	}
}

// tokenResponse is the OAuth refresh response from Google's token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// EnsureValidToken refreshes the account's access token if it is missing or
// expiring within TokenRefreshAdvance, returning the decrypted token either
// way (§4.3 ensureValidToken).
func (tm *TokenManager) EnsureValidToken(ctx context.Context, accountID string) (string, error) {
	data, err := tm.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}

	expiresAt := atoi64(data["expiresAt"], 0)
	now := time.Now().UnixMilli()

	if expiresAt > 0 && now < expiresAt-tm.cfg.TokenRefreshAdvance.Milliseconds() {
		token, err := tm.accounts.GetDecryptedAccessToken(ctx, accountID)
		if err != nil {
			return "", fmt.Errorf("decrypt access token: %w", err)
		}
		if token != "" {
			return token, nil
		}
	}

	return tm.ForceRefreshToken(ctx, accountID)
}

// ForceRefreshToken unconditionally refreshes the account's token, sharing
// one in-flight call across all concurrent callers for this account
// (§4.3 forceRefreshToken).
func (tm *TokenManager) ForceRefreshToken(ctx context.Context, accountID string) (string, error) {
	v, err, _ := tm.inflight.Do(accountID, func() (interface{}, error) {
		return tm.doRefresh(ctx, accountID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (tm *TokenManager) doRefresh(ctx context.Context, accountID string) (string, error) {
	refreshToken, err := tm.accounts.GetDecryptedRefreshToken(ctx, accountID)
	if err != nil {
		tm.markError(ctx, accountID, "decrypt refresh token: "+err.Error(), false)
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		tm.markError(ctx, accountID, "empty refresh token", true)
		return "", fmt.Errorf("empty refresh token for account %s", accountID)
	}

	slog.Info("refreshing token", "accountId", accountID)

	resp, err := tm.callOAuthRefresh(ctx, accountID, refreshToken)
	if err != nil {
		var authErr *relayerr.AuthError
		terminal := errors.As(err, &authErr) && authErr.RefreshInvalid
		tm.markError(ctx, accountID, err.Error(), terminal)
		return "", fmt.Errorf("oauth refresh: %w", err)
	}

	newRefresh := resp.RefreshToken
	if newRefresh == "" {
		// Google does not always rotate the refresh token; keep the old one.
		newRefresh = refreshToken
	}

	if err := tm.accounts.StoreTokens(ctx, accountID, resp.AccessToken, newRefresh, resp.ExpiresIn); err != nil {
		return "", fmt.Errorf("store tokens: %w", err)
	}

	slog.Info("token refreshed", "accountId", accountID, "expiresIn", resp.ExpiresIn)
	return resp.AccessToken, nil
}

// callOAuthRefresh sends the OAuth refresh_token grant to Google's token
// endpoint (x-www-form-urlencoded, matching oauth.go's code-exchange call).
func (tm *TokenManager) callOAuthRefresh(ctx context.Context, accountID, refreshToken string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {tm.cfg.OAuthClientID},
		"client_secret": {tm.cfg.OAuthClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", tm.cfg.OAuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := tm.client
	if tm.transport != nil {
		acct, err := tm.accounts.Get(ctx, accountID)
		if err == nil && acct != nil && acct.Proxy != nil {
			if t := tm.transport.GetHTTPTransport(acct); t != nil {
				client = &http.Client{Transport: t, Timeout: 30 * time.Second}
			}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error string `json:"error"`
			Desc  string `json:"error_description"`
		}
		_ = json.Unmarshal(respBody, &oauthErr)
		msg := fmt.Sprintf("oauth returned %d: %s", resp.StatusCode, truncate(respBody, 200))
		if oauthErr.Error == "invalid_grant" {
			return nil, &relayerr.AuthError{Message: msg, RefreshInvalid: true}
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &relayerr.AuthError{Message: msg}
		}
		return nil, &relayerr.NetworkError{Message: msg}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in response")
	}

	return &tokenResp, nil
}

// markError records a refresh failure on the account. terminal marks the
// refresh-token-invalid subtype (§4.3/§7/§8 scenario 5), using the same
// errorMessage convention the pool uses when it reaches the same terminal
// state via the ordinary retry path.
func (tm *TokenManager) markError(ctx context.Context, accountID, msg string, terminal bool) {
	slog.Error("token refresh failed", "accountId", accountID, "error", msg, "terminal", terminal)
	errMsg := msg
	if terminal {
		errMsg = "refresh token permanently invalid"
	}
	_ = tm.accounts.Update(ctx, accountID, map[string]string{
		"status":       "error",
		"errorMessage": errMsg,
	})
}
