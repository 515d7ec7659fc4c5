// Package camouflage runs the per-account background schedulers (C8, §4.8)
// that imitate the official Antigravity/Cloud Code client's observable
// network footprint, so passive anomaly detection on the upstream side does
// not flag a credential whose *traffic shape* looks nothing like a real
// installed client even when its request content is perfectly valid.
package camouflage

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/account"
	"github.com/devanenWl/antigravity-gateway/internal/config"
	"github.com/devanenWl/antigravity-gateway/internal/transport"
)

// TokenEnsurer mints a valid access token for an account (C3).
type TokenEnsurer interface {
	EnsureValidToken(ctx context.Context, accountID string) (string, error)
}

// Manager owns one heartbeat/unleash pair per active account, the shared
// version fetcher, and the fire-and-forget telemetry/trajectory senders
// used on every inbound request.
type Manager struct {
	transport *transport.Manager
	cfg       *config.Config
	accounts  *account.AccountStore
	tokens    TokenEnsurer

	mu        sync.Mutex
	perAcct   map[string]*accountState
	userAgent atomic.Value // string

	versionDebounce chan struct{}
}

type accountState struct {
	cancel      context.CancelFunc
	lastTraffic atomic.Int64 // unix nanos
	connID      string
	startedAt   time.Time
}

func NewManager(tm *transport.Manager, cfg *config.Config, as *account.AccountStore, tokens TokenEnsurer) *Manager {
	m := &Manager{
		transport:       tm,
		cfg:             cfg,
		accounts:        as,
		tokens:          tokens,
		perAcct:         make(map[string]*accountState),
		versionDebounce: make(chan struct{}, 1),
	}
	m.userAgent.Store(cfg.UpstreamUserAgent)
	return m
}

// UserAgent returns the currently active camouflage user-agent string,
// hot-swapped by the version fetcher on mismatch (§4.8).
func (m *Manager) UserAgent() string {
	return m.userAgent.Load().(string)
}

// Activate starts the warmup RPC sequence for a newly-active account in the
// background and, alongside it, its heartbeat and unleash schedulers. Safe
// to call more than once;
// a second call for an already-active account is a no-op.
func (m *Manager) Activate(ctx context.Context, acct *account.Account) {
	m.mu.Lock()
	if _, exists := m.perAcct[acct.ID]; exists {
		m.mu.Unlock()
		return
	}
	schedCtx, cancel := context.WithCancel(context.Background())
	st := &accountState{cancel: cancel, connID: ConnectionID(acct.ID), startedAt: time.Now()}
	st.lastTraffic.Store(time.Now().UnixNano())
	m.perAcct[acct.ID] = st
	m.mu.Unlock()

	go func() {
		if err := m.runWarmup(ctx, acct); err != nil {
			// Warmup failure doesn't block the account from serving traffic;
			// it just means its early footprint looks slightly less organic.
			return
		}
	}()

	go m.runHeartbeat(schedCtx, acct, st)
	go m.runUnleash(schedCtx, acct, st)
}

// Deactivate stops the background schedulers for an account (disabled/deleted).
func (m *Manager) Deactivate(accountID string) {
	m.mu.Lock()
	st, ok := m.perAcct[accountID]
	if ok {
		delete(m.perAcct, accountID)
	}
	m.mu.Unlock()
	if ok {
		st.cancel()
	}
}

// Touch records user traffic on accountID, used by the heartbeat idle gate.
func (m *Manager) Touch(accountID string) {
	m.mu.Lock()
	st := m.perAcct[accountID]
	m.mu.Unlock()
	if st != nil {
		st.lastTraffic.Store(time.Now().UnixNano())
	}
}

// Stop cancels every running scheduler (shutdown).
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.perAcct {
		st.cancel()
		delete(m.perAcct, id)
	}
}

func (m *Manager) token(ctx context.Context, acct *account.Account) (string, error) {
	return m.tokens.EnsureValidToken(ctx, acct.ID)
}

func (m *Manager) postJSON(ctx context.Context, acct *account.Account, path string, body []byte) (*transport.Response, error) {
	token, err := m.token(ctx, acct)
	if err != nil {
		return nil, err
	}
	headers := UpstreamHeaders(token, m.UserAgent())
	url := m.cfg.UpstreamURL + path
	return m.transport.Fetch(ctx, acct, http.MethodPost, url, headers, body, m.cfg.RequestTimeoutUnary)
}
