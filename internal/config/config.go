// Package config reads the gateway's environment once at boot into a flat
// struct. Per-group quota thresholds and other operator-tunable numbers are
// also mirrored into the settings table (internal/store) so they can be
// changed without a restart; Config only supplies the seed defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Database
	DBPath string

	// Security
	EncryptionKey string
	APIKey        string
	AdminPassword string

	// Outbound proxy / fingerprint transport
	OutboundProxy     string
	UseTLSFingerprint bool

	// Upstream (Antigravity / Cloud Code)
	UpstreamURL         string
	UpstreamFallbackURL string
	UpstreamUserAgent   string

	// OAuth (Google, token refresh only — see §1 Non-goals on auth-code exchange)
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       string

	// Retry orchestrator (C6)
	SameAccountRetries            int
	SameAccountRetryDelay         time.Duration
	UpstreamCapacityRetryDelay    time.Duration
	ErrorCountToDisable           int
	RetryTotalTimeout             time.Duration
	MaxConcurrentPerAccount       int
	CapacityCooldownDefault       time.Duration
	CapacityCooldownMax           time.Duration

	// Dialect translator (C7)
	ToolResultMaxChars        int
	ToolResultTotalMaxChars   int
	ToolResultTailChars       int
	MaxOutputTokensWithTools  int
	MaxCacheControls          int
	ClaudeThinkingSignatureTTL time.Duration
	OpenAIThinkingOutput      string // reasoning_content | tags | both
	OfficialSystemPrompt      string

	// Open question (§9): whether a cached-but-empty thought text should be
	// replayed as a single space or omitted. Implemented as a toggle rather
	// than guessed — see DESIGN.md.
	ClaudeReplayEmptyThoughtPlaceholder bool

	// Scheduling / sessions
	SessionBindingTTL   time.Duration
	TokenRefreshAdvance time.Duration

	// Request
	RequestTimeoutUnary  time.Duration
	RequestTimeoutStream time.Duration
	ConnectTimeout       time.Duration
	MaxRequestBodyMB     int

	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		DBPath: envOr("DB_PATH", "./gateway.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		APIKey:        os.Getenv("API_KEY"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		OutboundProxy:     firstNonEmpty(os.Getenv("OUTBOUND_PROXY"), os.Getenv("HTTPS_PROXY"), os.Getenv("HTTP_PROXY")),
		UseTLSFingerprint: envOr("USE_TLS_FINGERPRINT", "true") != "false",

		UpstreamURL:         envOr("UPSTREAM_URL", "https://daily-cloudcode-pa.googleapis.com"),
		UpstreamFallbackURL: envOr("UPSTREAM_FALLBACK_URL", "https://cloudcode-pa.googleapis.com"),
		UpstreamUserAgent:   envOr("UPSTREAM_USER_AGENT", "antigravity/1.16.5 windows/amd64"),

		OAuthClientID:     os.Getenv("OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),
		OAuthTokenURL:     envOr("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		OAuthScopes:       envOr("OAUTH_SCOPES", "https://www.googleapis.com/auth/cloud-platform"),

		SameAccountRetries:         envInt("SAME_ACCOUNT_RETRIES", 1),
		SameAccountRetryDelay:      envDuration("SAME_ACCOUNT_RETRY_DELAY_MS", 500*time.Millisecond),
		UpstreamCapacityRetryDelay: envDuration("UPSTREAM_CAPACITY_RETRY_DELAY_MS", 1*time.Second),
		ErrorCountToDisable:        envInt("ERROR_COUNT_TO_DISABLE", 3),
		RetryTotalTimeout:          envDuration("RETRY_TOTAL_TIMEOUT_MS", 30*time.Second),
		MaxConcurrentPerAccount:    envInt("MAX_CONCURRENT_PER_ACCOUNT", 0),
		CapacityCooldownDefault:    envDuration("CAPACITY_COOLDOWN_DEFAULT_MS", 30*time.Second),
		CapacityCooldownMax:        envDuration("CAPACITY_COOLDOWN_MAX_MS", 10*time.Minute),

		ToolResultMaxChars:         envInt("TOOL_RESULT_MAX_CHARS", 20000),
		ToolResultTotalMaxChars:    envInt("TOOL_RESULT_TOTAL_MAX_CHARS", 100000),
		ToolResultTailChars:        envInt("TOOL_RESULT_TAIL_CHARS", 2000),
		MaxOutputTokensWithTools:   envInt("MAX_OUTPUT_TOKENS_WITH_TOOLS", 8192),
		ClaudeThinkingSignatureTTL: envDuration("CLAUDE_THINKING_SIGNATURE_TTL_MS", 24*time.Hour),
		OpenAIThinkingOutput:       envOr("OPENAI_THINKING_OUTPUT", "reasoning_content"),
		OfficialSystemPrompt:       os.Getenv("OFFICIAL_SYSTEM_PROMPT"),

		ClaudeReplayEmptyThoughtPlaceholder: envOr("CLAUDE_REPLAY_EMPTY_THOUGHT_PLACEHOLDER", "true") != "false",

		SessionBindingTTL:   envDuration("SESSION_BINDING_TTL_MS", 24*time.Hour),
		TokenRefreshAdvance: envDuration("TOKEN_REFRESH_ADVANCE_MS", 5*time.Minute),

		RequestTimeoutUnary:  envDuration("REQUEST_TIMEOUT_UNARY_MS", 120*time.Second),
		RequestTimeoutStream: envDuration("REQUEST_TIMEOUT_STREAM_MS", 300*time.Second),
		ConnectTimeout:       envDuration("CONNECT_TIMEOUT_MS", 30*time.Second),
		MaxRequestBodyMB:     envInt("REQUEST_MAX_SIZE_MB", 60),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.APIKey == "" && c.AdminPassword == "" {
		return errMissing("API_KEY or ADMIN_PASSWORD")
	}
	if c.OAuthClientID == "" || c.OAuthClientSecret == "" {
		return errMissing("OAUTH_CLIENT_ID/OAUTH_CLIENT_SECRET")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
