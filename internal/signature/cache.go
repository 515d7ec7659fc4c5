// Package signature caches thinking-block signatures keyed by tool_call_id
// so a replayed conversation turn can present a stable signature back
// upstream even though the downstream client (OpenAI/Anthropic dialect)
// strips it before the next turn (§4.4).
package signature

import (
	"sync"
	"time"
)

// Kind distinguishes the two cached shapes the translators need (§4.4): a
// bare upstream function-call thoughtSignature, and a full Claude
// thinking-block (signature + the thought text it signed).
type Kind int

const (
	// ToolThoughtSignature caches the upstream thoughtSignature attached to
	// a functionCall part, replayed verbatim on the next turn's history.
	ToolThoughtSignature Kind = iota
	// ClaudeToolThinking caches the Claude-dialect thinking block (signature
	// plus thought text) that preceded a tool_use block.
	ClaudeToolThinking
)

// ClaudeThinking is the cached payload for Kind ClaudeToolThinking.
type ClaudeThinking struct {
	Signature string
	Thought   string
}

// GeminiReplaySentinel is inserted for Gemini tool replays on a cache miss
// to bypass upstream signature validation when thinking is not in play
// (§4.4).
const GeminiReplaySentinel = "context_engine_replay"

type entry struct {
	kind      Kind
	signature string
	thought   string
	expiresAt time.Time
}

// Cache holds both kinds of entry, keyed by tool_call_id, with absolute-time
// expiry. Reads evict lazily on a miss; there is no background sweep since
// entries expire naturally within ClaudeThinkingSignatureTTL of a
// conversation ending.
type Cache struct {
	mu    sync.Mutex
	items map[cacheKey]entry
	ttl   time.Duration
}

type cacheKey struct {
	kind Kind
	id   string
}

// New starts a cache with the given entry TTL (cfg.ClaudeThinkingSignatureTTL).
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{items: make(map[cacheKey]entry), ttl: ttl}
}

// StoreToolSignature caches a functionCall's thoughtSignature by tool_call_id.
func (c *Cache) StoreToolSignature(toolCallID, signature string) {
	if toolCallID == "" || signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey{ToolThoughtSignature, toolCallID}] = entry{
		kind:      ToolThoughtSignature,
		signature: signature,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// LookupToolSignature returns the cached signature for toolCallID, or ""
// (and false) on a miss or expiry.
func (c *Cache) LookupToolSignature(toolCallID string) (string, bool) {
	return c.lookup(cacheKey{ToolThoughtSignature, toolCallID})
}

// StoreClaudeThinking caches the thinking block that preceded a tool_use
// block, keyed by that block's tool_call_id.
func (c *Cache) StoreClaudeThinking(toolCallID, signature, thought string) {
	if toolCallID == "" || signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey{ClaudeToolThinking, toolCallID}] = entry{
		kind:      ClaudeToolThinking,
		signature: signature,
		thought:   thought,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// LookupClaudeThinking returns the cached thinking block for toolCallID, or
// nil on a miss or expiry — the caller (dialect/replay.go) downgrades by
// disabling thinking for that turn and logging it (§4.4).
func (c *Cache) LookupClaudeThinking(toolCallID string) *ClaudeThinking {
	sig, ok := c.lookup(cacheKey{ClaudeToolThinking, toolCallID})
	if !ok {
		return nil
	}
	c.mu.Lock()
	e, stillThere := c.items[cacheKey{ClaudeToolThinking, toolCallID}]
	c.mu.Unlock()
	if !stillThere {
		return nil
	}
	return &ClaudeThinking{Signature: sig, Thought: e.thought}
}

func (c *Cache) lookup(key cacheKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.items, key)
		return "", false
	}
	return e.signature, true
}
