package dialect

import (
	"testing"
	"time"

	"github.com/devanenWl/antigravity-gateway/internal/signature"
)

func TestApplyThoughtReplayNoToolCallIDIsNoop(t *testing.T) {
	cache := signature.New(time.Hour)
	parts := []Part{{Text: "hello"}}

	got, decision := applyThoughtReplay(parts, "", "claude-sonnet-4-6", true, cache, false)

	if len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("expected parts unchanged, got %+v", got)
	}
	if decision.downgraded {
		t.Fatal("expected no downgrade when there is no tool call to replay")
	}
}

func TestApplyThoughtReplayClaudeCacheHitPrependsThought(t *testing.T) {
	cache := signature.New(time.Hour)
	cache.StoreClaudeThinking("call-1", "sig-claude", "let me think it through")
	parts := []Part{{FunctionCall: &FunctionCall{ID: "call-1", Name: "do_thing"}}}

	got, decision := applyThoughtReplay(parts, "call-1", "claude-sonnet-4-6", true, cache, false)

	if decision.downgraded {
		t.Fatal("expected no downgrade on a cache hit")
	}
	if len(got) != 2 {
		t.Fatalf("expected the thought part prepended, got %d parts", len(got))
	}
	if !got[0].Thought || got[0].ThoughtSignature != "sig-claude" || got[0].Text != "let me think it through" {
		t.Fatalf("unexpected prepended thought part: %+v", got[0])
	}
	if got[1].FunctionCall == nil || got[1].FunctionCall.ID != "call-1" {
		t.Fatalf("expected the original function call part to survive untouched, got %+v", got[1])
	}
}

func TestApplyThoughtReplayClaudeCacheHitEmptyThoughtPlaceholder(t *testing.T) {
	cache := signature.New(time.Hour)
	cache.StoreClaudeThinking("call-1", "sig-claude", "")
	parts := []Part{{FunctionCall: &FunctionCall{ID: "call-1"}}}

	got, _ := applyThoughtReplay(parts, "call-1", "claude-opus-4-6", true, cache, true)

	if got[0].Text != " " {
		t.Fatalf("expected the empty-thought placeholder to be a single space, got %q", got[0].Text)
	}
}

func TestApplyThoughtReplayClaudeCacheMissDowngrades(t *testing.T) {
	cache := signature.New(time.Hour)
	parts := []Part{{FunctionCall: &FunctionCall{ID: "call-1"}}}

	got, decision := applyThoughtReplay(parts, "call-1", "claude-sonnet-4-6", true, cache, false)

	if !decision.downgraded {
		t.Fatal("expected a downgrade when no cached signature exists for a Claude turn")
	}
	if len(got) != 1 {
		t.Fatalf("expected parts unchanged on a cache miss, got %d parts", len(got))
	}
}

func TestApplyThoughtReplayClaudeThinkingDisabledIsNoop(t *testing.T) {
	cache := signature.New(time.Hour)
	cache.StoreClaudeThinking("call-1", "sig-claude", "thought")
	parts := []Part{{FunctionCall: &FunctionCall{ID: "call-1"}}}

	got, decision := applyThoughtReplay(parts, "call-1", "claude-sonnet-4-6", false, cache, false)

	if decision.downgraded {
		t.Fatal("expected no downgrade signal when thinking was never enabled")
	}
	if len(got) != 1 {
		t.Fatalf("expected parts unchanged when thinking is disabled, got %d parts", len(got))
	}
}

func TestApplyThoughtReplayGeminiCacheHitSetsFunctionCallSignature(t *testing.T) {
	cache := signature.New(time.Hour)
	cache.StoreToolSignature("call-1", "sig-gemini")
	parts := []Part{
		{Text: "preamble"},
		{FunctionCall: &FunctionCall{ID: "call-1", Name: "do_thing"}},
	}

	got, decision := applyThoughtReplay(parts, "call-1", "gemini-2.5-pro", true, cache, false)

	if decision.downgraded {
		t.Fatal("non-Claude replay never reports a downgrade")
	}
	if len(got) != 2 {
		t.Fatalf("expected no parts added or removed, got %d", len(got))
	}
	if got[1].FunctionCall.ThoughtSignature != "sig-gemini" {
		t.Fatalf("expected the cached signature on the matching function call, got %q", got[1].FunctionCall.ThoughtSignature)
	}
}

func TestApplyThoughtReplayGeminiCacheMissUsesSentinel(t *testing.T) {
	cache := signature.New(time.Hour)
	parts := []Part{{FunctionCall: &FunctionCall{ID: "call-1"}}}

	got, _ := applyThoughtReplay(parts, "call-1", "gemini-2.5-flash", false, cache, false)

	if got[0].FunctionCall.ThoughtSignature != signature.GeminiReplaySentinel {
		t.Fatalf("expected the replay sentinel on a cache miss, got %q", got[0].FunctionCall.ThoughtSignature)
	}
}

func TestApplyThoughtReplayGeminiOnlyTouchesMatchingFunctionCall(t *testing.T) {
	cache := signature.New(time.Hour)
	cache.StoreToolSignature("call-1", "sig-1")
	parts := []Part{
		{FunctionCall: &FunctionCall{ID: "other-call", Name: "unrelated"}},
		{FunctionCall: &FunctionCall{ID: "call-1", Name: "do_thing"}},
	}

	got, _ := applyThoughtReplay(parts, "call-1", "gemini-2.5-pro", false, cache, false)

	if got[0].FunctionCall.ThoughtSignature != "" {
		t.Fatalf("expected the unrelated function call untouched, got %q", got[0].FunctionCall.ThoughtSignature)
	}
	if got[1].FunctionCall.ThoughtSignature != "sig-1" {
		t.Fatalf("expected the matching function call signed, got %q", got[1].FunctionCall.ThoughtSignature)
	}
}

func TestCaptureThoughtSignatureClaudeStoresThinkingBlock(t *testing.T) {
	cache := signature.New(time.Hour)
	captureThoughtSignature(cache, "claude-sonnet-4-6", "thinking text", "sig-claude", "call-1")

	cached := cache.LookupClaudeThinking("call-1")
	if cached == nil || cached.Signature != "sig-claude" || cached.Thought != "thinking text" {
		t.Fatalf("expected the Claude thinking block to be cached, got %+v", cached)
	}
	if _, ok := cache.LookupToolSignature("call-1"); ok {
		t.Fatal("a Claude capture must not also populate the bare tool-signature cache")
	}
}

func TestCaptureThoughtSignatureNonClaudeStoresToolSignature(t *testing.T) {
	cache := signature.New(time.Hour)
	captureThoughtSignature(cache, "gemini-2.5-pro", "", "sig-gemini", "call-1")

	got, ok := cache.LookupToolSignature("call-1")
	if !ok || got != "sig-gemini" {
		t.Fatalf("expected the bare signature cached for call-1, got %q (ok=%v)", got, ok)
	}
	if cached := cache.LookupClaudeThinking("call-1"); cached != nil {
		t.Fatal("a non-Claude capture must not populate the Claude thinking cache")
	}
}

func TestCaptureThoughtSignatureIgnoresMissingIDOrSignature(t *testing.T) {
	cache := signature.New(time.Hour)
	captureThoughtSignature(cache, "gemini-2.5-pro", "", "sig", "")
	captureThoughtSignature(cache, "gemini-2.5-pro", "", "", "call-1")

	if _, ok := cache.LookupToolSignature("call-1"); ok {
		t.Fatal("expected no signature cached without both a tool call id and a signature")
	}
}
