package signature

import (
	"testing"
	"time"
)

func TestToolSignatureStoreLookup(t *testing.T) {
	c := New(time.Hour)
	c.StoreToolSignature("call-1", "sig-abc")

	if got, ok := c.LookupToolSignature("call-1"); !ok || got != "sig-abc" {
		t.Fatalf("expected sig-abc, got %q (ok=%v)", got, ok)
	}
	if _, ok := c.LookupToolSignature("call-2"); ok {
		t.Fatal("expected miss for unknown tool call id")
	}
}

func TestToolSignatureExpiry(t *testing.T) {
	c := New(time.Millisecond)
	c.StoreToolSignature("call-1", "sig-1")
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.LookupToolSignature("call-1"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestClaudeThinkingStoreLookup(t *testing.T) {
	c := New(time.Hour)
	c.StoreClaudeThinking("call-1", "sig-claude", "let me think")

	cached := c.LookupClaudeThinking("call-1")
	if cached == nil {
		t.Fatal("expected cached thinking block, got nil")
	}
	if cached.Signature != "sig-claude" || cached.Thought != "let me think" {
		t.Fatalf("unexpected cached block: %+v", cached)
	}

	if cached := c.LookupClaudeThinking("call-missing"); cached != nil {
		t.Fatalf("expected nil for unknown tool call id, got %+v", cached)
	}
}

func TestClaudeThinkingExpiry(t *testing.T) {
	c := New(time.Millisecond)
	c.StoreClaudeThinking("call-1", "sig-claude", "thought")
	time.Sleep(5 * time.Millisecond)

	if cached := c.LookupClaudeThinking("call-1"); cached != nil {
		t.Fatalf("expected expired entry to miss, got %+v", cached)
	}
}

func TestStoreIgnoresEmptyKeyOrSignature(t *testing.T) {
	c := New(time.Hour)
	c.StoreToolSignature("", "sig")
	c.StoreToolSignature("call-1", "")
	c.StoreClaudeThinking("", "sig", "thought")
	c.StoreClaudeThinking("call-2", "", "thought")

	if _, ok := c.LookupToolSignature("call-1"); ok {
		t.Fatal("empty signature should not be stored")
	}
	if cached := c.LookupClaudeThinking("call-2"); cached != nil {
		t.Fatal("empty signature should not be stored")
	}
}
