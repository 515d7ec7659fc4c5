package dialect

import "testing"

func TestResolveThinkingDisabledExplicit(t *testing.T) {
	got := ResolveThinking("claude-sonnet-4-6", ThinkingRequest{Type: "disabled"})
	if got.Enabled {
		t.Fatalf("expected thinking disabled, got %+v", got)
	}
}

func TestResolveThinkingDefaultsOnForThinkingModel(t *testing.T) {
	got := ResolveThinking("gemini-2.5-pro", ThinkingRequest{})
	if !got.Enabled {
		t.Fatal("expected thinking enabled by default for a thinking-set model")
	}
	if got.Budget != EffortBudgets["medium"] {
		t.Fatalf("expected medium default budget, got %d", got.Budget)
	}
}

func TestResolveThinkingOffForNonThinkingModelByDefault(t *testing.T) {
	got := ResolveThinking("gemini-1.5-flash", ThinkingRequest{})
	if got.Enabled {
		t.Fatal("expected thinking off for a non-thinking-set model with no explicit request")
	}
}

func TestResolveThinkingEffortSetsBudget(t *testing.T) {
	got := ResolveThinking("gemini-1.5-flash", ThinkingRequest{Effort: "high"})
	if !got.Enabled || got.Budget != EffortBudgets["high"] {
		t.Fatalf("expected high effort budget, got %+v", got)
	}
}

func TestResolveThinkingClaudeMinimumBudget(t *testing.T) {
	got := ResolveThinking("claude-sonnet-4-6", ThinkingRequest{Budget: 10})
	if got.Budget != minClaudeThinkingBudget {
		t.Fatalf("expected budget clamped to claude minimum, got %d", got.Budget)
	}
}

func TestClampMaxOutputTokensForThinking(t *testing.T) {
	if got := ClampMaxOutputTokensForThinking(1000, 4096); got != 4096+4096 {
		t.Fatalf("expected max tokens raised above budget, got %d", got)
	}
	if got := ClampMaxOutputTokensForThinking(9000, 4096); got != 9000 {
		t.Fatalf("expected max tokens left alone when already above budget, got %d", got)
	}
}

func TestIsClaudeModel(t *testing.T) {
	if !IsClaudeModel("claude-opus-4-6") {
		t.Error("expected claude-opus-4-6 to be a Claude model")
	}
	if IsClaudeModel("gemini-2.5-pro") {
		t.Error("gemini-2.5-pro should not be a Claude model")
	}
}
