package pool

import "testing"

func TestModelFamily(t *testing.T) {
	cases := map[string]QuotaGroup{
		"gemini-2.5-flash":     GroupFlash,
		"gemini-2.5-pro":       GroupPro,
		"claude-sonnet-4-6":    GroupClaude,
		"imagen-3.0-generate":  GroupImage,
		"some-unknown-model-x": GroupOther,
	}
	for model, want := range cases {
		if got := ModelFamily(model); got != want {
			t.Errorf("ModelFamily(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestIsThinkingModel(t *testing.T) {
	if !IsThinkingModel("gemini-2.5-pro") {
		t.Error("gemini-2.5-pro should be a thinking model")
	}
	if !IsThinkingModel("claude-sonnet-4-6") {
		t.Error("claude-sonnet-4-6 should be a thinking model")
	}
	if IsThinkingModel("gemini-1.5-flash") {
		t.Error("gemini-1.5-flash should not be a thinking model")
	}
}

func TestMapModel(t *testing.T) {
	cases := map[string]string{
		"gemini-2.5-flash-latest": "gemini-2.5-flash",
		"claude-sonnet-20250101":  "claude-sonnet-4-6",
		"claude-opus-preview":     "claude-opus-4-6",
		"mystery-model":           "mystery-model",
	}
	for in, want := range cases {
		if got := MapModel(in); got != want {
			t.Errorf("MapModel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSelectionKey(t *testing.T) {
	if got := SelectionKey("gemini-2.5-pro", true); got != "group:pro" {
		t.Errorf("expected group key, got %q", got)
	}
	if got := SelectionKey("gemini-2.5-pro", false); got != "gemini-2.5-pro" {
		t.Errorf("expected raw model key, got %q", got)
	}
	if got := SelectionKey("some-unknown-model", true); got != "some-unknown-model" {
		t.Errorf("unknown model should fall back to raw key, got %q", got)
	}
}
