package dialect

import (
	"strings"
	"testing"

	"github.com/devanenWl/antigravity-gateway/internal/config"
)

func TestToolResultLimiterPassesShortText(t *testing.T) {
	l := NewToolResultLimiter(&config.Config{ToolResultMaxChars: 100, ToolResultTotalMaxChars: 1000, ToolResultTailChars: 10})
	text := "short output"
	if got := l.Limit(text); got != text {
		t.Fatalf("expected unchanged short text, got %q", got)
	}
}

func TestToolResultLimiterTruncatesLongText(t *testing.T) {
	l := NewToolResultLimiter(&config.Config{ToolResultMaxChars: 50, ToolResultTotalMaxChars: 1000, ToolResultTailChars: 10})
	text := strings.Repeat("a", 200)
	got := l.Limit(text)
	if len(got) <= 50 && !strings.Contains(got, "truncated") {
		t.Fatalf("expected truncation marker, got %q", got)
	}
	if !strings.HasSuffix(got, strings.Repeat("a", 10)) {
		t.Fatalf("expected tail preserved, got %q", got)
	}
}

func TestToolResultLimiterEnforcesRunningTotal(t *testing.T) {
	l := NewToolResultLimiter(&config.Config{ToolResultMaxChars: 100, ToolResultTotalMaxChars: 120, ToolResultTailChars: 10})
	first := l.Limit(strings.Repeat("a", 100))
	second := l.Limit(strings.Repeat("b", 100))
	if len(first)+len(second) > 250 {
		t.Fatalf("expected total budget to constrain combined output, got %d+%d chars", len(first), len(second))
	}
}
