package dialect

import "testing"

func TestBuildSafetySettingsFullTable(t *testing.T) {
	got := BuildSafetySettings("gemini-2.5-pro")
	if len(got) != len(fullSafetyCategories) {
		t.Fatalf("expected %d categories, got %d", len(fullSafetyCategories), len(got))
	}
	for _, s := range got {
		if s.Threshold != "BLOCK_NONE" {
			t.Fatalf("expected BLOCK_NONE threshold, got %q", s.Threshold)
		}
	}
}

func TestBuildSafetySettingsReducedTable(t *testing.T) {
	got := BuildSafetySettings("gemini-2.0-flash-thinking-exp")
	if len(got) != len(reducedSafetyCategories) {
		t.Fatalf("expected %d reduced categories, got %d", len(reducedSafetyCategories), len(got))
	}
}
