package pool

import "strings"

// QuotaGroup is the coarse routing bucket cooldowns and thresholds key on
// (§3 QuotaGroup, GLOSSARY) — any Gemini-Flash variant shares capacity
// decisions, and so on.
type QuotaGroup string

const (
	GroupFlash QuotaGroup = "flash"
	GroupPro   QuotaGroup = "pro"
	GroupClaude QuotaGroup = "claude"
	GroupImage QuotaGroup = "image"
	GroupOther QuotaGroup = "other"
)

// thinkingModelSubstrings is ported from the Antigravity constants file in
// the retrieval pack (other_examples) — substring/regex detection of
// "thinking-capable" models, supplementing §4.7's thinking-enablement rule.
var thinkingModelSubstrings = []string{
	"thinking",
	"2.5-pro",
	"2.5-flash",
	"claude-sonnet-4",
	"claude-opus-4",
}

// ModelFamily classifies a raw model id into the quota group used for
// routing, cooldowns, and thresholds (§3 QuotaGroup). Unknown models fall
// into GroupOther so they still get a deterministic, if conservative,
// selection key rather than panicking the router.
func ModelFamily(model string) QuotaGroup {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "image") || strings.Contains(lower, "imagen"):
		return GroupImage
	case strings.Contains(lower, "claude"):
		return GroupClaude
	case strings.Contains(lower, "flash"):
		return GroupFlash
	case strings.Contains(lower, "pro"):
		return GroupPro
	default:
		return GroupOther
	}
}

// IsThinkingModel reports whether model defaults to thinking-enabled (§4.7).
func IsThinkingModel(model string) bool {
	lower := strings.ToLower(model)
	for _, s := range thinkingModelSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// IsImageModel reports whether model belongs to the tracked-but-not-gating
// image group (§4.3: image models never lower the aggregate quota).
func IsImageModel(model string) bool {
	return ModelFamily(model) == GroupImage
}

// MapModel resolves the incoming client-facing model name to the upstream
// model id the account pool actually tracks quota for. The pack's fallback
// table (other_examples constants file) maps exotic aliases onto their
// nearest real family member; unknown models pass through unchanged so a
// brand-new upstream model still works without a gateway release.
func MapModel(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gemini-2.5-flash"):
		return "gemini-2.5-flash"
	case strings.Contains(lower, "gemini-2.5-pro"):
		return "gemini-2.5-pro"
	case strings.Contains(lower, "claude-sonnet"):
		return "claude-sonnet-4-6"
	case strings.Contains(lower, "claude-opus"):
		return "claude-opus-4-6"
	case strings.Contains(lower, "claude-haiku"):
		return "claude-haiku-4-5"
	default:
		return model
	}
}

// SelectionKey is either "group:<g>" or a raw model id (GLOSSARY). Group
// selection keys are used for mainstream models so cooldowns/stickiness
// share capacity across same-family variants; callers that need a raw
// per-model key (rare exotic aliases) pass useGroup=false.
func SelectionKey(model string, useGroup bool) string {
	if !useGroup {
		return model
	}
	group := ModelFamily(model)
	if group == GroupOther {
		return model
	}
	return "group:" + string(group)
}
