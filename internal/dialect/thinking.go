package dialect

import (
	"strings"

	"github.com/devanenWl/antigravity-gateway/internal/pool"
)

// EffortBudgets is the effort-level → thinking-budget map from §4.7.
var EffortBudgets = map[string]int{
	"minimal": 1024,
	"low":     2048,
	"medium":  4096,
	"high":    8192,
	"max":     16384,
}

const minClaudeThinkingBudget = 1024

// ThinkingRequest is the union of the three dialects' ways of asking for
// thinking, normalized by each decode step before ResolveThinking runs.
type ThinkingRequest struct {
	// Explicit Gemini/Claude shape: {"type": "enabled"|"adaptive"|"disabled"}.
	Type string
	// Explicit numeric budget (Claude thinking.budget_tokens, or Gemini
	// thinkingConfig.thinkingBudget passed straight through).
	Budget int
	// OpenAI-style effort string (minimal/low/medium/high/max), also accepted
	// loosely from Claude/Gemini callers that send "reasoning_effort".
	Effort string
}

// ResolvedThinking is what every dialect's encode step needs to fill in
// GenerationConfig.ThinkingConfig and, for Claude, enforce the
// budget/maxOutputTokens constraint.
type ResolvedThinking struct {
	Enabled bool
	Budget  int
}

// ResolveThinking implements §4.7's enablement rule: on when the model is in
// the thinking-set, or thinking.type is enabled/adaptive, or an explicit
// budget > 0 was given, or an effort level was given. The budget defaults to
// the effort map, then the medium effort budget, then the Claude minimum.
func ResolveThinking(model string, req ThinkingRequest) ResolvedThinking {
	if req.Type == "disabled" {
		return ResolvedThinking{}
	}

	explicitBudget := req.Budget > 0
	explicitEffort := req.Effort != ""
	explicitEnable := req.Type == "enabled" || req.Type == "adaptive"
	inThinkingSet := pool.IsThinkingModel(model)

	if !explicitBudget && !explicitEffort && !explicitEnable && !inThinkingSet {
		return ResolvedThinking{}
	}

	budget := req.Budget
	if budget <= 0 {
		if b, ok := EffortBudgets[strings.ToLower(req.Effort)]; ok {
			budget = b
		}
	}
	if budget <= 0 {
		budget = EffortBudgets["medium"]
	}
	if IsClaudeModel(model) && budget < minClaudeThinkingBudget {
		budget = minClaudeThinkingBudget
	}
	return ResolvedThinking{Enabled: true, Budget: budget}
}

// ClampMaxOutputTokensForThinking enforces Claude's "maxOutputTokens must
// exceed the thinking budget" constraint (§4.7).
func ClampMaxOutputTokensForThinking(maxOutputTokens, budget int) int {
	if maxOutputTokens <= budget {
		return budget + 4096
	}
	return maxOutputTokens
}

// IsClaudeModel reports whether model belongs to the Claude family, used to
// gate Claude-specific thinking/prefill/safety-table behavior.
func IsClaudeModel(model string) bool {
	return pool.ModelFamily(model) == pool.GroupClaude
}

// IsGeminiModel reports whether model belongs to the Gemini family.
func IsGeminiModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "gemini")
}
