package dialect

import (
	"log/slog"

	"github.com/devanenWl/antigravity-gateway/internal/signature"
)

// replayDecision is what applyThoughtReplay needs to tell its caller: whether
// thinking had to be downgraded because no cached signature was available
// for a Claude turn (§4.4).
type replayDecision struct {
	downgraded bool
}

// applyThoughtReplay implements §4.4/§4.7's thought-signature replay: before
// the first functionCall part of a replayed assistant turn, a cached
// signature (real, for Claude; real-or-sentinel, for everything else) is
// reinserted so upstream's "tool_use must follow a signed thought" check
// passes. toolCallID is the id of the first function call in the turn.
func applyThoughtReplay(parts []Part, toolCallID, model string, thinkingEnabled bool, cache *signature.Cache, emptyThoughtPlaceholder bool) ([]Part, replayDecision) {
	if toolCallID == "" {
		return parts, replayDecision{}
	}

	if IsClaudeModel(model) {
		if !thinkingEnabled {
			return parts, replayDecision{}
		}
		cached := cache.LookupClaudeThinking(toolCallID)
		if cached == nil {
			slog.Debug("thinking downgraded: no cached signature for replayed tool_call", "toolCallId", toolCallID)
			return parts, replayDecision{downgraded: true}
		}
		thought := cached.Thought
		if thought == "" && emptyThoughtPlaceholder {
			thought = " "
		}
		thoughtPart := Part{Thought: true, Text: thought, ThoughtSignature: cached.Signature}
		return prepend(parts, thoughtPart), replayDecision{}
	}

	// Non-Claude (Gemini, OpenAI-targeted-at-Gemini) models: the signature
	// lives on the functionCall part itself, not a preceding thought part.
	sig, ok := cache.LookupToolSignature(toolCallID)
	if !ok {
		sig = signature.GeminiReplaySentinel
	}
	for i := range parts {
		if parts[i].FunctionCall != nil && parts[i].FunctionCall.ID == toolCallID {
			parts[i].FunctionCall.ThoughtSignature = sig
			break
		}
	}
	return parts, replayDecision{}
}

func prepend(parts []Part, p Part) []Part {
	out := make([]Part, 0, len(parts)+1)
	out = append(out, p)
	return append(out, parts...)
}

// captureThoughtSignature records a signature cache entry from an upstream
// response turn so the next request's replay of toolCallID can find it
// (§4.4). Called once per functionCall part as the translator decodes a
// streamed or non-stream response.
func captureThoughtSignature(cache *signature.Cache, model string, thoughtText, thoughtSignature, toolCallID string) {
	if toolCallID == "" || thoughtSignature == "" {
		return
	}
	if IsClaudeModel(model) {
		cache.StoreClaudeThinking(toolCallID, thoughtSignature, thoughtText)
		return
	}
	cache.StoreToolSignature(toolCallID, thoughtSignature)
}
