package dialect

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/devanenWl/antigravity-gateway/internal/config"
	"github.com/devanenWl/antigravity-gateway/internal/signature"
)

// Anthropic is the Claude Messages-API dialect (§4.7).
type Anthropic struct {
	cfg   *config.Config
	cache *signature.Cache
}

func NewAnthropic(cfg *config.Config, cache *signature.Cache) *Anthropic {
	return &Anthropic{cfg: cfg, cache: cache}
}

// DecodeRequest parses an Anthropic Messages-API body.
func (d *Anthropic) DecodeRequest(raw []byte) (*UpstreamRequest, ChatMeta, error) {
	root := gjson.ParseBytes(raw)
	model := root.Get("model").String()
	stream := root.Get("stream").Bool()

	thinkingReq := ThinkingRequest{}
	if t := root.Get("thinking"); t.Exists() {
		thinkingReq.Type = t.Get("type").String()
		thinkingReq.Budget = int(t.Get("budget_tokens").Int())
	}
	resolved := ResolveThinking(model, thinkingReq)

	limiter := NewToolResultLimiter(d.cfg)
	toolNameByCallID := map[string]string{}
	msgArr := root.Get("messages").Array()
	for _, m := range msgArr {
		if m.Get("role").String() != "assistant" {
			continue
		}
		content := m.Get("content")
		if content.IsArray() {
			for _, block := range content.Array() {
				if block.Get("type").String() == "tool_use" {
					toolNameByCallID[block.Get("id").String()] = block.Get("name").String()
				}
			}
		}
	}

	var contents []Content
	var pendingToolParts []Part
	downgraded := false

	flushToolTurn := func() {
		if len(pendingToolParts) > 0 {
			contents = append(contents, Content{Role: "user", Parts: pendingToolParts})
			pendingToolParts = nil
		}
	}

	removePrefill := resolved.Enabled
	for i, m := range msgArr {
		role := m.Get("role").String()
		content := m.Get("content")

		if role == "user" {
			toolResults, rest := splitToolResultBlocks(content)
			if len(toolResults) > 0 {
				for _, block := range toolResults {
					toolCallID := block.Get("tool_use_id").String()
					name := toolNameByCallID[toolCallID]
					if name == "" {
						name = toolCallID
					}
					text, images := extractClaudeToolResultContent(block.Get("content"))
					text = limiter.Limit(text)
					parts := []Part{{FunctionResponse: &FunctionResponse{ID: toolCallID, Name: name, Response: map[string]any{"result": text}}}}
					parts = append(parts, images...)
					pendingToolParts = append(pendingToolParts, parts...)
				}
			}
			if len(rest) > 0 {
				flushToolTurn()
				contents = append(contents, Content{Role: "user", Parts: decodeClaudeBlocks(rest)})
			}
			continue
		}

		if role != "assistant" {
			continue
		}
		flushToolTurn()

		isLastMessage := i == len(msgArr)-1
		if isLastMessage && removePrefill {
			if _, isPrefill := claudeTextOnlyPrefill(content); isPrefill {
				// The trailing prefill-only turn is dropped from contents;
				// its replacement is folded into systemInstruction below.
				continue
			}
		}

		blocks := content.Array()
		parts := decodeClaudeAssistantBlocks(blocks)
		firstToolUseID := ""
		for _, block := range blocks {
			if block.Get("type").String() == "tool_use" {
				firstToolUseID = block.Get("id").String()
				break
			}
		}
		isReplayedTurn := i < len(msgArr)-1
		if firstToolUseID != "" && isReplayedTurn {
			var decision replayDecision
			parts, decision = applyThoughtReplay(parts, firstToolUseID, model, resolved.Enabled, d.cache, d.cfg.ClaudeReplayEmptyThoughtPlaceholder)
			downgraded = downgraded || decision.downgraded
		}
		contents = append(contents, Content{Role: "model", Parts: parts})
	}
	flushToolTurn()

	if downgraded {
		resolved = ResolvedThinking{}
	}

	systemText := flattenClaudeSystem(root.Get("system"))
	if removePrefill && len(msgArr) > 0 {
		last := msgArr[len(msgArr)-1]
		if last.Get("role").String() == "assistant" {
			if prefillText, isPrefill := claudeTextOnlyPrefill(last.Get("content")); isPrefill {
				hint := prefillHint(prefillText)
				if systemText != "" {
					systemText += "\n\n"
				}
				systemText += hint
			}
		}
	}
	var systemInstruction *Content
	if systemText != "" {
		systemInstruction = &Content{Parts: []Part{TextPart(systemText)}}
	}

	genCfg := GenerationConfig{MaxOutputTokens: 8192, Temperature: floatPtr(1)}
	if v := root.Get("max_tokens"); v.Exists() {
		genCfg.MaxOutputTokens = int(v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		genCfg.Temperature = floatPtr(v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		genCfg.TopP = floatPtr(v.Float())
	}
	for _, s := range root.Get("stop_sequences").Array() {
		genCfg.StopSequences = append(genCfg.StopSequences, s.String())
	}
	hasTools := root.Get("tools").IsArray() && len(root.Get("tools").Array()) > 0
	if hasTools && genCfg.MaxOutputTokens < d.cfg.MaxOutputTokensWithTools {
		genCfg.MaxOutputTokens = d.cfg.MaxOutputTokensWithTools
	}
	if resolved.Enabled {
		genCfg.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: resolved.Budget}
		genCfg.MaxOutputTokens = ClampMaxOutputTokensForThinking(genCfg.MaxOutputTokens, resolved.Budget)
	}

	var tools []Tool
	if hasTools {
		var decls []FunctionDeclaration
		for _, t := range root.Get("tools").Array() {
			var params map[string]any
			_ = json.Unmarshal([]byte(t.Get("input_schema").Raw), &params)
			decls = append(decls, FunctionDeclaration{Name: t.Get("name").String(), Description: t.Get("description").String(), Parameters: params})
		}
		tools = []Tool{{FunctionDeclarations: decls}}
	}

	toolConfig := decodeClaudeToolChoice(root.Get("tool_choice"))

	req := &UpstreamRequest{
		RequestID: NewRequestID(),
		Model:     model,
		Request: InnerRequest{
			Contents:          contents,
			GenerationConfig:  genCfg,
			SystemInstruction: systemInstruction,
			Tools:             tools,
			ToolConfig:        toolConfig,
			SafetySettings:    BuildSafetySettings(model),
		},
	}
	return req, ChatMeta{Model: model, Stream: stream}, nil
}

func flattenClaudeSystem(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var b strings.Builder
	for _, block := range v.Array() {
		if block.Get("type").String() == "text" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(block.Get("text").String())
		}
	}
	return b.String()
}

func decodeClaudeToolChoice(v gjson.Result) *ToolConfig {
	if !v.Exists() {
		return nil
	}
	switch v.Get("type").String() {
	case "none":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "NONE"}}
	case "auto":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "AUTO"}}
	case "any":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "ANY"}}
	case "tool":
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{v.Get("name").String()}}}
	}
	return nil
}

func decodeClaudeBlocks(blocks []gjson.Result) []Part {
	var parts []Part
	for _, block := range blocks {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, TextPart(block.Get("text").String()))
		case "image":
			src := block.Get("source")
			if src.Get("type").String() == "base64" {
				parts = append(parts, Part{InlineData: &InlineData{MimeType: src.Get("media_type").String(), Data: src.Get("data").String()}})
			}
		}
	}
	return parts
}

func decodeClaudeAssistantBlocks(blocks []gjson.Result) []Part {
	var parts []Part
	for _, block := range blocks {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, TextPart(block.Get("text").String()))
		case "thinking":
			parts = append(parts, Part{Thought: true, Text: block.Get("thinking").String(), ThoughtSignature: block.Get("signature").String()})
		case "tool_use":
			var args map[string]any
			_ = json.Unmarshal([]byte(block.Get("input").Raw), &args)
			parts = append(parts, Part{FunctionCall: &FunctionCall{ID: block.Get("id").String(), Name: block.Get("name").String(), Args: args}})
		}
	}
	return parts
}

// splitToolResultBlocks separates tool_result blocks from the rest of a
// user message's content array (§4.7 "Tool messages": consecutive tool
// messages merge into one user turn).
func splitToolResultBlocks(content gjson.Result) (toolResults []gjson.Result, rest []gjson.Result) {
	if content.Type == gjson.String {
		return nil, nil
	}
	for _, block := range content.Array() {
		if block.Get("type").String() == "tool_result" {
			toolResults = append(toolResults, block)
		} else {
			rest = append(rest, block)
		}
	}
	return toolResults, rest
}

func extractClaudeToolResultContent(v gjson.Result) (string, []Part) {
	if v.Type == gjson.String {
		return v.String(), nil
	}
	var text strings.Builder
	var images []Part
	for _, block := range v.Array() {
		switch block.Get("type").String() {
		case "text":
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(block.Get("text").String())
		case "image":
			src := block.Get("source")
			if src.Get("type").String() == "base64" {
				images = append(images, Part{InlineData: &InlineData{MimeType: src.Get("media_type").String(), Data: src.Get("data").String()}})
			}
		}
	}
	return text.String(), images
}

// claudeTextOnlyPrefill reports whether content is a single trailing
// text-only assistant block, the shape §4.7 treats as a prefill.
func claudeTextOnlyPrefill(content gjson.Result) (string, bool) {
	if content.Type == gjson.String {
		return content.String(), content.String() != ""
	}
	blocks := content.Array()
	if len(blocks) != 1 || blocks[0].Get("type").String() != "text" {
		return "", false
	}
	return blocks[0].Get("text").String(), true
}

// prefillHint builds the system-instruction substitute for a removed
// prefill (§4.7 "Assistant prefill removal").
func prefillHint(prefill string) string {
	trimmed := strings.TrimSpace(prefill)
	if trimmed == "{" || looksLikeJSONInstruction(trimmed) {
		return "Return only a single JSON object and start your response with '{'."
	}
	return "Start your response with the following prefix exactly: " + prefill
}

func looksLikeJSONInstruction(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// EncodeResponse converts a non-stream canonical response into an Anthropic
// Messages-API response object.
func (d *Anthropic) EncodeResponse(resp *UpstreamResponse, model, requestID string) ([]byte, error) {
	var blocks []map[string]any
	stopReason := "end_turn"

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		lastThought, lastThoughtSig := "", ""
		hasToolUse := false
		for _, p := range cand.Content.Parts {
			switch {
			case p.Thought:
				blocks = append(blocks, map[string]any{"type": "thinking", "thinking": p.Text, "signature": p.ThoughtSignature})
				lastThought, lastThoughtSig = p.Text, p.ThoughtSignature
			case p.FunctionCall != nil:
				hasToolUse = true
				sig := p.FunctionCall.ThoughtSignature
				if sig == "" {
					sig = lastThoughtSig
				}
				captureThoughtSignature(d.cache, model, lastThought, sig, p.FunctionCall.ID)
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    p.FunctionCall.ID,
					"name":  p.FunctionCall.Name,
					"input": p.FunctionCall.Args,
				})
			default:
				blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
			}
		}
		stopReason = mapClaudeStopReason(cand.FinishReason, hasToolUse)
	}

	usage := map[string]any{}
	if resp.UsageMetadata != nil {
		usage["input_tokens"] = resp.UsageMetadata.PromptTokenCount
		usage["output_tokens"] = resp.UsageMetadata.CandidatesTokenCount
	}

	out := map[string]any{
		"id":            "msg-" + requestID,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       blocks,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage":         usage,
	}
	return json.Marshal(out)
}

func mapClaudeStopReason(upstream string, hasToolUse bool) string {
	if hasToolUse {
		return "tool_use"
	}
	switch strings.ToUpper(upstream) {
	case "MAX_TOKENS":
		return "max_tokens"
	case "PAUSE":
		return "pause_turn"
	case "SAFETY", "RECITATION", "MALFORMED_FUNCTION_CALL":
		return "refusal"
	default:
		return "end_turn"
	}
}

// AnthropicStreamState tracks which content-block index is open so
// EncodeChunk can emit a well-formed content_block_start/delta/stop sequence
// without interleaving blocks (§4.7 "SSE encoding").
type AnthropicStreamState struct {
	cache          *signature.Cache
	started        bool
	blockIndex     int
	blockOpen      bool
	blockKind      string // text | thinking | tool_use
	lastThought    string
	lastThoughtSig string
}

func (d *Anthropic) NewStreamState() *AnthropicStreamState {
	return &AnthropicStreamState{cache: d.cache}
}

type sseFrame struct {
	event string
	data  []byte
}

// EncodeChunk turns one candidate delta into the Anthropic event sequence.
func (d *Anthropic) EncodeChunk(st *AnthropicStreamState, model, requestID string, cand Candidate, usage *UsageMetadata) ([]sseFrame, error) {
	var frames []sseFrame

	if !st.started {
		st.started = true
		b, _ := json.Marshal(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": "msg-" + requestID, "type": "message", "role": "assistant",
				"model": model, "content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})
		frames = append(frames, sseFrame{"message_start", b})
	}

	closeBlock := func() {
		if st.blockOpen {
			b, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": st.blockIndex})
			frames = append(frames, sseFrame{"content_block_stop", b})
			st.blockOpen = false
			st.blockIndex++
		}
	}
	openBlock := func(kind string, start map[string]any) {
		if st.blockOpen && st.blockKind == kind {
			return
		}
		closeBlock()
		start["type"] = "content_block_start"
		start["index"] = st.blockIndex
		b, _ := json.Marshal(start)
		frames = append(frames, sseFrame{"content_block_start", b})
		st.blockOpen, st.blockKind = true, kind
	}
	delta := func(deltaObj map[string]any) {
		b, _ := json.Marshal(map[string]any{"type": "content_block_delta", "index": st.blockIndex, "delta": deltaObj})
		frames = append(frames, sseFrame{"content_block_delta", b})
	}

	for _, p := range cand.Content.Parts {
		switch {
		case p.Thought:
			openBlock("thinking", map[string]any{"content_block": map[string]any{"type": "thinking", "thinking": ""}})
			delta(map[string]any{"type": "thinking_delta", "thinking": p.Text})
			st.lastThought += p.Text
			if p.ThoughtSignature != "" {
				st.lastThoughtSig = p.ThoughtSignature
				delta(map[string]any{"type": "signature_delta", "signature": p.ThoughtSignature})
			}
		case p.InlineData != nil:
			openBlock("text", map[string]any{"content_block": map[string]any{"type": "text", "text": ""}})
			md := "\n![image](data:" + p.InlineData.MimeType + ";base64," + p.InlineData.Data + ")"
			delta(map[string]any{"type": "text_delta", "text": md})
		case p.FunctionCall != nil:
			sig := p.FunctionCall.ThoughtSignature
			if sig == "" {
				sig = st.lastThoughtSig
			}
			captureThoughtSignature(st.cache, model, st.lastThought, sig, p.FunctionCall.ID)
			st.lastThought, st.lastThoughtSig = "", ""
			openBlock("tool_use", map[string]any{"content_block": map[string]any{"type": "tool_use", "id": p.FunctionCall.ID, "name": p.FunctionCall.Name, "input": map[string]any{}}})
			args, _ := json.Marshal(p.FunctionCall.Args)
			delta(map[string]any{"type": "input_json_delta", "partial_json": string(args)})
		default:
			openBlock("text", map[string]any{"content_block": map[string]any{"type": "text", "text": ""}})
			delta(map[string]any{"type": "text_delta", "text": p.Text})
		}
	}

	if cand.FinishReason != "" {
		closeBlock()
		stopReason := mapClaudeStopReason(cand.FinishReason, st.blockKind == "tool_use")
		outUsage := map[string]any{"output_tokens": 0}
		if usage != nil {
			outUsage["output_tokens"] = usage.CandidatesTokenCount
		}
		b, _ := json.Marshal(map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
			"usage": outUsage,
		})
		frames = append(frames, sseFrame{"message_delta", b})
		stopB, _ := json.Marshal(map[string]any{"type": "message_stop"})
		frames = append(frames, sseFrame{"message_stop", stopB})
	}

	return frames, nil
}
