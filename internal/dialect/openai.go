package dialect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/devanenWl/antigravity-gateway/internal/config"
	"github.com/devanenWl/antigravity-gateway/internal/signature"
)

// OpenAI is the OpenAI chat-completions dialect: decode/encode against the
// canonical upstream shape, plus its SSE chunk framing (§4.7).
type OpenAI struct {
	cfg   *config.Config
	cache *signature.Cache
}

func NewOpenAI(cfg *config.Config, cache *signature.Cache) *OpenAI {
	return &OpenAI{cfg: cfg, cache: cache}
}

// DecodeRequest parses an OpenAI chat-completions body directly with gjson
// since `message.content` is polymorphic (string or an array of typed
// blocks) and bulk unmarshaling into a fixed struct would lose that.
func (d *OpenAI) DecodeRequest(raw []byte) (*UpstreamRequest, ChatMeta, error) {
	root := gjson.ParseBytes(raw)
	if !root.Get("model").Exists() {
		return nil, ChatMeta{}, fmt.Errorf("missing model")
	}
	model := root.Get("model").String()
	stream := root.Get("stream").Bool()

	limiter := NewToolResultLimiter(d.cfg)
	toolNameByCallID := map[string]string{}
	messages := root.Get("messages")
	if messages.IsArray() {
		for _, m := range messages.Array() {
			if m.Get("role").String() != "assistant" {
				continue
			}
			for _, tc := range m.Get("tool_calls").Array() {
				toolNameByCallID[tc.Get("id").String()] = tc.Get("function.name").String()
			}
		}
	}

	thinkingReq := ThinkingRequest{Effort: root.Get("reasoning_effort").String()}
	if t := root.Get("thinking"); t.Exists() {
		thinkingReq.Type = t.Get("type").String()
		thinkingReq.Budget = int(t.Get("budget_tokens").Int())
	}
	resolved := ResolveThinking(model, thinkingReq)

	var contents []Content
	var systemInstruction *Content
	var pendingToolParts []Part
	downgraded := false

	flushToolTurn := func() {
		if len(pendingToolParts) > 0 {
			contents = append(contents, Content{Role: "user", Parts: pendingToolParts})
			pendingToolParts = nil
		}
	}

	msgArr := messages.Array()
	for i, m := range msgArr {
		role := m.Get("role").String()
		switch role {
		case "system", "developer":
			text := flattenTextContent(m.Get("content"))
			systemInstruction = &Content{Parts: []Part{TextPart(text)}}
		case "user":
			flushToolTurn()
			contents = append(contents, Content{Role: "user", Parts: decodeOpenAIUserContent(m.Get("content"))})
		case "assistant":
			flushToolTurn()
			parts := decodeOpenAIAssistantContent(m.Get("content"))
			toolCalls := m.Get("tool_calls")
			firstToolCallID := ""
			if toolCalls.IsArray() {
				for _, tc := range toolCalls.Array() {
					if tc.Get("type").String() != "function" {
						continue
					}
					id := tc.Get("id").String()
					if firstToolCallID == "" {
						firstToolCallID = id
					}
					var args map[string]any
					_ = json.Unmarshal([]byte(tc.Get("function.arguments").String()), &args)
					parts = append(parts, Part{FunctionCall: &FunctionCall{ID: id, Name: tc.Get("function.name").String(), Args: args}})
				}
			}
			isReplayedTurn := i < len(msgArr)-1 // not the in-flight trailing assistant turn
			if firstToolCallID != "" && isReplayedTurn {
				var decision replayDecision
				parts, decision = applyThoughtReplay(parts, firstToolCallID, model, resolved.Enabled, d.cache, d.cfg.ClaudeReplayEmptyThoughtPlaceholder)
				downgraded = downgraded || decision.downgraded
			}
			contents = append(contents, Content{Role: "model", Parts: parts})
		case "tool":
			toolCallID := m.Get("tool_call_id").String()
			name := toolNameByCallID[toolCallID]
			if name == "" {
				name = toolCallID
			}
			text, images := extractToolResultContent(m.Get("content"))
			text = limiter.Limit(text)
			resp := map[string]any{"result": text}
			parts := []Part{{FunctionResponse: &FunctionResponse{ID: toolCallID, Name: name, Response: resp}}}
			parts = append(parts, images...)
			pendingToolParts = append(pendingToolParts, parts...)
		}
	}
	flushToolTurn()

	if downgraded {
		resolved = ResolvedThinking{}
	}

	genCfg := GenerationConfig{MaxOutputTokens: 8192, Temperature: floatPtr(1)}
	if v := root.Get("temperature"); v.Exists() {
		genCfg.Temperature = floatPtr(v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		genCfg.TopP = floatPtr(v.Float())
	}
	if v := root.Get("max_tokens"); v.Exists() {
		genCfg.MaxOutputTokens = int(v.Int())
	} else if v := root.Get("max_completion_tokens"); v.Exists() {
		genCfg.MaxOutputTokens = int(v.Int())
	}
	if stops := root.Get("stop"); stops.Exists() {
		if stops.IsArray() {
			for _, s := range stops.Array() {
				genCfg.StopSequences = append(genCfg.StopSequences, s.String())
			}
		} else if stops.Type == gjson.String {
			genCfg.StopSequences = []string{stops.String()}
		}
	}
	hasTools := root.Get("tools").IsArray() && len(root.Get("tools").Array()) > 0
	if hasTools && genCfg.MaxOutputTokens < d.cfg.MaxOutputTokensWithTools {
		genCfg.MaxOutputTokens = d.cfg.MaxOutputTokensWithTools
	}
	if resolved.Enabled {
		genCfg.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: resolved.Budget}
		if IsClaudeModel(model) {
			genCfg.MaxOutputTokens = ClampMaxOutputTokensForThinking(genCfg.MaxOutputTokens, resolved.Budget)
		}
	}

	var tools []Tool
	if hasTools {
		var decls []FunctionDeclaration
		for _, t := range root.Get("tools").Array() {
			if t.Get("type").String() != "function" {
				continue
			}
			var params map[string]any
			_ = json.Unmarshal([]byte(t.Get("function.parameters").Raw), &params)
			decls = append(decls, FunctionDeclaration{
				Name:        t.Get("function.name").String(),
				Description: t.Get("function.description").String(),
				Parameters:  params,
			})
		}
		tools = []Tool{{FunctionDeclarations: decls}}
	}

	toolConfig := decodeOpenAIToolChoice(root.Get("tool_choice"))

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

func decodeOpenAIToolChoice(v gjson.Result) *ToolConfig {
	if !v.Exists() {
		return nil
	}
	if v.Type == gjson.String {
		switch v.String() {
		case "none":
			return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "NONE"}}
		case "auto":
			return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "AUTO"}}
		case "required", "any":
			return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "ANY"}}
		}
		return nil
	}
	if v.Get("type").String() == "function" {
		name := v.Get("function.name").String()
		return &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{name}}}
	}
	return nil
}

func flattenTextContent(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if v.IsArray() {
		var b strings.Builder
		for _, part := range v.Array() {
			if part.Get("type").String() == "text" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(part.Get("text").String())
			}
		}
		return b.String()
	}
	return ""
}

func decodeOpenAIUserContent(v gjson.Result) []Part {
	if v.Type == gjson.String {
		return []Part{TextPart(v.String())}
	}
	var parts []Part
	for _, block := range v.Array() {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, TextPart(block.Get("text").String()))
		case "image_url":
			url := block.Get("image_url.url").String()
			if mime, data, ok := parseDataURL(url); ok {
				parts = append(parts, Part{InlineData: &InlineData{MimeType: mime, Data: data}})
			}
		}
	}
	return parts
}

func decodeOpenAIAssistantContent(v gjson.Result) []Part {
	if v.Type == gjson.String && v.String() != "" {
		return []Part{TextPart(v.String())}
	}
	var parts []Part
	for _, block := range v.Array() {
		if block.Get("type").String() == "text" {
			parts = append(parts, TextPart(block.Get("text").String()))
		}
	}
	return parts
}

// extractToolResultContent splits a tool message's content into joined text
// and extra inlineData parts (§4.7 "Images": never base64-serialized into
// the tool-output string).
func extractToolResultContent(v gjson.Result) (string, []Part) {
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
		case "image_url":
			url := block.Get("image_url.url").String()
			if mime, data, ok := parseDataURL(url); ok {
				images = append(images, Part{InlineData: &InlineData{MimeType: mime, Data: data}})
			}
		}
	}
	return text.String(), images
}

func parseDataURL(url string) (mime, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", "", false
	}
	rest := url[len(prefix):]
	semi := strings.IndexByte(rest, ';')
	comma := strings.IndexByte(rest, ',')
	if semi < 0 || comma < 0 || comma < semi {
		return "", "", false
	}
	return rest[:semi], rest[comma+1:], true
}

func floatPtr(f float64) *float64 { return &f }

// EncodeResponse converts a non-stream canonical response into an OpenAI
// chat.completion object.
func (d *OpenAI) EncodeResponse(resp *UpstreamResponse, model, requestID string) ([]byte, error) {
	var content strings.Builder
	var reasoning strings.Builder
	var toolCalls []map[string]any
	finish := "stop"

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		lastThought := ""
		lastThoughtSig := ""
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				args, _ := json.Marshal(p.FunctionCall.Args)
				toolCalls = append(toolCalls, map[string]any{
					"id":   p.FunctionCall.ID,
					"type": "function",
					"function": map[string]any{
						"name":      p.FunctionCall.Name,
						"arguments": string(args),
					},
				})
				sig := p.FunctionCall.ThoughtSignature
				if sig == "" {
					sig = lastThoughtSig
				}
				captureThoughtSignature(d.cache, model, lastThought, sig, p.FunctionCall.ID)
			case p.Thought:
				reasoning.WriteString(p.Text)
				lastThought, lastThoughtSig = p.Text, p.ThoughtSignature
			default:
				content.WriteString(p.Text)
			}
		}
		finish = mapFinishReason(cand.FinishReason, len(toolCalls) > 0)
	}

	msg := map[string]any{"role": "assistant"}
	if content.Len() > 0 {
		msg["content"] = content.String()
	} else {
		msg["content"] = nil
	}
	if reasoning.Len() > 0 {
		msg["reasoning_content"] = reasoning.String()
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}

	usage := map[string]any{}
	if resp.UsageMetadata != nil {
		usage["prompt_tokens"] = resp.UsageMetadata.PromptTokenCount
		usage["completion_tokens"] = resp.UsageMetadata.CandidatesTokenCount
		usage["total_tokens"] = resp.UsageMetadata.TotalTokenCount
	}

	out := map[string]any{
		"id":      "chatcmpl-" + requestID,
		"object":  "chat.completion",
		"created": 0,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
		"usage": usage,
	}
	return json.Marshal(out)
}

// mapFinishReason implements §4.7's upstream→OpenAI finish-reason table.
func mapFinishReason(upstream string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch strings.ToUpper(upstream) {
	case "STOP", "OTHER", "":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "PAUSE":
		return "pause_turn"
	case "SAFETY", "RECITATION", "MALFORMED_FUNCTION_CALL":
		return "content_filter"
	default:
		if strings.Contains(upstream, "MAX_TOKENS") {
			return "length"
		}
		return "stop"
	}
}

// OpenAIStreamState accumulates the per-stream bookkeeping EncodeChunk needs:
// monotonic tool_call index, whether the role header was already sent, and
// the reasoning-output mode (§4.7 "SSE encoding").
type OpenAIStreamState struct {
	roleSent       bool
	toolCallIndex  int
	output         string // reasoning_content | tags | both
	inThinkBlock   bool
	lastThought    string
	lastThoughtSig string
}

func (d *OpenAI) NewStreamState() *OpenAIStreamState {
	return &OpenAIStreamState{output: d.cfg.OpenAIThinkingOutput}
}

// EncodeChunk turns one canonical candidate delta into zero or more OpenAI
// SSE `data: {...}` frames (not including the trailing blank line).
func (d *OpenAI) EncodeChunk(st *OpenAIStreamState, model, requestID string, cand Candidate, usage *UsageMetadata) ([][]byte, error) {
	var frames [][]byte
	id := "chatcmpl-" + requestID

	emit := func(delta map[string]any, finish *string) error {
		choice := map[string]any{"index": 0, "delta": delta}
		if finish != nil {
			choice["finish_reason"] = *finish
		} else {
			choice["finish_reason"] = nil
		}
		obj := map[string]any{
			"id": id, "object": "chat.completion.chunk", "created": 0, "model": model,
			"choices": []map[string]any{choice},
		}
		b, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		frames = append(frames, b)
		return nil
	}

	delta := map[string]any{}
	if !st.roleSent {
		delta["role"] = "assistant"
		st.roleSent = true
	}

	var toolCallDeltas []map[string]any
	for _, p := range cand.Content.Parts {
		switch {
		case p.Thought:
			st.lastThought += p.Text
			if p.ThoughtSignature != "" {
				st.lastThoughtSig = p.ThoughtSignature
			}
			if st.output == "reasoning_content" || st.output == "both" {
				delta["reasoning_content"] = p.Text
			}
			if st.output == "tags" || st.output == "both" {
				var tagged strings.Builder
				if !st.inThinkBlock {
					tagged.WriteString("<think>")
					st.inThinkBlock = true
				}
				tagged.WriteString(p.Text)
				if existing, ok := delta["content"].(string); ok {
					delta["content"] = existing + tagged.String()
				} else {
					delta["content"] = tagged.String()
				}
			}
		case p.InlineData != nil:
			img := "data:" + p.InlineData.MimeType + ";base64," + p.InlineData.Data
			if existing, ok := delta["content"].(string); ok {
				delta["content"] = existing + "\n![image](" + img + ")"
			} else {
				delta["content"] = "\n![image](" + img + ")"
			}
		case p.FunctionCall != nil:
			if st.inThinkBlock {
				if existing, ok := delta["content"].(string); ok {
					delta["content"] = existing + "</think>"
				} else {
					delta["content"] = "</think>"
				}
				st.inThinkBlock = false
			}
			sig := p.FunctionCall.ThoughtSignature
			if sig == "" {
				sig = st.lastThoughtSig
			}
			captureThoughtSignature(d.cache, model, st.lastThought, sig, p.FunctionCall.ID)
			st.lastThought, st.lastThoughtSig = "", ""
			args, _ := json.Marshal(p.FunctionCall.Args)
			toolCallDeltas = append(toolCallDeltas, map[string]any{
				"index": st.toolCallIndex,
				"id":    p.FunctionCall.ID,
				"type":  "function",
				"function": map[string]any{
					"name":      p.FunctionCall.Name,
					"arguments": string(args),
				},
			})
			st.toolCallIndex++
		default:
			if st.inThinkBlock {
				if existing, ok := delta["content"].(string); ok {
					delta["content"] = existing + "</think>" + p.Text
				} else {
					delta["content"] = "</think>" + p.Text
				}
				st.inThinkBlock = false
			} else if existing, ok := delta["content"].(string); ok {
				delta["content"] = existing + p.Text
			} else {
				delta["content"] = p.Text
			}
		}
	}
	if len(toolCallDeltas) > 0 {
		delta["tool_calls"] = toolCallDeltas
	}

	if len(delta) > 0 {
		if err := emit(delta, nil); err != nil {
			return nil, err
		}
	}

	if cand.FinishReason != "" {
		finish := mapFinishReason(cand.FinishReason, st.toolCallIndex > 0)
		if err := emit(map[string]any{}, &finish); err != nil {
			return nil, err
		}
		if usage != nil {
			usageObj := map[string]any{
				"id": id, "object": "chat.completion.chunk", "created": 0, "model": model,
				"choices": []map[string]any{},
				"usage": map[string]any{
					"prompt_tokens":     usage.PromptTokenCount,
					"completion_tokens": usage.CandidatesTokenCount,
					"total_tokens":      usage.TotalTokenCount,
				},
			}
			b, err := json.Marshal(usageObj)
			if err != nil {
				return nil, err
			}
			frames = append(frames, b)
		}
	}
	return frames, nil
}

// patchModel is a thin sjson wrapper that sets the "model" field of a raw
// JSON body, returning the body unchanged if the patch fails. Nothing in the
// repository calls it.
func patchModel(raw []byte, model string) []byte {
	out, err := sjson.SetBytes(raw, "model", model)
	if err != nil {
		return raw
	}
	return out
}
