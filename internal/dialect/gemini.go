package dialect

import (
	"encoding/json"
	"strings"

	"github.com/devanenWl/antigravity-gateway/internal/config"
	"github.com/devanenWl/antigravity-gateway/internal/signature"
)

// Gemini is the native Gemini generateContent dialect. Its wire shape is
// already close to the canonical upstream shape, so decode/encode are
// near-passthrough aside from thought-signature replay and safety settings
// (§4.7: "Gemini stream is near-passthrough").
type Gemini struct {
	cfg   *config.Config
	cache *signature.Cache
}

func NewGemini(cfg *config.Config, cache *signature.Cache) *Gemini {
	return &Gemini{cfg: cfg, cache: cache}
}

type geminiRawRequest struct {
	Contents          []Content       `json:"contents"`
	SystemInstruction *Content        `json:"systemInstruction,omitempty"`
	Tools             []Tool          `json:"tools,omitempty"`
	ToolConfig        *ToolConfig     `json:"toolConfig,omitempty"`
	GenerationConfig  struct {
		Temperature     *float64        `json:"temperature,omitempty"`
		TopP            *float64        `json:"topP,omitempty"`
		TopK            *int            `json:"topK,omitempty"`
		MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
		StopSequences   []string        `json:"stopSequences,omitempty"`
		ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
	} `json:"generationConfig"`
}

// DecodeRequest parses a native Gemini generateContent/streamGenerateContent
// body. model and stream are taken from the URL by the caller (ingress),
// since Gemini puts them in the path rather than the body.
func (d *Gemini) DecodeRequest(raw []byte, model string, stream bool) (*UpstreamRequest, ChatMeta, error) {
	var in geminiRawRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, ChatMeta{}, err
	}

	thinkingReq := ThinkingRequest{}
	if in.GenerationConfig.ThinkingConfig != nil {
		tc := in.GenerationConfig.ThinkingConfig
		thinkingReq.Budget = tc.ThinkingBudget
		if tc.IncludeThoughts {
			thinkingReq.Type = "enabled"
		}
	}
	resolved := ResolveThinking(model, thinkingReq)

	limiter := NewToolResultLimiter(d.cfg)
	contents := make([]Content, 0, len(in.Contents))
	downgraded := false
	for i, c := range in.Contents {
		parts := make([]Part, 0, len(c.Parts))
		firstToolCallID := ""
		for _, p := range c.Parts {
			if p.FunctionResponse != nil {
				text, _ := json.Marshal(p.FunctionResponse.Response)
				limited := limiter.Limit(string(text))
				var limitedResp map[string]any
				if json.Unmarshal([]byte(limited), &limitedResp) != nil {
					limitedResp = map[string]any{"result": limited}
				}
				p.FunctionResponse.Response = limitedResp
			}
			if p.FunctionCall != nil && firstToolCallID == "" {
				firstToolCallID = p.FunctionCall.ID
			}
			parts = append(parts, p)
		}
		isReplayedTurn := c.Role == "model" && i < len(in.Contents)-1
		if firstToolCallID != "" && isReplayedTurn {
			var decision replayDecision
			parts, decision = applyThoughtReplay(parts, firstToolCallID, model, resolved.Enabled, d.cache, d.cfg.ClaudeReplayEmptyThoughtPlaceholder)
			downgraded = downgraded || decision.downgraded
		}
		contents = append(contents, Content{Role: c.Role, Parts: parts})
	}
	if downgraded {
		resolved = ResolvedThinking{}
	}

	genCfg := GenerationConfig{
		Temperature:     in.GenerationConfig.Temperature,
		TopP:            in.GenerationConfig.TopP,
		TopK:            in.GenerationConfig.TopK,
		MaxOutputTokens: in.GenerationConfig.MaxOutputTokens,
		StopSequences:   in.GenerationConfig.StopSequences,
	}
	if genCfg.MaxOutputTokens == 0 {
		genCfg.MaxOutputTokens = 8192
	}
	if genCfg.Temperature == nil {
		genCfg.Temperature = floatPtr(1)
	}
	if len(in.Tools) > 0 && genCfg.MaxOutputTokens < d.cfg.MaxOutputTokensWithTools {
		genCfg.MaxOutputTokens = d.cfg.MaxOutputTokensWithTools
	}
	if resolved.Enabled {
		genCfg.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: resolved.Budget}
	}

	req := &UpstreamRequest{
		RequestID: NewRequestID(),
		Model:     model,
		Request: InnerRequest{
			Contents:          contents,
			GenerationConfig:  genCfg,
			SystemInstruction: in.SystemInstruction,
			Tools:             in.Tools,
			ToolConfig:        in.ToolConfig,
			SafetySettings:    BuildSafetySettings(model),
		},
	}
	return req, ChatMeta{Model: model, Stream: stream}, nil
}

// EncodeResponse re-wraps the canonical response in Gemini's own
// candidates/usageMetadata envelope. Since the canonical shape already *is*
// that envelope, this amounts to capturing signatures and re-marshaling.
func (d *Gemini) EncodeResponse(resp *UpstreamResponse, model string) ([]byte, error) {
	for _, cand := range resp.Candidates {
		captureSignaturesFromContent(d.cache, model, cand.Content)
	}
	return json.Marshal(resp)
}

// EncodeChunk re-marshals one streamed candidate, unwrapped to the bare
// object Gemini clients expect per SSE frame.
func (d *Gemini) EncodeChunk(model string, cand Candidate, usage *UsageMetadata) ([]byte, error) {
	captureSignaturesFromContent(d.cache, model, cand.Content)
	obj := map[string]any{"candidates": []Candidate{cand}}
	if usage != nil {
		obj["usageMetadata"] = usage
	}
	return json.Marshal(obj)
}

func captureSignaturesFromContent(cache *signature.Cache, model string, c Content) {
	lastThought, lastThoughtSig := "", ""
	for _, p := range c.Parts {
		switch {
		case p.Thought:
			lastThought, lastThoughtSig = p.Text, p.ThoughtSignature
		case p.FunctionCall != nil:
			sig := p.FunctionCall.ThoughtSignature
			if sig == "" {
				sig = lastThoughtSig
			}
			captureThoughtSignature(cache, model, lastThought, sig, p.FunctionCall.ID)
			lastThought, lastThoughtSig = "", ""
		}
	}
}

// ModelFromPath extracts the model name from Gemini's
// `/v1beta/models/{model}:generateContent` path shape.
func ModelFromPath(path string) (model, method string) {
	const prefix = "/v1beta/models/"
	if !strings.HasPrefix(path, prefix) {
		return "", ""
	}
	rest := path[len(prefix):]
	if idx := strings.LastIndexByte(rest, ':'); idx >= 0 {
		return rest[:idx], rest[idx+1:]
	}
	return rest, ""
}
