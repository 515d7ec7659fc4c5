// Package dialect is the request/response translator (C7, §4.7): three
// bidirectional converters between the OpenAI, Anthropic, and Gemini chat
// dialects and a single canonical upstream shape, plus the SSE encoders that
// turn a streamed upstream response back into each dialect's own framing.
package dialect

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Part is the tagged union every content part in the canonical shape reduces
// to (§4.7): exactly one of Text/InlineData/FunctionCall/FunctionResponse is
// set, or Thought is true and Text carries the thought body.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type FunctionCall struct {
	ID               string         `json:"id,omitempty"`
	Name             string         `json:"name"`
	Args             map[string]any `json:"args"`
	ThoughtSignature string         `json:"thoughtSignature,omitempty"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Content is one turn of conversation history. Role is "user" or "model".
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

func TextPart(s string) Part { return Part{Text: s} }

// ThinkingConfig mirrors Gemini's native shape; Claude and OpenAI reasoning
// requests are both folded into it before reaching the upstream (§4.7
// "Thinking").
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	CandidateCount  int             `json:"candidateCount,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionCallingConfig is the upstream shape tool_choice collapses into
// (§4.7 "Tool choice"): NONE, AUTO, or ANY (+AllowedFunctionNames).
type FunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// InnerRequest is the `request` field of the upstream envelope (§4.7).
type InnerRequest struct {
	Contents          []Content       `json:"contents"`
	GenerationConfig  GenerationConfig `json:"generationConfig"`
	SessionID         string          `json:"sessionId,omitempty"`
	SystemInstruction *Content        `json:"systemInstruction,omitempty"`
	Tools             []Tool          `json:"tools,omitempty"`
	ToolConfig        *ToolConfig     `json:"toolConfig,omitempty"`
	SafetySettings    []SafetySetting `json:"safetySettings,omitempty"`
}

// UpstreamRequest is the canonical shape every dialect's encode step builds
// and the fingerprint transport sends verbatim as the POST body (§4.7).
type UpstreamRequest struct {
	Project     string       `json:"project"`
	RequestID   string       `json:"requestId"`
	Request     InnerRequest `json:"request"`
	Model       string       `json:"model"`
	UserAgent   string       `json:"userAgent,omitempty"`
	RequestType string       `json:"requestType,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index"`
}

// UpstreamResponse is the canonical shape every dialect's decode step reads
// from, whether it arrived as one JSON object (non-stream) or was
// accumulated across SSE chunks (stream).
type UpstreamResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

// NewRequestID builds the `agent/<epoch-ms>/<uuid>/<digit>` id (§4.7) that
// telemetry later splits to recover the trajectory correlation id.
func NewRequestID() string {
	return fmt.Sprintf("agent/%d/%s/%d", time.Now().UnixMilli(), uuid.New().String(), randDigit())
}

func randDigit() int {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(b[0]) % 10
}

// ChatMeta is the set of request-scoped fields every dialect's decode step
// extracts regardless of wire shape, handed to the ingress layer so it can
// drive the retry orchestrator and account pool without re-parsing the body.
type ChatMeta struct {
	Model  string
	Stream bool
}
