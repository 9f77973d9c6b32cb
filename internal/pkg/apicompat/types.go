// Package apicompat provides type definitions and conversion utilities for
// translating between the Anthropic Messages API and the OpenAI Responses
// API. It is used by the codex gateway to serve Claude Code clients over a
// Responses-only upstream: requests are rewritten into Responses input
// arrays, and the upstream SSE stream is transcoded back into Messages
// events on the fly.
package apicompat

import "encoding/json"

// ---------------------------------------------------------------------------
// Anthropic Messages API types
// ---------------------------------------------------------------------------

// ClaudeRequest is the request body for POST /v1/messages.
type ClaudeRequest struct {
	Model      string          `json:"model"`
	MaxTokens  int             `json:"max_tokens,omitempty"`
	System     json.RawMessage `json:"system,omitempty"` // string or []ClaudeContentBlock
	Messages   []ClaudeMessage `json:"messages"`
	Tools      []ClaudeTool    `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"` // string or object
	Stream     bool            `json:"stream,omitempty"`
	Thinking   *ClaudeThinking `json:"thinking,omitempty"`
}

// ClaudeThinking is the extended-thinking toggle on a Messages request.
type ClaudeThinking struct {
	Type         string `json:"type"` // "enabled" | "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// ClaudeMessage is a single message in the Messages conversation.
type ClaudeMessage struct {
	Role    string          `json:"role"` // "user" | "assistant"
	Content json.RawMessage `json:"content"`
}

// ClaudeContentBlock is one block inside a message's content array.
type ClaudeContentBlock struct {
	Type string `json:"type"`

	// type=text
	Text string `json:"text,omitempty"`

	// type=thinking
	Thinking string `json:"thinking,omitempty"`

	// type=tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type=tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or []ClaudeContentBlock
	IsError   bool            `json:"is_error,omitempty"`
}

// ClaudeTool describes a tool available to the model.
type ClaudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"` // JSON Schema object
}

// ClaudeUsage holds token counts in Anthropic format. InputTokens is the
// net count after subtracting cache reads; the raw upstream figure is never
// surfaced directly.
type ClaudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ClaudeResponse is the non-streaming response from POST /v1/messages.
type ClaudeResponse struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"` // "message"
	Role         string      `json:"role"` // "assistant"
	Model        string      `json:"model"`
	Content      []any       `json:"content"`
	StopReason   string      `json:"stop_reason"`
	StopSequence *string     `json:"stop_sequence"`
	Usage        ClaudeUsage `json:"usage"`
}

// ---------------------------------------------------------------------------
// OpenAI Responses API types
// ---------------------------------------------------------------------------

// ResponsesRequest is the request body for POST /v1/responses.
type ResponsesRequest struct {
	Model           string               `json:"model"`
	Input           []ResponsesInputItem `json:"input"`
	Instructions    string               `json:"instructions,omitempty"`
	MaxOutputTokens *int                 `json:"max_output_tokens,omitempty"`
	Stream          bool                 `json:"stream,omitempty"`
	Tools           []ResponsesTool      `json:"tools,omitempty"`
	ToolChoice      json.RawMessage      `json:"tool_choice,omitempty"` // string or object
	Reasoning       *ResponsesReasoning  `json:"reasoning,omitempty"`
	Store           *bool                `json:"store,omitempty"`
}

// ResponsesReasoning carries the reasoning-effort hint.
type ResponsesReasoning struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary,omitempty"`
}

// ResponsesInputItem is one item in the Responses API input array.
// The Type field determines which other fields are populated.
type ResponsesInputItem struct {
	// Common
	Type string `json:"type,omitempty"` // "" for role-based messages

	// Role-based messages (user/assistant)
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"` // string or []ResponsesContentPart

	// type=function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// type=function_call_output
	Output string `json:"output,omitempty"`
}

// ResponsesContentPart is a typed content part in a Responses message.
type ResponsesContentPart struct {
	Type string `json:"type"` // "input_text" | "output_text"
	Text string `json:"text,omitempty"`
}

// ResponsesTool describes a tool in the Responses API.
type ResponsesTool struct {
	Type        string          `json:"type"` // "function"
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponsesResponse is the terminal response payload carried by the
// response.completed event.
type ResponsesResponse struct {
	ID     string            `json:"id"`
	Object string            `json:"object,omitempty"` // "response"
	Model  string            `json:"model,omitempty"`
	Status string            `json:"status"` // "completed" | "incomplete" | "failed"
	Output []ResponsesOutput `json:"output"`
	Usage  *ResponsesUsage   `json:"usage,omitempty"`

	// incomplete_details is present when status="incomplete"
	IncompleteDetails *ResponsesIncompleteDetails `json:"incomplete_details,omitempty"`
}

// ResponsesIncompleteDetails explains why a response is incomplete.
type ResponsesIncompleteDetails struct {
	Reason string `json:"reason"` // "max_output_tokens" | "content_filter"
}

// ResponsesOutput is one output item in a Responses API response.
type ResponsesOutput struct {
	Type string `json:"type"` // "message" | "reasoning" | "function_call"

	// type=message
	ID      string                 `json:"id,omitempty"`
	Role    string                 `json:"role,omitempty"`
	Content []ResponsesContentPart `json:"content,omitempty"`
	Status  string                 `json:"status,omitempty"`

	// type=reasoning
	Summary []ResponsesSummary `json:"summary,omitempty"`

	// type=function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ResponsesSummary is a summary text block inside a reasoning output.
type ResponsesSummary struct {
	Type string `json:"type"` // "summary_text"
	Text string `json:"text"`
}

// ResponsesUsage holds token counts in Responses API format.
type ResponsesUsage struct {
	InputTokens        int                          `json:"input_tokens"`
	OutputTokens       int                          `json:"output_tokens"`
	TotalTokens        int                          `json:"total_tokens,omitempty"`
	InputTokensDetails *ResponsesInputTokensDetails `json:"input_tokens_details,omitempty"`
}

// ResponsesInputTokensDetails breaks down input token usage.
type ResponsesInputTokensDetails struct {
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// CachedInputTokens returns the cached-token count, tolerating absent detail.
func (u *ResponsesUsage) CachedInputTokens() int {
	if u == nil || u.InputTokensDetails == nil {
		return 0
	}
	return u.InputTokensDetails.CachedTokens
}

// ---------------------------------------------------------------------------
// Responses SSE event types
// ---------------------------------------------------------------------------

// ResponsesStreamEvent is a single SSE event in the Responses streaming
// protocol. The Type field corresponds to the "type" in the JSON payload.
type ResponsesStreamEvent struct {
	Type string `json:"type"`

	// response.created / response.completed / response.incomplete
	Response *ResponsesResponse `json:"response,omitempty"`

	// response.output_item.added / response.output_item.done
	Item *ResponsesOutput `json:"item,omitempty"`

	// response.content_part.added / response.content_part.done
	Part *ResponsesContentPart `json:"part,omitempty"`

	// delta-carrying events
	OutputIndex  int    `json:"output_index,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`
	SummaryIndex int    `json:"summary_index,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	Delta        string `json:"delta,omitempty"`
	Text         string `json:"text,omitempty"`

	// response.function_call_arguments.delta / done
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ---------------------------------------------------------------------------
// Stop reason mapping
// ---------------------------------------------------------------------------

// DeriveStopReason computes the Messages stop_reason from a terminal
// Responses payload. A function_call anywhere in the output wins over the
// max_output_tokens truncation signal.
func DeriveStopReason(resp *ResponsesResponse) string {
	if resp == nil {
		return "end_turn"
	}
	stopReason := "end_turn"
	if resp.Status == "incomplete" && resp.IncompleteDetails != nil && resp.IncompleteDetails.Reason == "max_output_tokens" {
		stopReason = "max_tokens"
	}
	for _, item := range resp.Output {
		if item.Type == "function_call" {
			return "tool_use"
		}
	}
	return stopReason
}

// NetClaudeUsage converts Responses usage accounting to the Messages shape.
// Reported input tokens are net of cache reads; the upstream does not
// distinguish cache creation, which is therefore always zero.
func NetClaudeUsage(u *ResponsesUsage) ClaudeUsage {
	if u == nil {
		return ClaudeUsage{}
	}
	cached := u.CachedInputTokens()
	net := u.InputTokens - cached
	if net < 0 {
		net = 0
	}
	return ClaudeUsage{
		InputTokens:              net,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: 0,
		CacheReadInputTokens:     cached,
	}
}
