package apicompat

import (
	"encoding/json"
	"strings"
)

// System parts carrying these prefixes are relay bookkeeping, not prompt
// text, and must not leak into upstream instructions.
var systemTextSkipPrefixes = []string{
	"x-anthropic-billing-header",
	"<system-reminder>",
}

// ExtractClaudeSystemText flattens the Messages system field into upstream
// instruction text. A plain string passes through whole; an array keeps only
// text parts that are not relay bookkeeping, joined with blank lines.
func ExtractClaudeSystemText(system json.RawMessage) string {
	if len(system) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(system, &s); err == nil {
		return s
	}

	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(system, &blocks); err != nil {
		return ""
	}

	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		skip := false
		for _, prefix := range systemTextSkipPrefixes {
			if strings.HasPrefix(b.Text, prefix) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n\n")
}

// extractToolResultText flattens a tool_result content field to the plain
// string the Responses function_call_output expects.
func extractToolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// resolveReasoningEffort picks the effort hint for the upstream request.
// An explicit model-name suffix wins; otherwise an enabled thinking budget
// selects medium or high; the default is medium.
func resolveReasoningEffort(effortFromName string, thinking *ClaudeThinking) string {
	if effortFromName != "" {
		return effortFromName
	}
	if thinking != nil && thinking.Type == "enabled" && thinking.BudgetTokens > 0 {
		if thinking.BudgetTokens <= 20000 {
			return "medium"
		}
		return "high"
	}
	return "medium"
}

// ConvertClaudeToolsToResponses maps Messages tool definitions onto the
// Responses function-tool shape. An empty list yields nil so the field is
// omitted from the outbound body.
func ConvertClaudeToolsToResponses(tools []ClaudeTool) []ResponsesTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ResponsesTool, 0, len(tools))
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, ResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ConvertClaudeToolChoice maps the Messages tool_choice field to the
// Responses equivalent. Unknown shapes are dropped rather than forwarded.
func ConvertClaudeToolChoice(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto", "none":
			return mustJSON(s)
		case "any":
			return mustJSON("required")
		}
		return nil
	}

	var choice struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &choice); err != nil {
		return nil
	}
	switch choice.Type {
	case "auto":
		return mustJSON("auto")
	case "any":
		return mustJSON("required")
	case "tool":
		return mustJSON(map[string]string{"type": "function", "name": choice.Name})
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// ClaudeToResponses translates a Messages request into a Responses request.
// requestedModel is the model after any vendor prefix has been stripped; it
// may carry a reasoning-effort suffix. The returned ToolCallIDMap holds the
// tool_use->call_id pairings minted while linearizing assistant turns and
// must be handed to the response side of the same request.
func ClaudeToResponses(req *ClaudeRequest, requestedModel string) (*ResponsesRequest, *ToolCallIDMap, string) {
	actualModel, effortFromName := ParseModelEffort(requestedModel)
	effort := resolveReasoningEffort(effortFromName, req.Thinking)

	ids := NewToolCallIDMap()
	input := make([]ResponsesInputItem, 0, len(req.Messages))

	for _, msg := range req.Messages {
		var text string
		if err := json.Unmarshal(msg.Content, &text); err == nil {
			input = append(input, linearizeBlock(msg.Role, ClaudeContentBlock{Type: "text", Text: text}, ids)...)
			continue
		}

		var blocks []ClaudeContentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			continue
		}
		for _, block := range blocks {
			input = append(input, linearizeBlock(msg.Role, block, ids)...)
		}
	}

	out := &ResponsesRequest{
		Model:      actualModel,
		Input:      input,
		Stream:     req.Stream,
		Tools:      ConvertClaudeToolsToResponses(req.Tools),
		ToolChoice: ConvertClaudeToolChoice(req.ToolChoice),
		Reasoning:  &ResponsesReasoning{Effort: effort, Summary: "auto"},
	}
	if instructions := ExtractClaudeSystemText(req.System); instructions != "" {
		out.Instructions = instructions
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		out.MaxOutputTokens = &maxTokens
	}

	return out, ids, actualModel
}

// linearizeBlock converts one Messages content block into zero or more
// Responses input items. Assistant thinking blocks are dropped: the
// upstream regenerates its own reasoning and rejects replayed summaries.
func linearizeBlock(role string, block ClaudeContentBlock, ids *ToolCallIDMap) []ResponsesInputItem {
	if role == "assistant" {
		switch block.Type {
		case "thinking":
			return nil
		case "text":
			content := mustJSON([]ResponsesContentPart{{Type: "output_text", Text: block.Text}})
			return []ResponsesInputItem{{Type: "message", Role: "assistant", Content: content}}
		case "tool_use":
			return []ResponsesInputItem{{
				Type:      "function_call",
				CallID:    ids.Assign(block.ID),
				Name:      block.Name,
				Arguments: toolInputToArguments(block.Input),
			}}
		}
		return nil
	}

	switch block.Type {
	case "text":
		return []ResponsesInputItem{{Role: "user", Content: mustJSON(block.Text)}}
	case "tool_result":
		return []ResponsesInputItem{{
			Type:   "function_call_output",
			CallID: ids.Upstream(block.ToolUseID),
			Output: extractToolResultText(block.Content),
		}}
	}
	return nil
}

// toolInputToArguments renders a tool_use input as the JSON-string
// arguments field. An input that is already a JSON string passes through
// verbatim; anything else is forwarded as its JSON text.
func toolInputToArguments(input json.RawMessage) string {
	if len(input) == 0 {
		return "{}"
	}
	var s string
	if err := json.Unmarshal(input, &s); err == nil {
		return s
	}
	return string(input)
}
