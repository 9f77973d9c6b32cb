package apicompat

import (
	"encoding/json"
	"strings"
)

// ResponsesToClaude synthesizes a non-streaming Messages response from a
// terminal response.completed payload. ids carries the request's tool-call
// pairings so tool_use blocks keep the IDs the client already knows;
// aliasModel is the fixed model string reported back.
func ResponsesToClaude(resp *ResponsesResponse, ids *ToolCallIDMap, aliasModel string) *ClaudeResponse {
	if ids == nil {
		ids = NewToolCallIDMap()
	}

	content := make([]any, 0, len(resp.Output))
	for _, item := range resp.Output {
		switch item.Type {
		case "reasoning":
			var parts []string
			for _, s := range item.Summary {
				if s.Text != "" {
					parts = append(parts, s.Text)
				}
			}
			if text := strings.Join(parts, ""); text != "" {
				content = append(content, map[string]any{"type": "thinking", "thinking": text})
			}
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					content = append(content, map[string]any{"type": "text", "text": part.Text})
				}
			}
		case "function_call":
			id := ids.Client(item.CallID)
			if id == "" {
				id = MintToolUseID()
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    id,
				"name":  item.Name,
				"input": parseToolArguments(item.Arguments),
			})
		}
	}

	return &ClaudeResponse{
		ID:           MintMessageID(),
		Type:         "message",
		Role:         "assistant",
		Model:        aliasModel,
		Content:      content,
		StopReason:   DeriveStopReason(resp),
		StopSequence: nil,
		Usage:        NetClaudeUsage(resp.Usage),
	}
}

// parseToolArguments decodes a function_call arguments string into the
// structured input a tool_use block carries. Unparseable arguments are
// preserved under a raw key instead of being dropped.
func parseToolArguments(arguments string) any {
	if strings.TrimSpace(arguments) == "" {
		return map[string]any{}
	}
	var parsed any
	if err := json.Unmarshal([]byte(arguments), &parsed); err != nil {
		return map[string]any{"raw": arguments}
	}
	return parsed
}
