package apicompat

import (
	"strings"
	"testing"
)

func TestResponsesToClaude_TextAndReasoning(t *testing.T) {
	resp := &ResponsesResponse{
		ID:     "resp_1",
		Status: "completed",
		Output: []ResponsesOutput{
			{Type: "reasoning", Summary: []ResponsesSummary{
				{Type: "summary_text", Text: "first "},
				{Type: "summary_text", Text: "second"},
			}},
			{Type: "message", Content: []ResponsesContentPart{
				{Type: "output_text", Text: "hello"},
			}},
		},
		Usage: &ResponsesUsage{
			InputTokens:        100,
			OutputTokens:       20,
			InputTokensDetails: &ResponsesInputTokensDetails{CachedTokens: 40},
		},
	}

	got := ResponsesToClaude(resp, nil, "gpt-4o")
	if got.Type != "message" || got.Role != "assistant" {
		t.Errorf("envelope = %+v", got)
	}
	if !strings.HasPrefix(got.ID, "msg_") || len(got.ID) != len("msg_")+32 {
		t.Errorf("id = %q, want msg_ with 32 hex chars", got.ID)
	}
	if got.Model != "gpt-4o" {
		t.Errorf("model = %q, want alias", got.Model)
	}
	if len(got.Content) != 2 {
		t.Fatalf("content = %v", got.Content)
	}
	thinking := got.Content[0].(map[string]any)
	if thinking["type"] != "thinking" || thinking["thinking"] != "first second" {
		t.Errorf("thinking block = %v", thinking)
	}
	text := got.Content[1].(map[string]any)
	if text["type"] != "text" || text["text"] != "hello" {
		t.Errorf("text block = %v", text)
	}
	if got.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q", got.StopReason)
	}
	if got.Usage.InputTokens != 60 || got.Usage.CacheReadInputTokens != 40 ||
		got.Usage.OutputTokens != 20 || got.Usage.CacheCreationInputTokens != 0 {
		t.Errorf("usage = %+v", got.Usage)
	}
}

func TestResponsesToClaude_ToolCall(t *testing.T) {
	ids := NewToolCallIDMap()
	callID := ids.Assign("toolu_prior")

	resp := &ResponsesResponse{
		ID:     "resp_1",
		Status: "completed",
		Output: []ResponsesOutput{
			{Type: "function_call", CallID: callID, Name: "run", Arguments: `{"x":1}`},
			{Type: "function_call", CallID: "call_new", Name: "other", Arguments: `not json`},
		},
	}

	got := ResponsesToClaude(resp, ids, "gpt-4o")
	if got.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", got.StopReason)
	}
	if len(got.Content) != 2 {
		t.Fatalf("content = %v", got.Content)
	}

	mapped := got.Content[0].(map[string]any)
	if mapped["id"] != "toolu_prior" {
		t.Errorf("mapped id = %v, want toolu_prior", mapped["id"])
	}
	input := mapped["input"].(map[string]any)
	if input["x"] != float64(1) {
		t.Errorf("input = %v", input)
	}

	minted := got.Content[1].(map[string]any)
	id := minted["id"].(string)
	if !strings.HasPrefix(id, "toolu_") {
		t.Errorf("minted id = %q, want toolu_ prefix", id)
	}
	raw := minted["input"].(map[string]any)
	if raw["raw"] != "not json" {
		t.Errorf("unparseable arguments should fall back to raw, got %v", raw)
	}
}

func TestResponsesToClaude_MaxTokens(t *testing.T) {
	resp := &ResponsesResponse{
		Status:            "incomplete",
		IncompleteDetails: &ResponsesIncompleteDetails{Reason: "max_output_tokens"},
		Output: []ResponsesOutput{
			{Type: "message", Content: []ResponsesContentPart{{Type: "output_text", Text: "trunc"}}},
		},
	}
	got := ResponsesToClaude(resp, nil, "gpt-4o")
	if got.StopReason != "max_tokens" {
		t.Errorf("stop_reason = %q, want max_tokens", got.StopReason)
	}
}

func TestDeriveStopReason_ToolUseWins(t *testing.T) {
	resp := &ResponsesResponse{
		Status:            "incomplete",
		IncompleteDetails: &ResponsesIncompleteDetails{Reason: "max_output_tokens"},
		Output: []ResponsesOutput{
			{Type: "function_call", CallID: "call_1", Name: "run"},
		},
	}
	if got := DeriveStopReason(resp); got != "tool_use" {
		t.Errorf("stop reason = %q, want tool_use over max_tokens", got)
	}
}

func TestNetClaudeUsage_NeverNegative(t *testing.T) {
	u := &ResponsesUsage{
		InputTokens:        10,
		InputTokensDetails: &ResponsesInputTokensDetails{CachedTokens: 25},
	}
	got := NetClaudeUsage(u)
	if got.InputTokens != 0 {
		t.Errorf("net input = %d, want clamped to 0", got.InputTokens)
	}
	if got.CacheReadInputTokens != 25 {
		t.Errorf("cache read = %d, want 25", got.CacheReadInputTokens)
	}
}

func TestToolCallIDMap(t *testing.T) {
	m := NewToolCallIDMap()
	first := m.Assign("toolu_1")
	if again := m.Assign("toolu_1"); again != first {
		t.Errorf("re-assign minted new id: %q vs %q", again, first)
	}
	if got := m.Upstream("toolu_1"); got != first {
		t.Errorf("Upstream = %q, want %q", got, first)
	}
	if got := m.Upstream("unknown"); got != "unknown" {
		t.Errorf("unknown ids pass through, got %q", got)
	}
	if got := m.Client(first); got != "toolu_1" {
		t.Errorf("Client = %q, want toolu_1", got)
	}
	if got := m.Client("call_missing"); got != "" {
		t.Errorf("missing reverse lookup = %q, want empty", got)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}
