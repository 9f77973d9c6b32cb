package apicompat

import (
	"strings"
	"testing"
)

type recordedEvent struct {
	eventType string
	payload   map[string]any
}

func runConverter(t *testing.T, ids *ToolCallIDMap, stream string) (*StreamConverter, []recordedEvent) {
	t.Helper()
	var events []recordedEvent
	converter := NewStreamConverter("gpt-4o", ids, func(eventType string, payload any) error {
		m, ok := payload.(map[string]any)
		if !ok {
			t.Fatalf("payload for %s is %T, want map", eventType, payload)
		}
		events = append(events, recordedEvent{eventType: eventType, payload: m})
		return nil
	})
	if err := converter.Run(strings.NewReader(stream)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return converter, events
}

func eventTypes(events []recordedEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.eventType
	}
	return out
}

const toolCallStream = `event: response.created
data: {"type":"response.created","response":{"id":"resp_1"}}

event: response.output_item.added
data: {"type":"response.output_item.added","output_index":0,"item":{"type":"function_call","call_id":"call_A","name":"run"}}

event: response.function_call_arguments.delta
data: {"type":"response.function_call_arguments.delta","output_index":0,"delta":"{\"x\":"}

event: response.function_call_arguments.delta
data: {"type":"response.function_call_arguments.delta","output_index":0,"delta":"1}"}

event: response.output_item.done
data: {"type":"response.output_item.done","output_index":0,"item":{"type":"function_call","call_id":"call_A","name":"run","arguments":"{\"x\":1}"}}

event: response.completed
data: {"type":"response.completed","response":{"id":"resp_1","status":"completed","output":[{"type":"function_call","call_id":"call_A","name":"run","arguments":"{\"x\":1}"}],"usage":{"input_tokens":100,"output_tokens":20,"input_tokens_details":{"cached_tokens":40}}}}

`

func TestStreamConverter_ToolCallSequence(t *testing.T) {
	converter, events := runConverter(t, nil, toolCallStream)

	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}

	start := events[0].payload["message"].(map[string]any)
	if start["model"] != "gpt-4o" {
		t.Errorf("message_start model = %v, want alias gpt-4o", start["model"])
	}
	startUsage := start["usage"].(map[string]any)
	if startUsage["input_tokens"] != 0 || startUsage["output_tokens"] != 0 {
		t.Errorf("message_start usage = %v, want zeros", startUsage)
	}

	blockStart := events[1].payload
	if blockStart["index"] != 0 {
		t.Errorf("content_block_start index = %v, want 0", blockStart["index"])
	}
	block := blockStart["content_block"].(map[string]any)
	if block["type"] != "tool_use" || block["name"] != "run" {
		t.Errorf("content_block = %v", block)
	}
	id := block["id"].(string)
	if !strings.HasPrefix(id, "toolu_") || len(id) != len("toolu_")+24 {
		t.Errorf("tool_use id = %q, want freshly minted toolu_ with 24 hex chars", id)
	}

	delta1 := events[2].payload["delta"].(map[string]any)
	if delta1["type"] != "input_json_delta" || delta1["partial_json"] != `{"x":` {
		t.Errorf("first delta = %v", delta1)
	}
	delta2 := events[3].payload["delta"].(map[string]any)
	if delta2["partial_json"] != `1}` {
		t.Errorf("second delta = %v", delta2)
	}

	if events[4].payload["index"] != 0 {
		t.Errorf("content_block_stop index = %v, want 0", events[4].payload["index"])
	}

	msgDelta := events[5].payload
	if msgDelta["delta"].(map[string]any)["stop_reason"] != "tool_use" {
		t.Errorf("stop_reason = %v, want tool_use", msgDelta["delta"])
	}
	usage := msgDelta["usage"].(map[string]any)
	if usage["input_tokens"] != 60 || usage["output_tokens"] != 20 ||
		usage["cache_read_input_tokens"] != 40 || usage["cache_creation_input_tokens"] != 0 {
		t.Errorf("usage = %v", usage)
	}

	if !converter.Completed() {
		t.Error("converter should report completion")
	}
	if converter.StopReason() != "tool_use" {
		t.Errorf("StopReason = %q, want tool_use", converter.StopReason())
	}
	got2 := converter.Usage()
	if got2.InputTokens != 60 || got2.CacheReadInputTokens != 40 || got2.OutputTokens != 20 {
		t.Errorf("Usage = %+v", got2)
	}
}

func TestStreamConverter_ReverseMapsKnownCallID(t *testing.T) {
	ids := NewToolCallIDMap()
	callID := ids.Assign("toolu_known")

	stream := strings.Join([]string{
		`data: {"type":"response.created","response":{"id":"resp_1"}}`,
		``,
		`data: {"type":"response.output_item.added","output_index":0,"item":{"type":"function_call","call_id":"` + callID + `","name":"run"}}`,
		``,
	}, "\n")

	_, events := runConverter(t, ids, stream)
	if len(events) != 2 {
		t.Fatalf("expected message_start + content_block_start, got %v", eventTypes(events))
	}
	block := events[1].payload["content_block"].(map[string]any)
	if block["id"] != "toolu_known" {
		t.Errorf("tool_use id = %v, want reverse-mapped toolu_known", block["id"])
	}
}

func TestStreamConverter_TextAndThinkingBlocks(t *testing.T) {
	stream := `event: response.created
data: {"type":"response.created","response":{"id":"resp_1"}}

event: response.output_item.added
data: {"type":"response.output_item.added","output_index":0,"item":{"type":"reasoning","id":"rs_1"}}

event: response.reasoning_summary_part.added
data: {"type":"response.reasoning_summary_part.added","item_id":"rs_1","summary_index":0}

event: response.reasoning_summary_text.delta
data: {"type":"response.reasoning_summary_text.delta","summary_index":0,"delta":"mull"}

event: response.reasoning_summary_part.done
data: {"type":"response.reasoning_summary_part.done","summary_index":0}

event: response.output_item.added
data: {"type":"response.output_item.added","output_index":1,"item":{"type":"message","id":"msg_i"}}

event: response.content_part.added
data: {"type":"response.content_part.added","output_index":1,"part":{"type":"output_text","text":""}}

event: response.output_text.delta
data: {"type":"response.output_text.delta","output_index":1,"delta":"hello"}

event: response.content_part.done
data: {"type":"response.content_part.done","output_index":1}

event: response.completed
data: {"type":"response.completed","response":{"id":"resp_1","status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"hello"}]}],"usage":{"input_tokens":10,"output_tokens":5}}}

`
	converter, events := runConverter(t, nil, stream)

	want := []string{
		"message_start",
		"content_block_start", // thinking, index 0
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // text, index 1
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	got := eventTypes(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event types = %v, want %v", got, want)
	}

	thinkStart := events[1].payload
	if thinkStart["index"] != 0 {
		t.Errorf("thinking index = %v, want 0", thinkStart["index"])
	}
	if events[1].payload["content_block"].(map[string]any)["type"] != "thinking" {
		t.Error("first block should be thinking")
	}
	thinkDelta := events[2].payload["delta"].(map[string]any)
	if thinkDelta["type"] != "thinking_delta" || thinkDelta["thinking"] != "mull" {
		t.Errorf("thinking delta = %v", thinkDelta)
	}

	textStart := events[4].payload
	if textStart["index"] != 1 {
		t.Errorf("text index = %v, want 1", textStart["index"])
	}
	textDelta := events[5].payload["delta"].(map[string]any)
	if textDelta["type"] != "text_delta" || textDelta["text"] != "hello" {
		t.Errorf("text delta = %v", textDelta)
	}
	if events[6].payload["index"] != 1 {
		t.Errorf("text stop index = %v, want 1", events[6].payload["index"])
	}

	if converter.StopReason() != "end_turn" {
		t.Errorf("StopReason = %q, want end_turn", converter.StopReason())
	}
	usage := converter.Usage()
	if usage.InputTokens != 10 || usage.OutputTokens != 5 || usage.CacheReadInputTokens != 0 {
		t.Errorf("Usage = %+v", usage)
	}
}

func TestStreamConverter_MessageStartOnlyOnce(t *testing.T) {
	stream := `data: {"type":"response.created","response":{"id":"r"}}

data: {"type":"response.created","response":{"id":"r"}}

data: {"type":"response.output_item.added","output_index":0,"item":{"type":"message"}}

`
	_, events := runConverter(t, nil, stream)
	count := 0
	for _, e := range events {
		if e.eventType == "message_start" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("message_start emitted %d times, want 1", count)
	}
}

func TestStreamConverter_MaxTokensStopReason(t *testing.T) {
	stream := `data: {"type":"response.completed","response":{"id":"r","status":"incomplete","incomplete_details":{"reason":"max_output_tokens"},"output":[],"usage":{"input_tokens":1,"output_tokens":2}}}

`
	converter, _ := runConverter(t, nil, stream)
	if converter.StopReason() != "max_tokens" {
		t.Errorf("StopReason = %q, want max_tokens", converter.StopReason())
	}
}

func TestStreamConverter_IgnoresUnknownEvents(t *testing.T) {
	stream := `event: response.in_progress
data: {"type":"response.in_progress"}

event: response.output_text.annotation.added
data: {"type":"response.output_text.annotation.added"}

`
	converter, events := runConverter(t, nil, stream)
	if len(events) != 0 {
		t.Errorf("unknown events produced output: %v", eventTypes(events))
	}
	if converter.Completed() {
		t.Error("converter should not report completion")
	}
}
