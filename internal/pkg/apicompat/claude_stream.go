package apicompat

import (
	"encoding/json"
	"io"
)

// ClaudeEventWriter emits one Messages SSE event to the client. The
// converter calls it in upstream arrival order; implementations typically
// frame the payload with FormatSSEEvent and flush.
type ClaudeEventWriter func(eventType string, payload any) error

// StreamConverter transcodes an upstream Responses SSE stream into the
// Messages streaming protocol. All state is private to one request:
// the content-block index is strictly monotonic, message_start is emitted
// exactly once before any block event, and every emitted tool_use block
// carries a client-namespace ID (reverse-mapped from the request's
// ToolCallIDMap, or freshly minted).
type StreamConverter struct {
	aliasModel string
	ids        *ToolCallIDMap
	write      ClaudeEventWriter

	messageID        string
	blockIndex       int
	messageStartSent bool
	currentCallID    string
	currentCallName  string

	usage      ClaudeUsage
	stopReason string
	completed  bool
}

// NewStreamConverter returns a converter for one request. aliasModel is the
// fixed model string reported to the client (consumers size context windows
// from it). ids may be nil when the request carried no tool history.
func NewStreamConverter(aliasModel string, ids *ToolCallIDMap, write ClaudeEventWriter) *StreamConverter {
	if ids == nil {
		ids = NewToolCallIDMap()
	}
	return &StreamConverter{
		aliasModel: aliasModel,
		ids:        ids,
		write:      write,
		messageID:  MintMessageID(),
		stopReason: "end_turn",
	}
}

// Run consumes the upstream stream to completion, feeding every parsed
// event through the converter state machine.
func (c *StreamConverter) Run(reader io.Reader) error {
	return ParseResponsesStream(reader, c.HandleEvent)
}

// Completed reports whether a terminal response.completed event was seen.
func (c *StreamConverter) Completed() bool { return c.completed }

// Usage returns the final usage accounting (net input, cache reads).
func (c *StreamConverter) Usage() ClaudeUsage { return c.usage }

// StopReason returns the derived Messages stop_reason.
func (c *StreamConverter) StopReason() string { return c.stopReason }

// HandleEvent advances the state machine by one upstream event. Unknown
// event types are ignored.
func (c *StreamConverter) HandleEvent(eventType string, data []byte) error {
	switch eventType {
	case "response.created":
		return c.ensureMessageStart()

	case "response.output_item.added":
		event, err := decodeEvent(data)
		if err != nil {
			return nil
		}
		if err := c.ensureMessageStart(); err != nil {
			return err
		}
		if event.Item != nil && event.Item.Type == "function_call" {
			c.currentCallID = event.Item.CallID
			c.currentCallName = event.Item.Name
			return c.emitToolUseBlockStart(event.Item)
		}
		// message / reasoning items open their blocks on part events.
		return nil

	case "response.reasoning_summary_part.added":
		if err := c.ensureMessageStart(); err != nil {
			return err
		}
		return c.write("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         c.blockIndex,
			"content_block": map[string]any{"type": "thinking", "thinking": ""},
		})

	case "response.reasoning_summary_text.delta":
		event, err := decodeEvent(data)
		if err != nil {
			return nil
		}
		return c.write("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": c.blockIndex,
			"delta": map[string]any{"type": "thinking_delta", "thinking": event.Delta},
		})

	case "response.reasoning_summary_part.done":
		return c.emitBlockStop()

	case "response.content_part.added":
		event, err := decodeEvent(data)
		if err != nil {
			return nil
		}
		if event.Part == nil || event.Part.Type != "output_text" {
			return nil
		}
		if err := c.ensureMessageStart(); err != nil {
			return err
		}
		return c.write("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         c.blockIndex,
			"content_block": map[string]any{"type": "text", "text": ""},
		})

	case "response.output_text.delta":
		event, err := decodeEvent(data)
		if err != nil {
			return nil
		}
		return c.write("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": c.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": event.Delta},
		})

	case "response.content_part.done":
		return c.emitBlockStop()

	case "response.function_call_arguments.delta":
		event, err := decodeEvent(data)
		if err != nil {
			return nil
		}
		return c.write("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": c.blockIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": event.Delta},
		})

	case "response.output_item.done":
		event, err := decodeEvent(data)
		if err != nil {
			return nil
		}
		if event.Item == nil || event.Item.Type != "function_call" {
			return nil
		}
		c.currentCallID = ""
		c.currentCallName = ""
		return c.emitBlockStop()

	case "response.completed":
		event, err := decodeEvent(data)
		if err != nil {
			return nil
		}
		return c.finish(event.Response)
	}

	return nil
}

func decodeEvent(data []byte) (*ResponsesStreamEvent, error) {
	var event ResponsesStreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (c *StreamConverter) ensureMessageStart() error {
	if c.messageStartSent {
		return nil
	}
	c.messageStartSent = true
	return c.write("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            c.messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         c.aliasModel,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  0,
				"output_tokens": 0,
			},
		},
	})
}

func (c *StreamConverter) emitToolUseBlockStart(item *ResponsesOutput) error {
	id := c.ids.Client(item.CallID)
	if id == "" {
		id = MintToolUseID()
	}
	return c.write("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": c.blockIndex,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  item.Name,
			"input": map[string]any{},
		},
	})
}

func (c *StreamConverter) emitBlockStop() error {
	err := c.write("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": c.blockIndex,
	})
	c.blockIndex++
	return err
}

func (c *StreamConverter) finish(resp *ResponsesResponse) error {
	c.completed = true
	c.stopReason = DeriveStopReason(resp)
	if resp != nil {
		c.usage = NetClaudeUsage(resp.Usage)
	}

	if err := c.write("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   c.stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]any{
			"input_tokens":                c.usage.InputTokens,
			"output_tokens":               c.usage.OutputTokens,
			"cache_creation_input_tokens": c.usage.CacheCreationInputTokens,
			"cache_read_input_tokens":     c.usage.CacheReadInputTokens,
		},
	}); err != nil {
		return err
	}
	return c.write("message_stop", map[string]any{"type": "message_stop"})
}
