package apicompat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ResponsesEventHandler receives each parsed upstream SSE event. eventType
// is the resolved event name (from the "event:" line, or the payload's
// "type" field when the upstream omits one); data is the raw JSON payload.
type ResponsesEventHandler func(eventType string, data []byte) error

// ParseResponsesStream incrementally reads SSE events from an upstream
// Responses stream and feeds them to the handler in arrival order. Lines
// are parsed as they come; the upstream is never buffered whole. A final
// data line without a terminating blank line is still delivered, so
// unterminated streams lose nothing.
//
// Returning an error from the handler stops the parse and propagates.
func ParseResponsesStream(reader io.Reader, handler ResponsesEventHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	currentEventType := ""
	for scanner.Scan() {
		line := scanner.Text()

		// Skip blank lines and SSE comments.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEventType = strings.TrimSpace(line[len("event:"):])
			continue
		}

		if strings.HasPrefix(line, "data:") {
			data := strings.TrimPrefix(line[len("data:"):], " ")
			if data == "[DONE]" {
				return nil
			}

			eventType := currentEventType
			currentEventType = ""
			if eventType == "" {
				eventType = peekEventType([]byte(data))
			}
			if eventType == "" {
				continue
			}
			if err := handler(eventType, []byte(data)); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read error: %w", err)
	}
	return nil
}

// peekEventType extracts the "type" field from an event payload without
// decoding the rest.
func peekEventType(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// CollectFinalResponse consumes an upstream Responses stream and returns
// the response payload of the last response.completed event, or nil when
// the stream ended without one. This is how the bridge serves non-streaming
// clients against a stream-only upstream.
func CollectFinalResponse(reader io.Reader) (*ResponsesResponse, error) {
	var final *ResponsesResponse

	err := ParseResponsesStream(reader, func(eventType string, data []byte) error {
		if eventType != "response.completed" {
			return nil
		}
		var event ResponsesStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			// Tolerate malformed events; a later completed event may
			// still arrive intact.
			return nil
		}
		if event.Response != nil {
			final = event.Response
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

// FormatSSEEvent renders one Messages SSE event as wire bytes: an event
// line, a data line with compact JSON, and a terminating blank line.
func FormatSSEEvent(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)), nil
}
