package apicompat

import (
	"crypto/rand"
	"encoding/hex"
)

// ToolCallIDMap translates tool-call identifiers between the client and
// upstream namespaces for a single request. Client-side tool_use IDs
// (toolu_* or arbitrary strings) map to upstream call_* IDs. The forward
// direction is filled during request translation when assistant tool_use
// blocks are linearized; the reverse direction is consulted during response
// translation so a tool call started in a prior turn keeps its client ID.
type ToolCallIDMap struct {
	forward map[string]string // client tool_use id -> upstream call_id
}

// NewToolCallIDMap returns an empty per-request ID map.
func NewToolCallIDMap() *ToolCallIDMap {
	return &ToolCallIDMap{forward: make(map[string]string)}
}

// Assign mints a fresh upstream call ID for a client tool_use ID and
// records the pairing. Re-assigning the same client ID returns the
// existing call ID.
func (m *ToolCallIDMap) Assign(clientID string) string {
	if callID, ok := m.forward[clientID]; ok {
		return callID
	}
	callID := MintCallID()
	m.forward[clientID] = callID
	return callID
}

// Upstream returns the upstream call ID for a client ID, or the client ID
// itself when no mapping exists (tool results referencing calls the bridge
// never saw pass through unchanged).
func (m *ToolCallIDMap) Upstream(clientID string) string {
	if callID, ok := m.forward[clientID]; ok {
		return callID
	}
	return clientID
}

// Client resolves an upstream call ID back to the client ID that produced
// it, or "" when the call was minted upstream this turn. The map holds at
// most a few dozen entries per request, so a linear scan is fine.
func (m *ToolCallIDMap) Client(callID string) string {
	for clientID, mapped := range m.forward {
		if mapped == callID {
			return clientID
		}
	}
	return ""
}

// Len reports the number of recorded pairings.
func (m *ToolCallIDMap) Len() int { return len(m.forward) }

// MintCallID returns a fresh upstream-namespace tool call ID.
func MintCallID() string { return "call_" + randomHex(12) }

// MintToolUseID returns a fresh client-namespace tool_use ID.
func MintToolUseID() string { return "toolu_" + randomHex(12) }

// MintMessageID returns a fresh Messages response ID.
func MintMessageID() string { return "msg_" + randomHex(16) }

func randomHex(nBytes int) string {
	if nBytes <= 0 {
		return ""
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
