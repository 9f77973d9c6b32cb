package service

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)bearer\s+[a-z0-9\-_.~+/=]+`)
	secretKeyPattern   = regexp.MustCompile(`\bsk-[A-Za-z0-9\-_]{8,}`)
)

// sanitizeUpstreamErrorMessage strips credential material from messages
// before they reach clients or logs.
func sanitizeUpstreamErrorMessage(msg string) string {
	msg = bearerTokenPattern.ReplaceAllString(msg, "Bearer [REDACTED]")
	msg = secretKeyPattern.ReplaceAllString(msg, "[REDACTED]")
	return msg
}

// extractUpstreamErrorMessage pulls the error message out of an upstream
// error body, tolerating both {"error":{"message":...}} and {"message":...}.
func extractUpstreamErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return parsed.Message
}

func truncateString(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes]
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
