package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeUpstreamErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bearer token", "auth failed: Bearer abc123.def-ghi", "auth failed: Bearer [REDACTED]"},
		{"secret key", "invalid key sk-proj-abcdefgh1234", "invalid key [REDACTED]"},
		{"clean message", "connection refused", "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, sanitizeUpstreamErrorMessage(tt.in))
		})
	}
}

func TestExtractUpstreamErrorMessage(t *testing.T) {
	require.Equal(t, "slow down", extractUpstreamErrorMessage([]byte(`{"error":{"message":"slow down"}}`)))
	require.Equal(t, "flat", extractUpstreamErrorMessage([]byte(`{"message":"flat"}`)))
	require.Equal(t, "", extractUpstreamErrorMessage([]byte(`not json`)))
	require.Equal(t, "", extractUpstreamErrorMessage(nil))
}

func TestTruncateString(t *testing.T) {
	require.Equal(t, "abc", truncateString("abcdef", 3))
	require.Equal(t, "abcdef", truncateString("abcdef", 100))
	require.Equal(t, "abcdef", truncateString("abcdef", 0))
}
