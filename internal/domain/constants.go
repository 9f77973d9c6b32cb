package domain

// Account type constants
const (
	AccountTypeOAuth  = "oauth"
	AccountTypeAPIKey = "apikey"
)

// Platform constants (API protocol type)
const (
	PlatformCodex     = "codex"
	PlatformAnthropic = "anthropic"
)

// Account status constants
const (
	StatusActive       = "active"
	StatusRateLimited  = "rate_limited"
	StatusUnauthorized = "unauthorized"
)
