// Package config loads the relay configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/syx0310/claude-relay-service/internal/pkg/logger"
)

// Config is the root configuration for the relay.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Upstream     UpstreamConfig     `mapstructure:"upstream"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	CodexAdapter CodexAdapterConfig `mapstructure:"codex_adapter"`
	Accounts     []AccountConfig    `mapstructure:"accounts"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Log          logger.Config      `mapstructure:"log"`
}

// ServerConfig controls the inbound HTTP listener.
type ServerConfig struct {
	Addr         string `mapstructure:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// UpstreamConfig controls the outbound Responses API connection.
type UpstreamConfig struct {
	BaseURL              string `mapstructure:"base_url"`
	ResponsesPath        string `mapstructure:"responses_path"`
	RequestTimeoutSec    int    `mapstructure:"request_timeout_sec"`
	ErrorDrainTimeoutSec int    `mapstructure:"error_drain_timeout_sec"`
}

// RequestTimeout returns the upstream request timeout.
func (u UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(u.RequestTimeoutSec) * time.Second
}

// ErrorDrainTimeout returns the hard cap on error-body drains.
func (u UpstreamConfig) ErrorDrainTimeout() time.Duration {
	return time.Duration(u.ErrorDrainTimeoutSec) * time.Second
}

// GatewayConfig holds gateway-wide behavior knobs.
type GatewayConfig struct {
	// AliasModel is the model string reported back to clients in place of
	// the upstream model; downstream consumers use it to look up context
	// window sizes, so it must be a name they already know.
	AliasModel string `mapstructure:"alias_model"`
}

// CodexAdapterConfig mirrors the request-body adapter configuration. Every
// field tolerates absence; unknown enum values collapse to defaults at
// resolution time in the service layer.
type CodexAdapterConfig struct {
	Enabled      *bool                   `mapstructure:"enabled"`
	Instructions CodexInstructionsConfig `mapstructure:"instructions"`
	StripFields  CodexStripFieldsConfig  `mapstructure:"strip_fields"`
}

// CodexInstructionsConfig controls instruction injection.
type CodexInstructionsConfig struct {
	Mode      string `mapstructure:"mode"`       // overwrite | prepend | none
	ApplyWhen string `mapstructure:"apply_when"` // all | non_codex
	Text      string `mapstructure:"text"`
}

// CodexStripFieldsConfig controls field stripping for non-CLI clients.
type CodexStripFieldsConfig struct {
	Enabled *bool    `mapstructure:"enabled"`
	Fields  []string `mapstructure:"fields"`
}

// AccountConfig is one upstream account the scheduler can hand out.
type AccountConfig struct {
	ID      string            `mapstructure:"id"`
	Name    string            `mapstructure:"name"`
	Type    string            `mapstructure:"type"` // oauth | apikey
	Token   string            `mapstructure:"token"`
	BaseURL string            `mapstructure:"base_url"`
	Proxy   string            `mapstructure:"proxy"`
	Headers map[string]string `mapstructure:"headers"`
}

// RedisConfig enables the Redis usage-counter backend when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads configuration from the given file (optional) and CRS_*
// environment variables, applying defaults for everything else.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8082")
	v.SetDefault("server.max_body_bytes", int64(32<<20))
	v.SetDefault("upstream.base_url", "https://chatgpt.com/backend-api")
	v.SetDefault("upstream.responses_path", "/codex/responses")
	v.SetDefault("upstream.request_timeout_sec", 600)
	v.SetDefault("upstream.error_drain_timeout_sec", 5)
	v.SetDefault("gateway.alias_model", "gpt-4o")
	v.SetDefault("log.level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
