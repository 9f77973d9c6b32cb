package service

import (
	_ "embed"
	"strings"

	"github.com/syx0310/claude-relay-service/internal/config"
)

//go:embed prompts/codex_instructions.md
var defaultCodexInstructions string

// GetCodexInstructions returns the built-in instruction text used when the
// adapter config carries none.
func GetCodexInstructions() string {
	return defaultCodexInstructions
}

// Instruction injection modes.
const (
	InstructionsModeOverwrite = "overwrite"
	InstructionsModePrepend   = "prepend"
	InstructionsModeNone      = "none"
)

// Instruction injection scopes.
const (
	ApplyWhenAll      = "all"
	ApplyWhenNonCodex = "non_codex"
)

// defaultStripFields lists parameters the upstream rejects when they come
// from non-CLI clients. Order matters: stripped fields are reported in
// this order.
var defaultStripFields = []string{
	"temperature",
	"top_p",
	"max_output_tokens",
	"user",
	"text_formatting",
	"truncation",
	"text",
	"service_tier",
	"prompt_cache_retention",
	"safety_identifier",
}

// AdaptOptions parameterizes one adapter invocation.
type AdaptOptions struct {
	// IsCLI marks requests from the codex CLI family; field stripping and
	// (under the default scope) instruction injection are skipped for them.
	IsCLI bool
	// Config may be nil or partially filled; defaults cover the gaps.
	Config *config.CodexAdapterConfig
	// DefaultInstructions is used when the config carries no text.
	DefaultInstructions string
}

// InstructionsChange annotates what the adapter did to instructions.
type InstructionsChange struct {
	Mode           string `json:"mode"`
	AlreadyPresent bool   `json:"already_present,omitempty"`
	ClientMissing  bool   `json:"client_missing,omitempty"`
	Fallback       bool   `json:"fallback,omitempty"`
}

// AdaptChanges records everything the adapter changed.
type AdaptChanges struct {
	StrippedFields []string            `json:"stripped_fields,omitempty"`
	Instructions   *InstructionsChange `json:"instructions,omitempty"`
}

// AdaptResult is the adapter output. Body is a shallow copy whenever the
// adapter ran; the input map is never mutated.
type AdaptResult struct {
	Body    map[string]any
	Applied bool
	Changes AdaptChanges
}

type resolvedAdapterConfig struct {
	enabled      bool
	mode         string
	applyWhen    string
	text         string
	stripEnabled bool
	stripFields  []string
}

// resolveCodexAdapterConfig fills defaults and collapses unknown enum
// values instead of erroring: mode falls back to overwrite, applyWhen to
// non_codex. Config files are operator-edited, so every field is treated
// as possibly missing or misspelled.
func resolveCodexAdapterConfig(cfg *config.CodexAdapterConfig, defaultText string) resolvedAdapterConfig {
	out := resolvedAdapterConfig{
		enabled:      true,
		mode:         InstructionsModeOverwrite,
		applyWhen:    ApplyWhenNonCodex,
		text:         defaultText,
		stripEnabled: true,
		stripFields:  defaultStripFields,
	}
	if cfg == nil {
		return out
	}
	if cfg.Enabled != nil {
		out.enabled = *cfg.Enabled
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Instructions.Mode)) {
	case InstructionsModePrepend:
		out.mode = InstructionsModePrepend
	case InstructionsModeNone:
		out.mode = InstructionsModeNone
	}
	if strings.ToLower(strings.TrimSpace(cfg.Instructions.ApplyWhen)) == ApplyWhenAll {
		out.applyWhen = ApplyWhenAll
	}
	if !isBlank(cfg.Instructions.Text) {
		out.text = cfg.Instructions.Text
	}
	if cfg.StripFields.Enabled != nil {
		out.stripEnabled = *cfg.StripFields.Enabled
	}
	if len(cfg.StripFields.Fields) > 0 {
		out.stripFields = cfg.StripFields.Fields
	}
	return out
}

// AdaptRequestBody normalizes an outbound Responses request body for the
// upstream: strips parameters the upstream rejects (non-CLI clients only)
// and injects server instructions according to the configured mode and
// scope. The input map is never mutated; worst case is passthrough.
func AdaptRequestBody(body map[string]any, opts AdaptOptions) AdaptResult {
	if body == nil {
		return AdaptResult{Body: body}
	}

	cfg := resolveCodexAdapterConfig(opts.Config, opts.DefaultInstructions)
	if !cfg.enabled {
		return AdaptResult{Body: body}
	}

	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}

	result := AdaptResult{Body: out}

	if !opts.IsCLI && cfg.stripEnabled {
		for _, field := range cfg.stripFields {
			if _, ok := out[field]; ok {
				delete(out, field)
				result.Changes.StrippedFields = append(result.Changes.StrippedFields, field)
				result.Applied = true
			}
		}
	}

	scopeAllows := cfg.applyWhen == ApplyWhenAll || !opts.IsCLI
	serverText := cfg.text
	clientText, _ := out["instructions"].(string)

	if scopeAllows && !isBlank(serverText) {
		switch cfg.mode {
		case InstructionsModeOverwrite:
			out["instructions"] = serverText
			result.Changes.Instructions = &InstructionsChange{Mode: InstructionsModeOverwrite}
			result.Applied = true

		case InstructionsModePrepend:
			switch {
			case !isBlank(clientText) && hasInstructionPrefix(clientText, serverText):
				result.Changes.Instructions = &InstructionsChange{Mode: InstructionsModePrepend, AlreadyPresent: true}
				result.Applied = true
			case !isBlank(clientText):
				out["instructions"] = serverText + "\n\n" + clientText
				result.Changes.Instructions = &InstructionsChange{Mode: InstructionsModePrepend}
				result.Applied = true
			default:
				out["instructions"] = serverText
				result.Changes.Instructions = &InstructionsChange{Mode: InstructionsModePrepend, ClientMissing: true}
				result.Applied = true
			}

		case InstructionsModeNone:
			// Backfill blank client instructions so the upstream does not
			// reject the request; a populated client value is left alone.
			if isBlank(clientText) {
				out["instructions"] = serverText
				result.Changes.Instructions = &InstructionsChange{Mode: InstructionsModeNone, Fallback: true}
				result.Applied = true
			}
		}
	}

	return result
}

func hasInstructionPrefix(clientText, serverText string) bool {
	if strings.HasPrefix(clientText, serverText) {
		return true
	}
	return strings.HasPrefix(strings.TrimLeft(clientText, " \t\r\n"), serverText)
}
