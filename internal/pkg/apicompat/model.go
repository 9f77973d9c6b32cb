package apicompat

import "strings"

// reasoningEfforts is the set of recognised reasoning-effort suffixes a
// client may append to a model name, e.g. "gpt-5.2-codex-xhigh".
var reasoningEfforts = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
	"xhigh":  true,
}

// ParseModelEffort splits a requested model name into the actual model and
// an optional reasoning-effort suffix. Only the segment after the last dash
// is considered, and only when it is a known effort; anything else leaves
// the model untouched.
//
//	"gpt-5.2-codex-xhigh"  -> ("gpt-5.2-codex", "xhigh")
//	"codex-mini-latest"    -> ("codex-mini-latest", "")
func ParseModelEffort(model string) (string, string) {
	idx := strings.LastIndex(model, "-")
	if idx <= 0 {
		return model, ""
	}
	suffix := strings.ToLower(model[idx+1:])
	if !reasoningEfforts[suffix] {
		return model, ""
	}
	return model[:idx], suffix
}
