package service

import "regexp"

// codexCLIPattern matches the user agents of the official codex CLI family.
// CLI clients ship their own instructions and parameter sets, so the
// request-body adapter leaves their requests alone by default.
var codexCLIPattern = regexp.MustCompile(`(?i)^(codex_vscode|codex_cli_rs|codex_exec)/\d+(\.\d+)*`)

// IsCodexCLIClient reports whether the user agent identifies a codex CLI.
func IsCodexCLIClient(userAgent string) bool {
	return codexCLIPattern.MatchString(userAgent)
}
