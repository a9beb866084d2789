package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// Evidence excerpts and provider errors both flow into log fields, so
// scrubbing has to work on arbitrary strings, not just known keys.
var secretPatterns = []struct {
	re        *regexp.Regexp
	keepGroup int
}{
	// key=value assignments with a secret-looking key
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), 1},
	// Authorization header values
	{regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), 1},
	// Anthropic keys
	{regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`), 0},
	// Google API keys
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), 0},
	// UUID-shaped tokens behind an auth-ish label
	{regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`), 1},
}

// Redact replaces secret-bearing substrings with [REDACTED], keeping the
// key or label so the log line stays readable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		pat := p
		out = pat.re.ReplaceAllStringFunc(out, func(match string) string {
			if pat.keepGroup == 0 {
				return redactedPlaceholder
			}
			sub := pat.re.FindStringSubmatch(match)
			if len(sub) > pat.keepGroup {
				return sub[pat.keepGroup] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

var sensitiveKeyTokens = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue returns [REDACTED] when the variable name itself marks the
// value as secret (ANTHROPIC_API_KEY, KGRAPH_API_KEY, LEGALEASE_AUTH_TOKEN).
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return redactedPlaceholder
		}
	}
	return value
}
