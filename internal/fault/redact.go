package fault

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=\-]{8,}`)
	keyPattern    = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|ephemeral[_-]?key)\s*[=:]\s*\S+`)
	opaquePattern = regexp.MustCompile(`\b[A-Za-z0-9+/=_\-]{48,}\b`)
	connIDPattern = regexp.MustCompile(`(?i)\b(conn(ection)?[_-]?id)\s*[=:]\s*\S+`)
)

// Redact masks bearer tokens, key-value secrets, connection ids, and long
// opaque strings in input. Applied to every message and cause that reaches a
// log or telemetry emission.
func Redact(input string) string {
	out := bearerPattern.ReplaceAllString(input, "[REDACTED_TOKEN]")
	out = keyPattern.ReplaceAllString(out, "${1}=[REDACTED]")
	out = connIDPattern.ReplaceAllString(out, "${1}=[REDACTED]")
	// Run the opaque pass last so structured patterns keep their labels.
	out = opaquePattern.ReplaceAllString(out, "[REDACTED_OPAQUE]")
	return out
}

// RedactMetadata returns a copy of meta with string values redacted.
// Non-string values pass through unchanged.
func RedactMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if s, ok := v.(string); ok {
			out[k] = Redact(s)
		} else {
			out[k] = v
		}
	}
	return out
}
