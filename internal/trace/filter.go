package trace

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// MaxToolResultBytes bounds a tool span's output.
const MaxToolResultBytes = 10240

// Redacted replaces every credential-shaped match.
const Redacted = "[REDACTED]"

// redactions run in order; the keep-key patterns preserve the name and
// redact only the value.
var redactions = []struct {
	re      *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`), Redacted},
	{regexp.MustCompile(`AKIA[A-Z0-9]{16}`), Redacted},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-/+=]{8,}`), Redacted},
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), Redacted},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), Redacted},
	{regexp.MustCompile(`(?i)(password\s*[=:]\s*)\S+`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)(api[-_]?key\s*[=:]\s*)\S+`), "${1}" + Redacted},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`), Redacted},
	{regexp.MustCompile(`glpat-[A-Za-z0-9\-_]{20,}`), Redacted},
}

// FilterToolResult prepares a tool output for export: redact credential
// shapes over the whole text, then truncate to the byte budget on a
// UTF-8 boundary. Redaction runs first so a credential straddling the
// cut never survives as a partial token.
func FilterToolResult(s string) string {
	return Truncate(Redact(s), MaxToolResultBytes)
}

// Truncate slices s to at most maxBytes, backing off to a rune boundary,
// and appends a marker naming the original size. Small inputs pass
// through untouched.
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && cut > maxBytes-4 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n\n[TRUNCATED - original size: %d bytes]", len(s))
}

// Redact applies the ordered credential patterns to s.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.replace)
	}
	return s
}
