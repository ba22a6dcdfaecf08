package secrets

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Declaration markers users place in their prompts.
const (
	markerText = "🔐 SECRET_TEXT:"
	markerFile = "🔐 SECRET_FILE:"
)

// Declaration is one value extracted from a prompt.
type Declaration struct {
	Type  string
	Value string
}

// readFileFn is a var so tests can stub the filesystem.
var readFileFn = os.ReadFile

// ScanDeclarations extracts secret declarations from prompt text.
//
// A SECRET_TEXT marker takes the rest of its line, with trailing
// whitespace and markdown punctuation stripped so a declaration ending
// in "**" vaults the real value. A SECRET_FILE value starting with "/"
// or "~" names a file whose non-empty lines each become a value; when
// the file cannot be read, the path itself is vaulted, because the user
// flagged it as sensitive either way. Any other SECRET_FILE value is
// stored literally.
func ScanDeclarations(text string) []Declaration {
	var decls []Declaration
	for _, line := range strings.Split(text, "\n") {
		if idx := strings.Index(line, markerText); idx >= 0 {
			value := strings.TrimRight(strings.TrimSpace(line[idx+len(markerText):]), " *_")
			if value != "" {
				decls = append(decls, Declaration{Type: TypeText, Value: value})
			}
			continue
		}
		if idx := strings.Index(line, markerFile); idx >= 0 {
			value := strings.TrimSpace(line[idx+len(markerFile):])
			if value == "" {
				continue
			}
			if value[0] != '/' && value[0] != '~' {
				decls = append(decls, Declaration{Type: TypeFile, Value: value})
				continue
			}
			path := expandHome(value)
			data, err := readFileFn(path)
			if err != nil {
				// The path is now a secret value; keep it out of the log.
				log.Warn().Err(err).Msg("Secret file not readable, vaulting the path")
				decls = append(decls, Declaration{Type: TypeFile, Value: path})
				continue
			}
			for _, fileLine := range strings.Split(string(data), "\n") {
				if v := strings.TrimSpace(fileLine); v != "" {
					decls = append(decls, Declaration{Type: TypeFile, Value: v})
				}
			}
		}
	}
	return decls
}

// expandHome rewrites a leading "~" to the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

// ParseAndStore scans text for declarations and vaults each valid one.
// It returns how many new secrets were added. Rejected values are
// logged by kind only; the value itself never reaches a log line.
func ParseAndStore(v *Vault, text string) int {
	added := 0
	for _, d := range ScanDeclarations(text) {
		inserted, err := v.Add(d.Type, d.Value)
		if err != nil {
			log.Debug().Str("type", d.Type).Err(err).Msg("Secret declaration rejected")
			continue
		}
		if inserted {
			added++
		}
	}
	if added > 0 {
		log.Info().Int("added", added).Msg("Vaulted new secrets from prompt")
	}
	return added
}
