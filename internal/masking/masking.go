// Package masking replaces vaulted secret values in outbound data.
//
// A single alternation regex covers every vaulted value, compiled
// longest-first so overlapping secrets mask the longest match. The
// compiled pattern is cached under a hash of the sorted values; hooks
// rebuild it only when the vault actually changed.
package masking

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pacerhq/pacer/internal/ingest"
	"github.com/pacerhq/pacer/internal/secrets"
)

// Literal is the replacement written over every secret occurrence.
const Literal = secrets.MaskLiteral

// Masker masks text and structures against one vault snapshot.
type Masker struct {
	re *regexp.Regexp // nil when the vault is empty
}

var (
	cacheMu   sync.Mutex
	cacheHash string
	cacheRe   *regexp.Regexp
)

// New builds (or reuses) a masker for the given secret values.
func New(values []string) *Masker {
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			cleaned = append(cleaned, v)
		}
	}
	if len(cleaned) == 0 {
		return &Masker{}
	}

	hash := hashValues(cleaned)

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if hash == cacheHash && cacheRe != nil {
		return &Masker{re: cacheRe}
	}

	// Longest first so a secret embedded in a longer one never splits it.
	sort.SliceStable(cleaned, func(i, j int) bool {
		if len(cleaned[i]) != len(cleaned[j]) {
			return len(cleaned[i]) > len(cleaned[j])
		}
		return cleaned[i] < cleaned[j]
	})
	quoted := make([]string, len(cleaned))
	for i, v := range cleaned {
		quoted[i] = regexp.QuoteMeta(v)
	}
	re, err := regexp.Compile(strings.Join(quoted, "|"))
	if err != nil {
		// QuoteMeta makes this unreachable in practice; fail closed to
		// a no-op masker rather than panicking inside a hook.
		return &Masker{}
	}

	cacheHash = hash
	cacheRe = re
	return &Masker{re: re}
}

func hashValues(values []string) string {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, v := range sorted {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Empty reports whether the masker has nothing to mask.
func (m *Masker) Empty() bool {
	return m == nil || m.re == nil
}

// MaskText replaces every secret occurrence and returns the new text
// plus the number of replacements.
func (m *Masker) MaskText(s string) (string, int) {
	if m.Empty() || s == "" {
		return s, 0
	}
	count := 0
	out := m.re.ReplaceAllStringFunc(s, func(string) string {
		count++
		return Literal
	})
	return out, count
}

// MaskValue deep-copies v, masking every string leaf. Maps and slices
// are copied; scalars other than strings pass through unchanged.
func (m *Masker) MaskValue(v any) (any, int) {
	if m.Empty() {
		return v, 0
	}
	return m.maskValue(v)
}

func (m *Masker) maskValue(v any) (any, int) {
	switch tv := v.(type) {
	case string:
		return m.maskString(tv)
	case map[string]any:
		out := make(map[string]any, len(tv))
		total := 0
		for k, val := range tv {
			masked, n := m.maskValue(val)
			out[k] = masked
			total += n
		}
		return out, total
	case []any:
		out := make([]any, len(tv))
		total := 0
		for i, val := range tv {
			masked, n := m.maskValue(val)
			out[i] = masked
			total += n
		}
		return out, total
	default:
		return v, 0
	}
}

func (m *Masker) maskString(s string) (any, int) {
	masked, n := m.MaskText(s)
	return masked, n
}

// SanitizeEvents masks every event body, then restores userId fields to
// their pre-mask values: the backend keys users on them, and the vault
// already refuses emails precisely so identity survives here. Returns
// the sanitized copies and the total replacement count.
func (m *Masker) SanitizeEvents(events []ingest.Event) ([]ingest.Event, int) {
	if len(events) == 0 {
		return events, 0
	}
	out := make([]ingest.Event, len(events))
	total := 0
	for i, ev := range events {
		masked := ev
		if ev.Body != nil {
			maskedBody, n := m.MaskValue(ev.Body)
			body, ok := maskedBody.(map[string]any)
			if !ok {
				body = ev.Body
			}
			restoreUserIDs(ev.Body, body)
			masked.Body = body
			total += n
		}
		out[i] = masked
	}
	return out, total
}

// restoreUserIDs walks original and masked in lockstep (masking
// preserves shape) writing original userId strings back into masked.
func restoreUserIDs(original, masked any) {
	switch o := original.(type) {
	case map[string]any:
		mv, ok := masked.(map[string]any)
		if !ok {
			return
		}
		for k, ov := range o {
			if k == "userId" {
				if s, ok := ov.(string); ok {
					mv[k] = s
					continue
				}
			}
			restoreUserIDs(ov, mv[k])
		}
	case []any:
		mv, ok := masked.([]any)
		if !ok {
			return
		}
		for i := range o {
			if i < len(mv) {
				restoreUserIDs(o[i], mv[i])
			}
		}
	}
}
