// Package intel mines the structured annotation line assistants emit.
//
// The line starts with "§" and carries up to five sigil-prefixed fields
// describing the prompt that produced the turn. Fields validate
// independently: a malformed one is dropped without poisoning the rest.
// The line itself is stripped from trace output so users never see it
// twice.
package intel

import (
	"regexp"
	"strconv"
	"strings"
)

// Intel is the parsed annotation. Pointer fields distinguish "absent"
// from zero values; only present fields become trace metadata.
type Intel struct {
	Frustration   *float64
	Specificity   string
	TaskType      string
	PromptQuality *float64
	Iteration     int
}

var (
	frustrationRe = regexp.MustCompile(`△\s*([0-9]*\.?[0-9]+)`)
	specificityRe = regexp.MustCompile(`◎\s*([A-Za-z]+)`)
	taskTypeRe    = regexp.MustCompile(`■\s*([A-Za-z]+)`)
	qualityRe     = regexp.MustCompile(`◇\s*([0-9]*\.?[0-9]+)`)
	// RE2 has no lookahead; capture the follower and require it to be a
	// non-digit (or end of line) so "↻12" never parses as iteration 1.
	iterationRe = regexp.MustCompile(`↻\s*([1-9])([^0-9]|$)`)
)

// Parse scans text for the first § line and extracts whatever fields
// validate. The bool reports whether a § line was found at all; an
// empty one yields (zero Intel, true).
func Parse(text string) (Intel, bool) {
	line, ok := findLine(text)
	if !ok {
		return Intel{}, false
	}

	var in Intel
	if m := frustrationRe.FindStringSubmatch(line); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil && inUnitRange(f) {
			in.Frustration = &f
		}
	}
	if m := specificityRe.FindStringSubmatch(line); m != nil {
		in.Specificity = specificity(m[1])
	}
	if m := taskTypeRe.FindStringSubmatch(line); m != nil {
		in.TaskType = taskType(m[1])
	}
	if m := qualityRe.FindStringSubmatch(line); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil && inUnitRange(f) {
			in.PromptQuality = &f
		}
	}
	if m := iterationRe.FindStringSubmatch(line); m != nil {
		in.Iteration, _ = strconv.Atoi(m[1])
	}
	return in, true
}

// Strip removes the first intel line (and its newline) from text. Text
// without a § line passes through untouched.
func Strip(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	stripped := false
	for _, l := range lines {
		if !stripped && strings.HasPrefix(strings.TrimSpace(l), "§") {
			stripped = true
			continue
		}
		out = append(out, l)
	}
	if !stripped {
		return text
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n")
}

// Metadata returns the intel_* keys for trace metadata; absent fields
// are omitted, not defaulted.
func (in Intel) Metadata() map[string]any {
	md := make(map[string]any)
	if in.Frustration != nil {
		md["intel_frustration"] = *in.Frustration
	}
	if in.Specificity != "" {
		md["intel_specificity"] = in.Specificity
	}
	if in.TaskType != "" {
		md["intel_task_type"] = in.TaskType
	}
	if in.PromptQuality != nil {
		md["intel_quality"] = *in.PromptQuality
	}
	if in.Iteration > 0 {
		md["intel_iteration"] = in.Iteration
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

func findLine(text string) (string, bool) {
	for _, l := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), "§") {
			return l, true
		}
	}
	return "", false
}

// inUnitRange validates the float fields; values outside [0, 1] are
// omitted, never defaulted or clamped.
func inUnitRange(f float64) bool {
	return f >= 0 && f <= 1
}

// specificity maps a prefix token to its short canonical form; unknown
// tokens are dropped.
func specificity(tok string) string {
	switch t := strings.ToLower(tok); {
	case strings.HasPrefix(t, "surg"):
		return "surg"
	case strings.HasPrefix(t, "const"):
		return "const"
	case strings.HasPrefix(t, "outc"):
		return "outc"
	case strings.HasPrefix(t, "expl"):
		return "expl"
	default:
		return ""
	}
}

// taskType maps a prefix token to its short canonical form; unknown
// tokens become "other".
func taskType(tok string) string {
	switch t := strings.ToLower(tok); {
	case strings.HasPrefix(t, "bug"):
		return "bug"
	case strings.HasPrefix(t, "feat"):
		return "feat"
	case strings.HasPrefix(t, "refac"):
		return "refac"
	case strings.HasPrefix(t, "research"):
		return "research"
	case strings.HasPrefix(t, "test"):
		return "test"
	case strings.HasPrefix(t, "debug"):
		return "debug"
	case strings.HasPrefix(t, "doc"):
		return "docs"
	case strings.HasPrefix(t, "conf"):
		return "conf"
	default:
		return "other"
	}
}
