package orchestrator

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pacerhq/pacer/internal/transcript"
)

// readTranscript wraps the reader with the degrade-to-empty behavior
// every flow wants: a missing or unreadable transcript is a debug log,
// not a failure.
func readTranscript(path string, fromLine int) ([]transcript.Entry, int, error) {
	entries, total, err := transcript.ReadLinesFrom(path, fromLine)
	if err != nil {
		log.Debug().Str("path", path).Err(err).Msg("Transcript not readable")
		return entries, total, err
	}
	return entries, total, nil
}

// lastAssistantTexts returns up to n most recent assistant texts, in
// transcript order.
func lastAssistantTexts(entries []transcript.Entry, n int) []string {
	var texts []string
	for i := len(entries) - 1; i >= 0 && len(texts) < n; i-- {
		e := entries[i]
		if e.Type != "assistant" {
			continue
		}
		var parts []string
		for _, b := range transcript.ExtractContentBlocks(e) {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			texts = append(texts, strings.Join(parts, "\n"))
		}
	}
	// Reverse back into transcript order.
	for i, j := 0, len(texts)-1; i < j; i, j = i+1, j-1 {
		texts[i], texts[j] = texts[j], texts[i]
	}
	return texts
}

// lastNonEmptyAssistantText picks the final assistant text of a turn.
// Many assistant entries carry only thinking or tool_use blocks; the
// answer the user saw is the last one with actual text.
func lastNonEmptyAssistantText(entries []transcript.Entry) string {
	return transcript.LastAssistantText(entries)
}
