// Package transcript reads host transcript files. Transcripts are JSONL,
// one entry per line, and grow while a session runs; readers keep a line
// pointer so each hook invocation only parses what is new.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Entry is one parsed transcript line. Only the fields the hooks consume
// are mapped; everything else on the line is ignored.
type Entry struct {
	Type            string           `json:"type"`
	UUID            string           `json:"uuid"`
	Timestamp       string           `json:"timestamp"`
	IsSidechain     bool             `json:"isSidechain"`
	Subtype         string           `json:"subtype"`
	CompactMetadata *CompactMetadata `json:"compactMetadata"`
	Message         *Message         `json:"message"`
}

// CompactMetadata accompanies compact_boundary system entries.
type CompactMetadata struct {
	PreTokens int `json:"preTokens"`
}

// Message carries the model payload of a user or assistant entry.
// Content is either a plain string or an array of content blocks, so it
// stays raw until ExtractContentBlocks normalizes it.
type Message struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *Usage          `json:"usage"`
}

// Usage reports token counts for a single assistant entry.
type Usage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

// Add accumulates counts from another usage record.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// ContentBlock is an Anthropic-style content block. Tool result content is
// itself string-or-array, so it stays raw until ResultText flattens it.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens tool_result content, which the host writes either as
// a plain string or as a list of text blocks.
func (b ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, nb := range blocks {
		if nb.Type == "text" && nb.Text != "" {
			parts = append(parts, nb.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// SpanInput is one ordered piece of turn output, ready for span assembly.
// Tool results are attached to their tool_use by id, so a tool_use input
// carries both the call and, once seen, its result.
type SpanInput struct {
	Kind       string // "text" or "tool_use"
	Text       string
	Name       string
	ID         string
	Input      json.RawMessage
	Result     string
	ResultSeen bool
	IsError    bool
}

// Transcript lines hold whole tool results, which can be big.
const maxLineSize = 8 * 1024 * 1024

// ReadLines parses every line of the transcript at path. It returns the
// entries plus the total line count, which callers persist as the read
// pointer for the next incremental pass.
func ReadLines(path string) ([]Entry, int, error) {
	return ReadLinesFrom(path, 0)
}

// ReadLinesFrom parses transcript lines after the first fromLine lines.
// Malformed lines are skipped with a debug log and still count toward the
// returned total, so the pointer always reflects the file, not the parse.
func ReadLinesFrom(path string, fromLine int) ([]Entry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("transcript.ReadLinesFrom: open %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var entries []Entry
	line := 0
	for scanner.Scan() {
		line++
		if line <= fromLine {
			continue
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Debug().Str("path", path).Int("line", line).Err(err).Msg("Skipping malformed transcript line")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, line, fmt.Errorf("transcript.ReadLinesFrom: scan %q: %w", path, err)
	}
	return entries, line, nil
}

// ExtractContentBlocks normalizes an entry's content into blocks. Plain
// string content becomes a single text block.
func ExtractContentBlocks(e Entry) []ContentBlock {
	if e.Message == nil || len(e.Message.Content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(e.Message.Content, &s); err == nil {
		if s == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: s}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(e.Message.Content, &blocks); err != nil {
		log.Debug().Str("uuid", e.UUID).Err(err).Msg("Skipping unparseable content blocks")
		return nil
	}
	return blocks
}

// ParseIncremental walks entries in transcript order and produces the span
// inputs for one turn: assistant text blocks, tool calls, and the tool
// results attached to them. Sidechain entries belong to subagent traces and
// are skipped here.
func ParseIncremental(entries []Entry) []SpanInput {
	var inputs []SpanInput
	byToolUse := make(map[string]int)
	for _, e := range entries {
		if e.IsSidechain {
			continue
		}
		switch e.Type {
		case "assistant":
			for _, b := range ExtractContentBlocks(e) {
				switch b.Type {
				case "text":
					if b.Text == "" {
						continue
					}
					inputs = append(inputs, SpanInput{Kind: "text", Text: b.Text})
				case "tool_use":
					byToolUse[b.ID] = len(inputs)
					inputs = append(inputs, SpanInput{Kind: "tool_use", Name: b.Name, ID: b.ID, Input: b.Input})
				}
			}
		case "user":
			for _, b := range ExtractContentBlocks(e) {
				if b.Type != "tool_result" {
					continue
				}
				idx, ok := byToolUse[b.ToolUseID]
				if !ok {
					log.Debug().Str("tool_use_id", b.ToolUseID).Msg("Tool result without matching tool use in increment")
					continue
				}
				inputs[idx].Result = b.ResultText()
				inputs[idx].ResultSeen = true
				inputs[idx].IsError = b.IsError
			}
		}
	}
	return inputs
}

// LastAssistantText returns the text of the most recent assistant entry
// that produced any, intel line included. It works on both parent and
// subagent transcripts.
func LastAssistantText(entries []Entry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type != "assistant" {
			continue
		}
		var parts []string
		for _, b := range ExtractContentBlocks(entries[i]) {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}

// LastAssistantModel returns the most recent non-empty model name.
func LastAssistantModel(entries []Entry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Type != "assistant" || e.Message == nil {
			continue
		}
		if e.Message.Model != "" {
			return e.Message.Model
		}
	}
	return ""
}

// AccumulateUsage sums token counts across all assistant entries, sidechain
// included: subagent tokens burn the same quota.
func AccumulateUsage(entries []Entry) Usage {
	var total Usage
	for _, e := range entries {
		if e.Type != "assistant" || e.Message == nil || e.Message.Usage == nil {
			continue
		}
		total.Add(*e.Message.Usage)
	}
	return total
}

// EndsWithSilentToolUse reports whether the main chain's last assistant
// entry ends on a tool_use block with no assistant text after it. That is
// the shape of a turn that stopped mid-work without telling the user.
func EndsWithSilentToolUse(entries []Entry) bool {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Type != "assistant" || e.IsSidechain {
			continue
		}
		blocks := ExtractContentBlocks(e)
		if len(blocks) == 0 {
			continue
		}
		return blocks[len(blocks)-1].Type == "tool_use"
	}
	return false
}

// promptTooLong is the exact refusal text the API returns when the
// context window is full.
const promptTooLong = "Prompt is too long"

// compactBoundaryTail bounds how far back a compact_boundary still
// counts as recent.
const compactBoundaryTail = 10

// ContextExhausted reports whether the entries show the session running out
// of context window: either the final entry is the API's prompt-too-long
// refusal, or a recent compaction fired above exhaustionTokens. Only the
// last entry is checked for the refusal text, and only by exact match;
// a user quoting the error elsewhere must not trip this.
func ContextExhausted(entries []Entry, exhaustionTokens int) bool {
	if len(entries) == 0 {
		return false
	}
	if last := entries[len(entries)-1]; last.Type == "assistant" {
		for _, b := range ExtractContentBlocks(last) {
			if b.Type == "text" && strings.TrimSpace(b.Text) == promptTooLong {
				return true
			}
		}
	}
	tail := entries
	if len(tail) > compactBoundaryTail {
		tail = tail[len(tail)-compactBoundaryTail:]
	}
	for _, e := range tail {
		if e.Subtype == "compact_boundary" && e.CompactMetadata != nil && e.CompactMetadata.PreTokens > exhaustionTokens {
			return true
		}
	}
	return false
}

// ToolResultsForAgent returns the flattened tool_result texts tagged with
// the given agent id. The host appends an "agentId: <id>" marker line to
// subagent results so concurrent subagents can be told apart in the parent
// transcript.
func ToolResultsForAgent(entries []Entry, agentID string) []string {
	marker := "agentId: " + agentID
	var results []string
	for _, e := range entries {
		if e.Type != "user" {
			continue
		}
		for _, b := range ExtractContentBlocks(e) {
			if b.Type != "tool_result" {
				continue
			}
			text := b.ResultText()
			if strings.HasSuffix(strings.TrimSpace(text), marker) {
				results = append(results, text)
			}
		}
	}
	return results
}
