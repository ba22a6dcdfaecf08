// Package trace builds the observation bodies pushed to the ingestion
// backend: one trace per user turn, spans for assistant text and tool
// calls, and a generation per turn carrying token usage.
package trace

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pacerhq/pacer/internal/ingest"
)

// Span names. Tool spans append the tool's own name.
const (
	SpanAssistantResponse = "Assistant Response"
	spanToolPrefix        = "Tool - "
)

// maxTraceNameLen bounds the user-prompt prefix used as the trace name.
const maxTraceNameLen = 100

// NewTurnTraceID mints the trace id for one user turn.
func NewTurnTraceID(sessionID string) string {
	return sessionID + "-turn-" + shortHex()
}

// NewSubagentTraceID mints a sibling trace id for a subagent run.
func NewSubagentTraceID(parentSessionID, agentType string) string {
	if agentType == "" {
		agentType = "task"
	}
	return parentSessionID + "-subagent-" + sanitizeIDPart(agentType) + "-" + shortHex()
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// sanitizeIDPart keeps trace ids to one token even when agent types
// carry spaces or slashes.
func sanitizeIDPart(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

// Name derives the trace name from the user message: the first
// maxTraceNameLen characters of its first meaningful line.
func Name(input string) string {
	line := strings.TrimSpace(input)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	runes := []rune(line)
	if len(runes) > maxTraceNameLen {
		return string(runes[:maxTraceNameLen])
	}
	return line
}

// TraceCreate builds the event that opens a turn trace.
func TraceCreate(id, name, input, sessionID, userID string, metadata map[string]any, tags []string) ingest.Event {
	body := map[string]any{
		"id":        id,
		"name":      name,
		"sessionId": sessionID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"input":     input,
	}
	if userID != "" {
		body["userId"] = userID
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	if len(tags) > 0 {
		body["tags"] = tags
	}
	return ingest.NewEvent(ingest.TypeTraceCreate, body)
}

// TraceUpdate builds the finalization upsert for a trace. It is emitted
// as a trace-create with the same id; the backend merges by id.
func TraceUpdate(id, output string, endTime time.Time, metadata map[string]any) ingest.Event {
	body := map[string]any{
		"id":      id,
		"output":  output,
		"endTime": endTime.UTC().Format(time.RFC3339Nano),
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	return ingest.NewEvent(ingest.TypeTraceCreate, body)
}

// Span builds one observation within a trace.
func Span(traceID, name string, startTime, endTime time.Time, input, output any, metadata map[string]any) ingest.Event {
	body := map[string]any{
		"id":        uuid.NewString(),
		"traceId":   traceID,
		"name":      name,
		"startTime": startTime.UTC().Format(time.RFC3339Nano),
		"endTime":   endTime.UTC().Format(time.RFC3339Nano),
	}
	if input != nil {
		body["input"] = input
	}
	if output != nil {
		body["output"] = output
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	return ingest.NewEvent(ingest.TypeSpanCreate, body)
}

// TextSpan builds the span for one assistant text block.
func TextSpan(traceID, text string, at time.Time) ingest.Event {
	return Span(traceID, SpanAssistantResponse, at, at, nil, text,
		map[string]any{"type": "text"})
}

// ToolSpan builds the span for one tool call. The output should already
// have passed FilterToolResult.
func ToolSpan(traceID, toolName string, startTime, endTime time.Time, input, output any) ingest.Event {
	return Span(traceID, spanToolPrefix+toolName, startTime, endTime, input, output,
		map[string]any{"type": "tool", "tool": toolName})
}

// Usage carries the token counts of a finalized turn.
type Usage struct {
	Input     int
	Output    int
	CacheRead int
}

// Total sums all counted tokens.
func (u Usage) Total() int {
	return u.Input + u.Output + u.CacheRead
}

// Generation builds the per-turn generation observation carrying token
// usage for cost aggregation.
func Generation(traceID, name, model string, usage Usage, startTime time.Time) ingest.Event {
	body := map[string]any{
		"id":        uuid.NewString(),
		"traceId":   traceID,
		"name":      name,
		"startTime": startTime.UTC().Format(time.RFC3339Nano),
		"usage": map[string]any{
			"input":  usage.Input,
			"output": usage.Output,
			"total":  usage.Total(),
		},
	}
	if model != "" {
		body["model"] = model
	}
	if usage.CacheRead > 0 {
		body["usage"].(map[string]any)["cache_read"] = usage.CacheRead
	}
	return ingest.NewEvent(ingest.TypeGenerationCreate, body)
}
