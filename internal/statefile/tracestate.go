package statefile

import (
	"path/filepath"

	"github.com/pacerhq/pacer/internal/ingest"
)

// TraceMetadata accumulates per-turn counters for the active trace.
type TraceMetadata struct {
	CurrentTraceID        string   `json:"current_trace_id,omitempty"`
	TraceStartLine        int      `json:"trace_start_line"`
	IsFirstTraceInSession bool     `json:"is_first_trace_in_session"`
	ToolCalls             []string `json:"tool_calls,omitempty"`
	ToolCount             int      `json:"tool_count"`
	InputTokens           int      `json:"input_tokens"`
	OutputTokens          int      `json:"output_tokens"`
	CacheReadTokens       int      `json:"cache_read_tokens"`
}

// TraceState is the per-session observability document. It is kept in
// its own file, parallel to the session registry, so a trace subsystem
// failure cannot corrupt anything the other subsystems rely on.
type TraceState struct {
	SessionID      string        `json:"session_id"`
	TraceID        string        `json:"trace_id,omitempty"`
	LastPushedLine int           `json:"last_pushed_line"`
	Metadata       TraceMetadata `json:"metadata"`

	// PendingTrace holds at most one staged batch whose push was
	// deferred so late secret declarations still get masked.
	PendingTrace []ingest.Event `json:"pending_trace,omitempty"`

	// SubagentTraces keeps the history of child traces for status
	// display; the live routing map lives in HookState.
	SubagentTraces map[string]SubagentTrace `json:"subagent_traces,omitempty"`
}

// TraceStatePath returns the trace state file for a session.
func TraceStatePath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".json")
}

// LoadTraceState reads the session's trace state, returning a fresh
// document bound to the session when none exists yet. A parse failure
// also yields a fresh document: losing trace continuity beats crashing
// a hook.
func LoadTraceState(dir, sessionID string) *TraceState {
	st := &TraceState{}
	path := TraceStatePath(dir, sessionID)
	found, err := Load(path, st)
	if err != nil || !found || st.SessionID != sessionID {
		return &TraceState{
			SessionID: sessionID,
			Metadata:  TraceMetadata{IsFirstTraceInSession: true},
		}
	}
	return st
}

// Save writes the trace state back to its session file.
func (s *TraceState) Save(dir string) error {
	return Save(TraceStatePath(dir, s.SessionID), s)
}

// AdvanceLine moves the pushed-line pointer forward, never backward.
func (s *TraceState) AdvanceLine(line int) {
	if line > s.LastPushedLine {
		s.LastPushedLine = line
	}
}

// StagePending replaces any staged batch with the given one.
func (s *TraceState) StagePending(events []ingest.Event) {
	s.PendingTrace = events
}

// TakePending returns the staged batch and clears it unconditionally.
func (s *TraceState) TakePending() []ingest.Event {
	events := s.PendingTrace
	s.PendingTrace = nil
	return events
}

// BeginTurn resets the per-turn metadata for a new trace.
func (s *TraceState) BeginTurn(traceID string, startLine int) {
	s.TraceID = traceID
	s.Metadata.CurrentTraceID = traceID
	s.Metadata.TraceStartLine = startLine
	s.Metadata.ToolCalls = nil
	s.Metadata.ToolCount = 0
	s.Metadata.InputTokens = 0
	s.Metadata.OutputTokens = 0
	s.Metadata.CacheReadTokens = 0
}

// CloseTurn marks the current trace finished.
func (s *TraceState) CloseTurn() {
	s.Metadata.CurrentTraceID = ""
}

// RecordTool accumulates a completed tool call into the turn metadata.
func (s *TraceState) RecordTool(name string) {
	if name == "" {
		return
	}
	s.Metadata.ToolCalls = append(s.Metadata.ToolCalls, name)
	s.Metadata.ToolCount++
}

// AddUsage accumulates token usage into the turn metadata.
func (s *TraceState) AddUsage(input, output, cacheRead int) {
	s.Metadata.InputTokens += input
	s.Metadata.OutputTokens += output
	s.Metadata.CacheReadTokens += cacheRead
}
