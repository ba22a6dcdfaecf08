package statefile

import (
	"time"
)

// SubagentTrace is the routing entry for one live subagent.
type SubagentTrace struct {
	TraceID              string    `json:"trace_id"`
	AgentType            string    `json:"agent_type,omitempty"`
	ParentTranscriptPath string    `json:"parent_transcript_path,omitempty"`
	StartedAt            time.Time `json:"started_at"`
}

// HookState is the single process-wide coordination document. One file
// serves all hooks of the active session; last writer wins.
type HookState struct {
	SessionID               string    `json:"session_id,omitempty"`
	LastPollTime            time.Time `json:"last_poll_time"`
	LastCleanupTime         time.Time `json:"last_cleanup_time"`
	InSubagent              bool      `json:"in_subagent"`
	SubagentCounter         int       `json:"subagent_counter"`
	ToolExecutionCount      int       `json:"tool_execution_count"`
	LastUserInteractionTime time.Time `json:"last_user_interaction_time"`
	SilentToolNudgeCount    int       `json:"silent_tool_nudge_count"`
	TempoSessionEnabled     bool      `json:"tempo_session_enabled"`
	CurrentAgentID          string    `json:"current_agent_id,omitempty"`

	// Live routing map for concurrent subagents, pruned on stop.
	SubagentTraces map[string]SubagentTrace `json:"subagent_traces,omitempty"`
}

// LoadHookState reads the hook state, returning a zero state when the
// file does not exist or cannot be parsed (a corrupt state file must
// not take the hooks down with it).
func LoadHookState(path string) *HookState {
	st := &HookState{}
	if _, err := Load(path, st); err != nil {
		return &HookState{}
	}
	if st.SubagentCounter < 0 {
		st.SubagentCounter = 0
	}
	return st
}

// ResetForSession reinitializes the per-session counters at session start.
func (s *HookState) ResetForSession(sessionID string, tempoEnabled bool) {
	s.SessionID = sessionID
	s.InSubagent = false
	s.SubagentCounter = 0
	s.ToolExecutionCount = 0
	s.SilentToolNudgeCount = 0
	s.TempoSessionEnabled = tempoEnabled
	s.CurrentAgentID = ""
	s.SubagentTraces = nil
}

// StartSubagent registers a live subagent and bumps the counter.
func (s *HookState) StartSubagent(agentID string, trace SubagentTrace) {
	if s.SubagentTraces == nil {
		s.SubagentTraces = make(map[string]SubagentTrace)
	}
	s.SubagentTraces[agentID] = trace
	s.SubagentCounter++
	s.InSubagent = true
	s.CurrentAgentID = agentID
}

// FinishSubagent removes a subagent entry. The counter never goes
// negative even if stop events outnumber starts.
func (s *HookState) FinishSubagent(agentID string) {
	delete(s.SubagentTraces, agentID)
	if s.SubagentCounter > 0 {
		s.SubagentCounter--
	}
	s.InSubagent = s.SubagentCounter > 0
	if s.CurrentAgentID == agentID {
		s.CurrentAgentID = ""
	}
}

// ResolveSubagent finds the trace entry for a stopping subagent: by id
// first, then the current agent, then the most recently started one.
// The returned id is the key actually matched.
func (s *HookState) ResolveSubagent(agentID string) (SubagentTrace, string, bool) {
	if agentID != "" {
		if tr, ok := s.SubagentTraces[agentID]; ok {
			return tr, agentID, true
		}
	}
	if s.CurrentAgentID != "" {
		if tr, ok := s.SubagentTraces[s.CurrentAgentID]; ok {
			return tr, s.CurrentAgentID, true
		}
	}
	var (
		bestID string
		best   SubagentTrace
		found  bool
	)
	for id, tr := range s.SubagentTraces {
		if !found || tr.StartedAt.After(best.StartedAt) {
			bestID, best, found = id, tr, true
		}
	}
	return best, bestID, found
}
