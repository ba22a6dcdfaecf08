package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pacerhq/pacer/internal/hooks"
	"github.com/pacerhq/pacer/internal/ingest"
	"github.com/pacerhq/pacer/internal/statefile"
	"github.com/pacerhq/pacer/internal/trace"
	"github.com/pacerhq/pacer/internal/transcript"
)

// SubagentStart registers a running subagent and opens its sibling
// trace. Subagents share the parent's session id at the backend but
// carry their own trace id and their own transcript pointer, so
// concurrent subagents never interleave observations.
func (o *Orchestrator) SubagentStart(ctx context.Context, ev hooks.Event) hooks.Decision {
	agentID := ev.AgentID
	if agentID == "" {
		agentID = ev.ToolUseID
	}
	if agentID == "" {
		log.Warn().Msg("Subagent start without agent id, skipping trace")
		return hooks.Decision{}
	}

	traceID := trace.NewSubagentTraceID(ev.SessionID, ev.AgentType)

	hs := statefile.LoadHookState(o.Config.HookStatePath())
	hs.StartSubagent(agentID, statefile.SubagentTrace{
		TraceID:              traceID,
		AgentType:            ev.AgentType,
		ParentTranscriptPath: ev.TranscriptPath,
		StartedAt:            o.now(),
	})
	if err := statefile.Save(o.Config.HookStatePath(), hs); err != nil {
		log.Warn().Err(err).Msg("Hook state write failed")
	}

	// The subagent keeps its own line pointer under a derived key.
	sub := statefile.LoadTraceState(o.Config.TraceDir(), "subagent-"+agentID)
	sub.TraceID = traceID
	sub.Metadata.CurrentTraceID = traceID
	if err := sub.Save(o.Config.TraceDir()); err != nil {
		log.Warn().Err(err).Msg("Subagent trace state write failed")
	}

	// Mirror into the parent's trace state for status display.
	ts := statefile.LoadTraceState(o.Config.TraceDir(), ev.SessionID)
	if ts.SubagentTraces == nil {
		ts.SubagentTraces = make(map[string]statefile.SubagentTrace)
	}
	ts.SubagentTraces[agentID] = hs.SubagentTraces[agentID]
	if err := ts.Save(o.Config.TraceDir()); err != nil {
		log.Warn().Err(err).Msg("Trace state write failed")
	}

	input := o.taskPrompt(ev)
	created := trace.TraceCreate(traceID, subagentName(ev.AgentType), input,
		ev.SessionID, o.userIdentity(ctx), o.projectMetadata(ev.CWD),
		[]string{"subagent"})
	if ok, _ := o.sanitizePush(ctx, []ingest.Event{created}); !ok {
		log.Debug().Str("trace", traceID).Msg("Subagent trace-create push failed")
	}
	return hooks.Decision{}
}

// SubagentStop finalizes the subagent's trace with its output and
// flushes the parent's pending trace, since the parent's own heartbeat
// does not run while a subagent executes.
func (o *Orchestrator) SubagentStop(ctx context.Context, ev hooks.Event) hooks.Decision {
	hs := statefile.LoadHookState(o.Config.HookStatePath())
	sub, agentID, found := hs.ResolveSubagent(ev.AgentID)
	if found {
		output := o.subagentOutput(ev, sub, agentID)
		update := trace.TraceUpdate(sub.TraceID, trace.FilterToolResult(output), o.now(), nil)
		if ok, _ := o.sanitizePush(ctx, []ingest.Event{update}); !ok {
			log.Debug().Str("trace", sub.TraceID).Msg("Subagent finalization push failed")
		}
		if err := statefile.Remove(statefile.TraceStatePath(o.Config.TraceDir(), "subagent-"+agentID)); err != nil {
			log.Debug().Err(err).Msg("Subagent trace state cleanup failed")
		}
		hs.FinishSubagent(agentID)
	} else {
		log.Warn().Str("agent_id", ev.AgentID).Msg("Subagent stop without matching start")
		hs.FinishSubagent(ev.AgentID)
	}
	if err := statefile.Save(o.Config.HookStatePath(), hs); err != nil {
		log.Warn().Err(err).Msg("Hook state write failed")
	}

	// The parent may have a trace staged since before the subagent ran.
	ts := statefile.LoadTraceState(o.Config.TraceDir(), ev.SessionID)
	o.flushPending(ctx, ts)
	if err := ts.Save(o.Config.TraceDir()); err != nil {
		log.Warn().Err(err).Msg("Trace state write failed")
	}
	return hooks.Decision{}
}

// subagentOutput extracts the subagent's final answer. Its own
// transcript already holds the final message when the stop hook fires;
// the parent's tool_result block may not exist yet, and with concurrent
// subagents it must be filtered by agent id to avoid cross-
// contamination.
func (o *Orchestrator) subagentOutput(ev hooks.Event, sub statefile.SubagentTrace, agentID string) string {
	if ev.AgentTranscriptPath != "" {
		if entries, _, err := readTranscript(ev.AgentTranscriptPath, 0); err == nil {
			if text := transcript.LastAssistantText(entries); text != "" {
				return text
			}
		}
	}
	parentPath := sub.ParentTranscriptPath
	if parentPath == "" {
		parentPath = ev.TranscriptPath
	}
	if parentPath != "" {
		if entries, _, err := readTranscript(parentPath, 0); err == nil {
			if results := transcript.ToolResultsForAgent(entries, agentID); len(results) > 0 {
				return results[len(results)-1]
			}
		}
	}
	return ev.LastAssistantMessage
}

// taskPrompt recovers the Task-tool prompt that launched the subagent.
func (o *Orchestrator) taskPrompt(ev hooks.Event) string {
	if ev.Prompt != "" {
		return ev.Prompt
	}
	if ev.TranscriptPath == "" {
		return ""
	}
	entries, _, err := readTranscript(ev.TranscriptPath, 0)
	if err != nil && len(entries) == 0 {
		return ""
	}
	// Newest Task tool_use wins: starts arrive in invocation order.
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type != "assistant" {
			continue
		}
		for _, b := range transcript.ExtractContentBlocks(entries[i]) {
			if b.Type == "tool_use" && b.Name == "Task" {
				return taskInputPrompt(b.Input)
			}
		}
	}
	return ""
}

func taskInputPrompt(raw []byte) string {
	var in struct {
		Prompt      string `json:"prompt"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return ""
	}
	if in.Prompt != "" {
		return in.Prompt
	}
	return in.Description
}

func subagentName(agentType string) string {
	if agentType == "" {
		agentType = "task"
	}
	return "Subagent - " + strings.TrimSpace(agentType)
}
