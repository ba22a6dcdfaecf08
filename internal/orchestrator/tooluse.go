package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pacerhq/pacer/internal/hooks"
	"github.com/pacerhq/pacer/internal/ingest"
	"github.com/pacerhq/pacer/internal/intel"
	"github.com/pacerhq/pacer/internal/metrics"
	"github.com/pacerhq/pacer/internal/rules"
	"github.com/pacerhq/pacer/internal/statefile"
	"github.com/pacerhq/pacer/internal/store"
	"github.com/pacerhq/pacer/internal/trace"
	"github.com/pacerhq/pacer/internal/transcript"
	"github.com/pacerhq/pacer/internal/validator"
)

// Tools whose use routes through intent validation.
var mutatingTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// PreToolUse counts the execution and, for file-mutating tools with
// active rules, consults the intent validator. Only an explicit
// not-approved verdict blocks; validator failures approve.
func (o *Orchestrator) PreToolUse(ctx context.Context, ev hooks.Event) hooks.Decision {
	hs := statefile.LoadHookState(o.Config.HookStatePath())
	hs.ToolExecutionCount++
	if err := statefile.Save(o.Config.HookStatePath(), hs); err != nil {
		log.Warn().Err(err).Msg("Hook state write failed")
	}

	if o.Validator == nil || !o.Config.Validator.Enabled || !mutatingTools[ev.ToolName] {
		return hooks.Decision{}
	}
	return o.validateIntent(ctx, ev)
}

// toolFileInput is the slice of a mutating tool's input the validator
// needs.
type toolFileInput struct {
	FilePath  string `json:"file_path"`
	Content   string `json:"content"`
	NewString string `json:"new_string"`
}

func (o *Orchestrator) validateIntent(ctx context.Context, ev hooks.Event) hooks.Decision {
	var in toolFileInput
	if len(ev.ToolInput) > 0 {
		if err := json.Unmarshal(ev.ToolInput, &in); err != nil {
			log.Debug().Err(err).Msg("Tool input unparseable, skipping validation")
			return hooks.Decision{}
		}
	}
	code := in.Content
	if code == "" {
		code = in.NewString
	}
	if code == "" {
		return hooks.Decision{}
	}

	set, err := loadRules(o.Config.RulesPath())
	if err != nil || set.Empty() {
		return hooks.Decision{}
	}
	tdd, cleanCode := set.Active(in.FilePath)
	if len(tdd) == 0 && len(cleanCode) == 0 {
		return hooks.Decision{}
	}

	var recent []string
	if entries, _, err := readTranscript(ev.TranscriptPath, 0); err == nil {
		recent = lastAssistantTexts(entries, 3)
	}

	result, err := o.Validator.Validate(ctx, validatorRequest(recent, code, in.FilePath, ev.ToolName, tdd, cleanCode))
	if err != nil || result.Approved {
		return hooks.Decision{}
	}

	category := store.CategoryIntentValidation
	switch {
	case result.TDDFailure:
		category = store.CategoryIntentValidationTDD
	case result.CleanCodeFailure:
		category = store.CategoryIntentValidationCleanCode
	}
	if err := o.Store.InsertBlockage(store.Blockage{
		OccurredAt: o.now(),
		SessionID:  ev.SessionID,
		Category:   category,
		SourceHook: hooks.PreToolUse,
		Reason:     result.Feedback,
		ToolName:   ev.ToolName,
	}); err != nil {
		log.Warn().Err(err).Msg("Blockage write failed")
	}
	return hooks.Decision{Block: true, Reason: result.Feedback}
}

// PostToolUse is the trace heartbeat: it flushes the staged trace,
// exports spans for everything new in the transcript, and runs the
// pacing cycle. The transcript pointer advances after any push attempt,
// timeout included, because the server has almost certainly received a
// timed-out payload and duplicates cost more than rare loss.
func (o *Orchestrator) PostToolUse(ctx context.Context, ev hooks.Event) hooks.Decision {
	// Ordering contract: vault writes before any sanitize in this hook.
	o.parseSecretsFromTail(ev.TranscriptPath, 3)

	ts := statefile.LoadTraceState(o.Config.TraceDir(), ev.SessionID)
	o.flushPending(ctx, ts)

	// Subagent context: spans produced while a subagent runs belong to
	// its sibling trace and its own transcript pointer.
	hs := statefile.LoadHookState(o.Config.HookStatePath())
	effectiveTS := ts
	traceID := ts.Metadata.CurrentTraceID
	subagentKey := ""
	if hs.InSubagent {
		if sub, id, ok := hs.ResolveSubagent(ev.AgentID); ok {
			subagentKey = "subagent-" + id
			effectiveTS = statefile.LoadTraceState(o.Config.TraceDir(), subagentKey)
			traceID = sub.TraceID
		}
	}

	var events []ingest.Event
	events = append(events, o.intelUpsert(ev.TranscriptPath, ts)...)

	spanEvents, newTotal := o.buildSpans(ev, effectiveTS, traceID)
	events = append(events, spanEvents...)

	ok, acked := o.sanitizePush(ctx, events)
	if !ok && len(events) > 0 {
		log.Debug().Int("events", len(events)).Msg("Span push failed")
	}
	if acked > 0 {
		if err := o.Metrics.Increment(metrics.MetricSpans, float64(min(acked, len(spanEvents)))); err != nil {
			log.Warn().Err(err).Msg("Spans metric failed")
		}
	}
	if newTotal > 0 {
		effectiveTS.AdvanceLine(newTotal)
	}

	ts.RecordTool(ev.ToolName)
	if entries, _, err := readTranscript(ev.TranscriptPath, ts.Metadata.TraceStartLine); err == nil {
		usage := transcript.AccumulateUsage(entries)
		ts.Metadata.InputTokens = usage.InputTokens
		ts.Metadata.OutputTokens = usage.OutputTokens
		ts.Metadata.CacheReadTokens = usage.CacheReadInputTokens
	}

	if err := ts.Save(o.Config.TraceDir()); err != nil {
		log.Warn().Err(err).Msg("Trace state write failed")
	}
	if subagentKey != "" {
		if err := effectiveTS.Save(o.Config.TraceDir()); err != nil {
			log.Warn().Err(err).Msg("Subagent trace state write failed")
		}
	}

	o.runPacing(ctx, hs, ev)

	if err := statefile.Save(o.Config.HookStatePath(), hs); err != nil {
		log.Warn().Err(err).Msg("Hook state write failed")
	}
	return hooks.Decision{}
}

// intelUpsert parses the newest assistant text for an intel line and,
// when one parses, returns the metadata upsert for the current trace.
// Intel describes the prompt that produced the current turn, so it
// attaches to the current trace, never the next one.
func (o *Orchestrator) intelUpsert(transcriptPath string, ts *statefile.TraceState) []ingest.Event {
	if ts.Metadata.CurrentTraceID == "" {
		return nil
	}
	entries, _, err := readTranscript(transcriptPath, ts.Metadata.TraceStartLine)
	if err != nil && len(entries) == 0 {
		return nil
	}
	text := lastNonEmptyAssistantText(entries)
	if text == "" {
		return nil
	}
	in, found := intel.Parse(text)
	if !found {
		return nil
	}
	md := in.Metadata()
	if md == nil {
		return nil
	}
	ev := ingest.NewEvent(ingest.TypeTraceCreate, map[string]any{
		"id":       ts.Metadata.CurrentTraceID,
		"metadata": md,
	})
	return []ingest.Event{ev}
}

// buildSpans assembles the span batch for this tool call. When the hook
// event carries the tool response directly, one span suffices; otherwise
// the new transcript lines are parsed into text and tool spans. Returns
// the events plus the new transcript total (0 when not read). The total
// is read in both paths: the direct-response span covers the new lines,
// and the pointer must move past them or stop-finalize would publish
// the same tool call a second time.
func (o *Orchestrator) buildSpans(ev hooks.Event, ts *statefile.TraceState, traceID string) ([]ingest.Event, int) {
	if traceID == "" {
		return nil, 0
	}
	now := o.now()

	if len(ev.ToolResponse) > 0 {
		output := trace.FilterToolResult(flattenRaw(ev.ToolResponse))
		span := trace.ToolSpan(traceID, ev.ToolName, now, now, ev.ToolInputString(), output)
		_, total, err := readTranscript(ev.TranscriptPath, ts.LastPushedLine)
		if err != nil {
			total = 0
		}
		return []ingest.Event{span}, total
	}

	entries, total, err := readTranscript(ev.TranscriptPath, ts.LastPushedLine)
	if err != nil && len(entries) == 0 {
		return nil, 0
	}
	var events []ingest.Event
	for _, in := range transcript.ParseIncremental(entries) {
		switch in.Kind {
		case "text":
			events = append(events, trace.TextSpan(traceID, in.Text, now))
		case "tool_use":
			output := any(nil)
			if in.ResultSeen {
				output = trace.FilterToolResult(in.Result)
			}
			events = append(events, trace.ToolSpan(traceID, in.Name, now, now, rawToAny(in.Input), output))
		}
	}
	return events, total
}

// runPacing executes the poll/decide cycle and applies the throttle,
// recording a quota blockage when it actually sleeps.
func (o *Orchestrator) runPacing(ctx context.Context, hs *statefile.HookState, ev hooks.Event) {
	if o.Poller == nil || !o.Config.Pacing.Enabled {
		return
	}
	d := o.Poller.Run(ctx, hs)
	slept := o.Poller.Throttle(d)
	if slept <= 0 {
		return
	}
	if err := o.Store.InsertBlockage(store.Blockage{
		OccurredAt: o.now(),
		SessionID:  ev.SessionID,
		Category:   store.CategoryPacingQuota,
		SourceHook: hooks.PostToolUse,
		Reason:     throttleReason(d, slept),
		ToolName:   ev.ToolName,
	}); err != nil {
		log.Warn().Err(err).Msg("Blockage write failed")
	}
}

func loadRules(path string) (*rules.Set, error) {
	set, err := rules.Load(path)
	if err != nil {
		log.Debug().Err(err).Msg("Rules file unreadable, skipping validation")
		return nil, err
	}
	return set, nil
}

func validatorRequest(recent []string, code, filePath, toolName string, tdd, cleanCode []rules.Rule) validator.Request {
	return validator.Request{
		RecentMessages: recent,
		ProposedCode:   code,
		FilePath:       filePath,
		ToolName:       toolName,
		TDDRules:       tdd,
		CleanCodeRules: cleanCode,
	}
}

func throttleReason(d *store.Decision, slept float64) string {
	return fmt.Sprintf("throttled %.0fs: %s window %.1f%% over pace", slept, d.ConstrainedWindow, d.Deviation)
}

func flattenRaw(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
