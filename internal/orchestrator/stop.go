package orchestrator

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/pacerhq/pacer/internal/hooks"
	"github.com/pacerhq/pacer/internal/ingest"
	"github.com/pacerhq/pacer/internal/intel"
	"github.com/pacerhq/pacer/internal/metrics"
	"github.com/pacerhq/pacer/internal/statefile"
	"github.com/pacerhq/pacer/internal/store"
	"github.com/pacerhq/pacer/internal/trace"
	"github.com/pacerhq/pacer/internal/transcript"
)

const continueNudge = "You stopped after a tool call without reporting the result. " +
	"Summarize what the tool did and continue with the task."

// Stop finalizes the turn. Gates run first: a context-exhausted session
// passes straight through (blocking it would loop forever), a silent
// tool stop gets nudged back to work, and tempo mode sleeps at the turn
// boundary where a delay cannot interleave tool work. Then the trace is
// closed out with output, token usage, and intel.
func (o *Orchestrator) Stop(ctx context.Context, ev hooks.Event) hooks.Decision {
	entries, total, _ := readTranscript(ev.TranscriptPath, 0)

	if transcript.ContextExhausted(entries, o.Config.Transcript.ContextExhaustionTokens) {
		log.Info().Str("session", ev.SessionID).Msg("Context exhausted, letting the session end")
		return hooks.Decision{}
	}

	hs := statefile.LoadHookState(o.Config.HookStatePath())

	if !ev.StopHookActive && transcript.EndsWithSilentToolUse(entries) &&
		hs.SilentToolNudgeCount < o.Config.Tempo.MaxSilentToolNudges {
		hs.SilentToolNudgeCount++
		if err := statefile.Save(o.Config.HookStatePath(), hs); err != nil {
			log.Warn().Err(err).Msg("Hook state write failed")
		}
		if err := o.Store.InsertBlockage(store.Blockage{
			OccurredAt: o.now(),
			SessionID:  ev.SessionID,
			Category:   store.CategoryOther,
			SourceHook: hooks.Stop,
			Reason:     "silent_tool_stop",
		}); err != nil {
			log.Warn().Err(err).Msg("Blockage write failed")
		}
		if err := o.Metrics.Increment(metrics.MetricNudges, 1); err != nil {
			log.Warn().Err(err).Msg("Nudges metric failed")
		}
		return hooks.Decision{Block: true, Reason: continueNudge}
	}

	// Clean stop: the nudge budget resets for the next turn.
	if hs.SilentToolNudgeCount > 0 {
		hs.SilentToolNudgeCount = 0
	}

	o.tempoThrottle(hs, ev)

	// Secret declarations in the turn's tail enter the vault before the
	// finalization batch is sanitized.
	o.parseSecretsFromTail(ev.TranscriptPath, 5)

	ts := statefile.LoadTraceState(o.Config.TraceDir(), ev.SessionID)
	o.flushPending(ctx, ts)
	o.finalizeTurn(ctx, ts, entries, total)

	if err := ts.Save(o.Config.TraceDir()); err != nil {
		log.Warn().Err(err).Msg("Trace state write failed")
	}
	if err := statefile.Save(o.Config.HookStatePath(), hs); err != nil {
		log.Warn().Err(err).Msg("Hook state write failed")
	}
	return hooks.Decision{}
}

// tempoThrottle applies turn-boundary pacing when the session opted in.
func (o *Orchestrator) tempoThrottle(hs *statefile.HookState, ev hooks.Event) {
	if !hs.TempoSessionEnabled || o.Poller == nil || !o.Config.Pacing.Enabled {
		return
	}
	d, err := o.Store.LatestDecision()
	if err != nil || d == nil {
		return
	}
	slept := o.Poller.Throttle(d)
	if slept <= 0 {
		return
	}
	if err := o.Store.InsertBlockage(store.Blockage{
		OccurredAt: o.now(),
		SessionID:  ev.SessionID,
		Category:   store.CategoryPacingTempo,
		SourceHook: hooks.Stop,
		Reason:     throttleReason(d, slept),
	}); err != nil {
		log.Warn().Err(err).Msg("Blockage write failed")
	}
}

// finalizeTurn emits the closing trace upsert, the turn generation, and
// any spans not yet exported, in one sanitized batch.
func (o *Orchestrator) finalizeTurn(ctx context.Context, ts *statefile.TraceState, entries []transcript.Entry, total int) {
	traceID := ts.Metadata.CurrentTraceID
	if traceID == "" {
		return
	}
	now := o.now()

	var turnEntries []transcript.Entry
	if ts.Metadata.TraceStartLine < total {
		// entries covers the whole file; slice the turn by line position.
		start := len(entries) - (total - ts.Metadata.TraceStartLine)
		if start < 0 {
			start = 0
		}
		turnEntries = entries[start:]
	}

	output := lastNonEmptyAssistantText(turnEntries)
	md := make(map[string]any)
	if in, found := intel.Parse(output); found {
		for k, v := range in.Metadata() {
			md[k] = v
		}
		output = intel.Strip(output)
	}

	usage := transcript.AccumulateUsage(turnEntries)
	ts.AddUsage(usage.InputTokens-ts.Metadata.InputTokens,
		usage.OutputTokens-ts.Metadata.OutputTokens,
		usage.CacheReadInputTokens-ts.Metadata.CacheReadTokens)
	md["input_tokens"] = ts.Metadata.InputTokens
	md["output_tokens"] = ts.Metadata.OutputTokens
	md["cache_read_tokens"] = ts.Metadata.CacheReadTokens
	md["tool_count"] = ts.Metadata.ToolCount
	if len(ts.Metadata.ToolCalls) > 0 {
		md["tool_calls"] = ts.Metadata.ToolCalls
	}

	events := []ingest.Event{
		trace.TraceUpdate(traceID, trace.FilterToolResult(output), now, md),
	}
	if ts.Metadata.InputTokens+ts.Metadata.OutputTokens > 0 {
		events = append(events, trace.Generation(traceID, "Turn", transcript.LastAssistantModel(turnEntries),
			trace.Usage{
				Input:     ts.Metadata.InputTokens,
				Output:    ts.Metadata.OutputTokens,
				CacheRead: ts.Metadata.CacheReadTokens,
			}, now))
	}
	nonSpan := len(events)

	// Spans the heartbeat has not exported yet ride along.
	if ts.LastPushedLine < total {
		unexported := entries
		if skip := len(entries) - (total - ts.LastPushedLine); skip > 0 {
			unexported = entries[skip:]
		}
		for _, in := range transcript.ParseIncremental(unexported) {
			switch in.Kind {
			case "text":
				events = append(events, trace.TextSpan(traceID, in.Text, now))
			case "tool_use":
				out := any(nil)
				if in.ResultSeen {
					out = trace.FilterToolResult(in.Result)
				}
				events = append(events, trace.ToolSpan(traceID, in.Name, now, now, rawToAny(in.Input), out))
			}
		}
	}

	ok, acked := o.sanitizePush(ctx, events)
	if !ok {
		log.Debug().Str("trace", traceID).Msg("Turn finalization push failed")
	}
	// The batch is [update, generation?, spans...]; only acks past the
	// non-span prefix count as span acks.
	if acked > nonSpan {
		if err := o.Metrics.Increment(metrics.MetricSpans, float64(acked-nonSpan)); err != nil {
			log.Warn().Err(err).Msg("Spans metric failed")
		}
	}
	ts.AdvanceLine(total)
	ts.CloseTurn()
}
