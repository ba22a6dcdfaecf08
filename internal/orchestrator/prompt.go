package orchestrator

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/pacerhq/pacer/internal/hooks"
	"github.com/pacerhq/pacer/internal/ingest"
	"github.com/pacerhq/pacer/internal/secrets"
	"github.com/pacerhq/pacer/internal/statefile"
	"github.com/pacerhq/pacer/internal/trace"
)

// UserPromptSubmit starts a new turn trace. The trace-create is staged,
// not pushed: secrets declared later in this very turn must already be
// in the vault when the batch is finally sanitized, so the push waits
// for the next hook.
func (o *Orchestrator) UserPromptSubmit(ctx context.Context, ev hooks.Event) hooks.Decision {
	// Vault writes come first; everything sanitized afterward sees them.
	if o.Vault != nil {
		secrets.ParseAndStore(o.Vault, ev.Prompt)
	}

	ts := statefile.LoadTraceState(o.Config.TraceDir(), ev.SessionID)

	// A still-open previous trace means stop never ran (or two prompts
	// raced); close it out, then flush any batch it left staged.
	o.finalizeLingering(ctx, ts, ev.TranscriptPath)
	o.flushPending(ctx, ts)

	_, total, _ := readTranscript(ev.TranscriptPath, 0)

	traceID := trace.NewTurnTraceID(ev.SessionID)
	ts.BeginTurn(traceID, total)

	created := trace.TraceCreate(traceID, trace.Name(ev.Prompt), ev.Prompt,
		ev.SessionID, o.userIdentity(ctx), o.projectMetadata(ev.CWD), nil)
	ts.StagePending([]ingest.Event{created})

	if err := ts.Save(o.Config.TraceDir()); err != nil {
		log.Warn().Err(err).Msg("Trace state write failed")
	}

	hs := statefile.LoadHookState(o.Config.HookStatePath())
	hs.LastUserInteractionTime = o.now()
	if err := statefile.Save(o.Config.HookStatePath(), hs); err != nil {
		log.Warn().Err(err).Msg("Hook state write failed")
	}

	return hooks.Decision{AdditionalContext: o.pacingAdvisory()}
}

// finalizeLingering closes a trace whose stop hook never fired, using
// whatever assistant output the transcript holds for it. A trace that
// is still only staged needs no closing; its create never went out.
func (o *Orchestrator) finalizeLingering(ctx context.Context, ts *statefile.TraceState, transcriptPath string) {
	if ts.Metadata.CurrentTraceID == "" || len(ts.PendingTrace) > 0 {
		return
	}
	entries, _, err := readTranscript(transcriptPath, ts.Metadata.TraceStartLine)
	if err != nil && len(entries) == 0 {
		ts.CloseTurn()
		return
	}
	output := lastNonEmptyAssistantText(entries)
	if output == "" {
		ts.CloseTurn()
		return
	}
	update := trace.TraceUpdate(ts.Metadata.CurrentTraceID, trace.FilterToolResult(output), o.now(), nil)
	if ok, _ := o.sanitizePush(ctx, []ingest.Event{update}); !ok {
		log.Debug().Str("trace", ts.Metadata.CurrentTraceID).Msg("Lingering trace finalization push failed")
	}
	ts.CloseTurn()
}
