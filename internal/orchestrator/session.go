package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pacerhq/pacer/internal/hooks"
	"github.com/pacerhq/pacer/internal/statefile"
	"github.com/pacerhq/pacer/internal/store"
)

// SessionStart resets per-session coordination state and registers the
// session. It may attach a one-line pacing advisory when the latest
// decision says the user is over pace.
func (o *Orchestrator) SessionStart(ctx context.Context, ev hooks.Event) hooks.Decision {
	if err := o.Config.EnsureDirs(); err != nil {
		log.Warn().Err(err).Msg("State directory creation failed")
	}

	hs := statefile.LoadHookState(o.Config.HookStatePath())
	hs.ResetForSession(ev.SessionID, o.Config.Tempo.Enabled)
	if err := statefile.Save(o.Config.HookStatePath(), hs); err != nil {
		log.Warn().Err(err).Msg("Hook state write failed")
	}

	info := statefile.SessionInfo{
		SessionID:      ev.SessionID,
		Source:         ev.Source,
		Cwd:            ev.CWD,
		TranscriptPath: ev.TranscriptPath,
		StartedAt:      o.now(),
	}
	if err := statefile.SaveSession(o.Config.SessionsDir(), info); err != nil {
		log.Warn().Err(err).Msg("Session registry write failed")
	}

	return hooks.Decision{AdditionalContext: o.pacingAdvisory()}
}

// pacingAdvisory renders one line of context when the latest stored
// decision throttles; empty otherwise.
func (o *Orchestrator) pacingAdvisory() string {
	if !o.Config.Pacing.Enabled {
		return ""
	}
	d, err := o.Store.LatestDecision()
	if err != nil || d == nil || !d.ShouldThrottle {
		return ""
	}
	// Stale decisions stop advising after their window would have moved on.
	if o.now().Sub(d.DecidedAt) > time.Hour {
		return ""
	}
	actual, target := d.FiveHourActual, d.FiveHourTarget
	if d.ConstrainedWindow == store.WindowSevenDay {
		actual, target = d.SevenDayActual, d.SevenDayTarget
	}
	return fmt.Sprintf("Pacing: %s window at %.0f%% utilization vs %.0f%% target; tool calls may be delayed up to %.0fs.",
		d.ConstrainedWindow, actual, target, d.DelaySeconds)
}
