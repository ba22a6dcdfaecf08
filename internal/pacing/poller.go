package pacing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pacerhq/pacer/internal/statefile"
	"github.com/pacerhq/pacer/internal/store"
	"github.com/pacerhq/pacer/internal/usageapi"
)

// UsageFetcher is the slice of the usage API client the poller needs.
type UsageFetcher interface {
	FetchUsage(ctx context.Context) (*usageapi.Usage, error)
}

// Poller drives the poll/cleanup/decide cycle from hook cadence. All
// failures degrade to "no throttle": pacing must never take a hook
// down.
type Poller struct {
	Store  *store.Store
	Fetch  UsageFetcher
	Params Params

	PollInterval    time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration

	// Injection points for tests.
	NowFn   func() time.Time
	SleepFn func(time.Duration)
}

func (p *Poller) now() time.Time {
	if p.NowFn != nil {
		return p.NowFn()
	}
	return time.Now()
}

func (p *Poller) sleep(d time.Duration) {
	if p.SleepFn != nil {
		p.SleepFn(d)
		return
	}
	time.Sleep(d)
}

// Run executes one pacing pass: poll the usage API when due, purge old
// snapshots when due, compute and persist a decision from the freshest
// snapshot. It mutates hook state (poll/cleanup stamps) but does not
// save it; the caller owns the state write. The returned decision is
// nil when pacing has nothing to say.
func (p *Poller) Run(ctx context.Context, hs *statefile.HookState) *store.Decision {
	now := p.now()

	if p.Fetch != nil && (hs.LastPollTime.IsZero() || now.Sub(hs.LastPollTime) >= p.PollInterval) {
		p.poll(ctx, hs, now)
	}
	if hs.LastCleanupTime.IsZero() || now.Sub(hs.LastCleanupTime) >= p.CleanupInterval {
		p.cleanup(hs, now)
	}

	snap, err := p.Store.LatestSnapshot()
	if err != nil {
		log.Warn().Err(err).Msg("Pacing snapshot read failed")
		return nil
	}
	if snap == nil {
		return nil
	}

	proj := Compute(now,
		WindowState{Utilization: snap.FiveHourUtil, ResetsAt: snap.FiveHourResetsAt},
		WindowState{Utilization: snap.SevenDayUtil, ResetsAt: snap.SevenDayResetsAt},
		p.Params)

	d := store.Decision{
		DecidedAt:         now,
		ShouldThrottle:    proj.ShouldThrottle,
		DelaySeconds:      proj.DelaySeconds,
		ConstrainedWindow: proj.ConstrainedWindow,
		Deviation:         proj.Deviation,
		FiveHourTarget:    proj.FiveHour.Target,
		FiveHourActual:    proj.FiveHour.Utilization,
		SevenDayTarget:    proj.SevenDay.Target,
		SevenDayActual:    proj.SevenDay.Utilization,
	}
	if err := p.Store.InsertDecision(d); err != nil {
		log.Warn().Err(err).Msg("Pacing decision write failed")
	}
	return &d
}

func (p *Poller) poll(ctx context.Context, hs *statefile.HookState, now time.Time) {
	usage, err := p.Fetch.FetchUsage(ctx)
	if err != nil {
		if errors.Is(err, usageapi.ErrUnauthorized) {
			log.Debug().Msg("Usage API token rejected, pacing poll skipped")
		} else {
			log.Warn().Err(err).Msg("Usage API poll failed")
		}
		// Stamp anyway: a dead endpoint should not be hammered every hook.
		hs.LastPollTime = now
		return
	}

	snap := store.Snapshot{
		TakenAt:          now,
		FiveHourUtil:     usage.FiveHour.Utilization,
		FiveHourResetsAt: usage.FiveHour.ResetsAt,
		Raw:              usage.Raw,
	}
	if usage.SevenDay != nil {
		snap.SevenDayUtil = usage.SevenDay.Utilization
		snap.SevenDayResetsAt = usage.SevenDay.ResetsAt
	}
	if err := p.Store.InsertSnapshot(snap); err != nil {
		log.Warn().Err(err).Msg("Usage snapshot write failed")
	}
	hs.LastPollTime = now
}

func (p *Poller) cleanup(hs *statefile.HookState, now time.Time) {
	removed, err := p.Store.PurgeSnapshots(now.Add(-p.Retention))
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot cleanup failed")
		return
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("Purged old usage snapshots")
	}
	hs.LastCleanupTime = now
}

// Throttle sleeps for the decision's delay, bounded by the hard cap,
// and reports the seconds actually slept. A nil or non-throttling
// decision sleeps nothing.
func (p *Poller) Throttle(d *store.Decision) float64 {
	if d == nil || !d.ShouldThrottle || d.DelaySeconds <= 0 {
		return 0
	}
	delay := d.DelaySeconds
	if delay > HardDelayCapSeconds {
		delay = HardDelayCapSeconds
	}
	log.Info().Float64("delay_seconds", delay).Str("window", d.ConstrainedWindow).
		Float64("deviation", d.Deviation).Msg("Throttling to hold pace")
	p.sleep(time.Duration(delay * float64(time.Second)))
	return delay
}
