// Package pacing projects quota consumption against a target pace and
// decides whether to delay the next tool use.
//
// The model: at any instant, the target utilization of a window is the
// fraction of the window already elapsed times a safety buffer. Being
// above target means burning quota faster than it replenishes; the
// delay grows with the deviation, doubling per step, capped well under
// the host's hook timeout.
package pacing

import (
	"math"
	"time"
)

// Window durations.
const (
	FiveHourWindow = 5 * time.Hour
	SevenDayWindow = 7 * 24 * time.Hour
)

// HardDelayCapSeconds is the absolute sleep ceiling. The host kills
// hooks at 360s; sleeping longer would turn pacing into a crash.
const HardDelayCapSeconds = 350

// Window names reported in projections and decisions.
const (
	WindowFiveHour = "five_hour"
	WindowSevenDay = "seven_day"
)

// Params are the pacing tunables, all percentages in [0,100].
type Params struct {
	SafetyBufferPercent  float64
	PreloadHours         float64
	BaseDelaySeconds     float64
	MaxDelaySeconds      float64
	ThresholdPercent     float64
	StepPercent          float64
	FiveHourLimitEnabled bool
	WeeklyLimitEnabled   bool
}

// WindowState is one window's inputs to the projection.
type WindowState struct {
	Utilization float64    // 0..100
	ResetsAt    *time.Time // nil means the window is not engaged
}

// WindowProjection is the computed pace for one window.
type WindowProjection struct {
	Engaged         bool
	Utilization     float64
	Target          float64
	Deviation       float64
	SafeAllowance   float64
	BufferRemaining float64
	ResetsAt        *time.Time
}

// Projection is the full pacing verdict.
type Projection struct {
	FiveHour          WindowProjection
	SevenDay          WindowProjection
	ShouldThrottle    bool
	ConstrainedWindow string
	Deviation         float64
	DelaySeconds      float64
}

// Compute projects both windows at instant now and selects the
// constrained one. The decision is deterministic in its inputs.
func Compute(now time.Time, fiveHour, sevenDay WindowState, p Params) Projection {
	proj := Projection{
		FiveHour: projectWindow(now, fiveHour, FiveHourWindow, 0, p),
		// Preload applies to the weekly window only: its hours exceed the
		// five-hour window entirely, so a preload there would disable it.
		SevenDay: projectWindow(now, sevenDay, SevenDayWindow, p.PreloadHours, p),
	}

	type candidate struct {
		name string
		dev  float64
	}
	var candidates []candidate
	if p.FiveHourLimitEnabled && proj.FiveHour.Engaged {
		candidates = append(candidates, candidate{WindowFiveHour, proj.FiveHour.Deviation})
	}
	if p.WeeklyLimitEnabled && proj.SevenDay.Engaged {
		candidates = append(candidates, candidate{WindowSevenDay, proj.SevenDay.Deviation})
	}

	for _, c := range candidates {
		if c.dev > proj.Deviation || proj.ConstrainedWindow == "" {
			proj.ConstrainedWindow = c.name
			proj.Deviation = c.dev
		}
	}
	if proj.ConstrainedWindow == "" || proj.Deviation < p.ThresholdPercent || proj.Deviation <= 0 {
		proj.ConstrainedWindow = ""
		proj.Deviation = max(proj.Deviation, 0)
		return proj
	}

	proj.ShouldThrottle = true
	proj.DelaySeconds = Delay(proj.Deviation, p)
	return proj
}

func projectWindow(now time.Time, w WindowState, window time.Duration, preloadHours float64, p Params) WindowProjection {
	out := WindowProjection{
		Utilization:   w.Utilization,
		ResetsAt:      w.ResetsAt,
		SafeAllowance: p.SafetyBufferPercent,
	}
	if w.ResetsAt == nil {
		return out
	}
	out.Engaged = true

	start := w.ResetsAt.Add(-window)
	fraction := now.Sub(start).Seconds() / window.Seconds()
	fraction = clamp(fraction, 0, 1)

	// The preload prefix is freely consumable: the target never drops
	// below the pace it implies.
	if preloadHours > 0 {
		preloadFraction := clamp(preloadHours*3600/window.Seconds(), 0, 1)
		fraction = math.Max(fraction, preloadFraction)
	}

	out.Target = p.SafetyBufferPercent * fraction
	out.Deviation = w.Utilization - out.Target
	out.BufferRemaining = out.SafeAllowance - w.Utilization
	return out
}

// Delay maps a deviation to a sleep, doubling base_delay per step above
// the threshold and saturating at the configured max (itself capped at
// HardDelayCapSeconds). Monotone nondecreasing in deviation.
func Delay(deviation float64, p Params) float64 {
	maxDelay := p.MaxDelaySeconds
	if maxDelay <= 0 || maxDelay > HardDelayCapSeconds {
		maxDelay = HardDelayCapSeconds
	}
	base := p.BaseDelaySeconds
	if base <= 0 {
		base = 5
	}
	if base > maxDelay {
		base = maxDelay
	}
	if deviation < p.ThresholdPercent {
		return 0
	}
	step := p.StepPercent
	if step <= 0 {
		step = 1
	}

	doublings := math.Floor((deviation - p.ThresholdPercent) / step)
	// Cap the exponent before exponentiating; 2^60 seconds is not a delay.
	if doublings > 30 {
		doublings = 30
	}
	return math.Min(maxDelay, base*math.Pow(2, doublings))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
