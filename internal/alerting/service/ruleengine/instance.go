package ruleengine

import (
	"time"

	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

// trackEvent is the per-track transition outcome of one observation.
type trackEvent int

const (
	trackNone trackEvent = iota
	trackBeganFiring
	trackResolved
)

// Instance is the runtime state of one (rule, label set, severity)
// track. Instances are created lazily on the first observed breach and
// garbage collected a grace window after returning to Inactive. All
// mutation happens on the tick goroutine.
type Instance struct {
	Key    TrackKey
	Labels map[string]string

	State       TrackState
	FirstBreach time.Time // start of the current true streak
	ClearSince  time.Time // start of the current false streak while Firing
	LastEval    time.Time
	LastValue   float64

	TrueStreak  int
	ClearStreak int

	// LastAction is the most recent action outcome attached by the
	// dispatcher, surfaced in escalation context.
	LastAction string

	InactiveSince time.Time
}

// Observe applies one tick's breach result. Hysteresis is wall-clock
// based: a track fires once it has been continuously breaching for the
// tier's for-duration, and resolves once continuously clear for the
// clear-duration. An unknown result freezes both streaks; it neither
// advances nor resets anything.
func (in *Instance) Observe(breach Breach, value float64, tier ruleset.Tier, now time.Time) trackEvent {
	in.LastEval = now
	if breach == BreachUnknown {
		return trackNone
	}
	in.LastValue = value

	switch in.State {
	case StateInactive:
		if breach == BreachTrue {
			in.State = StatePending
			in.FirstBreach = now
			in.TrueStreak = 1
			in.ClearStreak = 0
			in.ClearSince = time.Time{}
		}

	case StatePending:
		if breach == BreachFalse {
			// a breach that never sustains never fires
			in.reset(now)
			return trackNone
		}
		in.TrueStreak++
		if now.Sub(in.FirstBreach) >= tier.For {
			in.State = StateFiring
			in.ClearStreak = 0
			in.ClearSince = time.Time{}
			return trackBeganFiring
		}

	case StateFiring:
		if breach == BreachTrue {
			in.TrueStreak++
			in.ClearStreak = 0
			in.ClearSince = time.Time{}
			return trackNone
		}
		if in.ClearSince.IsZero() {
			in.ClearSince = now
			in.ClearStreak = 1
		} else {
			in.ClearStreak++
		}
		if now.Sub(in.ClearSince) >= tier.Clear {
			in.reset(now)
			return trackResolved
		}
	}
	return trackNone
}

func (in *Instance) reset(now time.Time) {
	in.State = StateInactive
	in.FirstBreach = time.Time{}
	in.ClearSince = time.Time{}
	in.TrueStreak = 0
	in.ClearStreak = 0
	in.InactiveSince = now
}

// Active reports whether the track holds state worth keeping.
func (in *Instance) Active() bool {
	return in.State == StatePending || in.State == StateFiring
}
