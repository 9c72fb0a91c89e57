package ruleengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

var testTier = ruleset.Tier{
	Severity:  ruleset.SeverityWarning,
	Threshold: 10,
	For:       2 * time.Minute,
	Clear:     3 * time.Minute,
}

func newInstance() *Instance {
	return &Instance{Key: TrackKey{
		AlertKey: AlertKey{Rule: "high_error_rate"},
		Severity: ruleset.SeverityWarning,
	}}
}

func TestInstanceFiresAfterSustainedBreach(t *testing.T) {
	in := newInstance()
	now := time.Now()

	ev := in.Observe(BreachTrue, 12, testTier, now)
	assert.Equal(t, trackNone, ev)
	assert.Equal(t, StatePending, in.State)

	ev = in.Observe(BreachTrue, 13, testTier, now.Add(time.Minute))
	assert.Equal(t, trackNone, ev)

	ev = in.Observe(BreachTrue, 14, testTier, now.Add(2*time.Minute))
	assert.Equal(t, trackBeganFiring, ev)
	assert.Equal(t, StateFiring, in.State)
}

func TestInstanceBriefBreachNeverFires(t *testing.T) {
	in := newInstance()
	now := time.Now()

	in.Observe(BreachTrue, 12, testTier, now)
	ev := in.Observe(BreachFalse, 5, testTier, now.Add(time.Minute))
	assert.Equal(t, trackNone, ev)
	assert.Equal(t, StateInactive, in.State)

	// the streak starts over, a later breach does not inherit the old one
	in.Observe(BreachTrue, 12, testTier, now.Add(2*time.Minute))
	ev = in.Observe(BreachTrue, 12, testTier, now.Add(3*time.Minute))
	assert.Equal(t, trackNone, ev)
	assert.Equal(t, StatePending, in.State)
}

func TestInstanceResolveHysteresis(t *testing.T) {
	in := newInstance()
	now := fireAt(in, time.Now())

	// a brief dip below threshold does not resolve
	in.Observe(BreachFalse, 5, testTier, now.Add(time.Minute))
	assert.Equal(t, StateFiring, in.State)

	// breaching again resets the clear streak entirely
	in.Observe(BreachTrue, 12, testTier, now.Add(2*time.Minute))
	in.Observe(BreachFalse, 5, testTier, now.Add(3*time.Minute))
	ev := in.Observe(BreachFalse, 5, testTier, now.Add(5*time.Minute))
	assert.Equal(t, trackNone, ev)
	assert.Equal(t, StateFiring, in.State)

	ev = in.Observe(BreachFalse, 5, testTier, now.Add(6*time.Minute))
	assert.Equal(t, trackResolved, ev)
	assert.Equal(t, StateInactive, in.State)
	assert.False(t, in.InactiveSince.IsZero())
}

func TestInstanceUnknownFreezesStreaks(t *testing.T) {
	in := newInstance()
	now := time.Now()

	in.Observe(BreachTrue, 12, testTier, now)
	in.Observe(BreachUnknown, 0, testTier, now.Add(time.Minute))
	assert.Equal(t, StatePending, in.State)
	assert.Equal(t, 1, in.TrueStreak)
	assert.Equal(t, float64(12), in.LastValue)

	// once data returns the streak continues from where it was
	ev := in.Observe(BreachTrue, 12, testTier, now.Add(2*time.Minute))
	assert.Equal(t, trackBeganFiring, ev)
}

func TestInstanceUnknownDoesNotResolve(t *testing.T) {
	in := newInstance()
	now := fireAt(in, time.Now())

	for i := 1; i <= 10; i++ {
		in.Observe(BreachUnknown, 0, testTier, now.Add(time.Duration(i)*time.Minute))
	}
	assert.Equal(t, StateFiring, in.State)
}

func fireAt(in *Instance, start time.Time) time.Time {
	in.Observe(BreachTrue, 12, testTier, start)
	in.Observe(BreachTrue, 12, testTier, start.Add(testTier.For))
	if in.State != StateFiring {
		panic("instance did not fire")
	}
	return start.Add(testTier.For)
}

func TestInstanceFlappingAroundThreshold(t *testing.T) {
	// alternating breach and clear keeps the instance bouncing between
	// inactive and pending without ever firing
	in := newInstance()
	now := time.Now()
	for i := 0; i < 20; i++ {
		breach := BreachFalse
		if i%2 == 0 {
			breach = BreachTrue
		}
		ev := in.Observe(breach, 11, testTier, now.Add(time.Duration(i)*30*time.Second))
		require.Equal(t, trackNone, ev)
	}
	assert.NotEqual(t, StateFiring, in.State)
}
