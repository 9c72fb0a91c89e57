package ruleengine

import (
	"time"

	"github.com/prometheus/common/model"

	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

// Breach is the tri-state outcome of evaluating one severity tier
// against one label set.
type Breach int

const (
	BreachFalse Breach = iota
	BreachTrue
	BreachUnknown
)

// TrackState is the lifecycle state of one severity track. Resolved is a
// transient marker emitted as an event, never stored.
type TrackState int

const (
	StateInactive TrackState = iota
	StatePending
	StateFiring
)

func (s TrackState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFiring:
		return "firing"
	default:
		return "inactive"
	}
}

// AlertKey identifies an alert occurrence at the granularity the outside
// world sees: one rule over one label set, severities collapsed.
type AlertKey struct {
	Rule        string
	Fingerprint model.Fingerprint
}

// TrackKey identifies a single severity track of an alert.
type TrackKey struct {
	AlertKey
	Severity ruleset.Severity
}

// EventType classifies externally visible state changes produced by the
// deduplicator.
type EventType int

const (
	// EventFiring: the surfaced severity for a key rose (or appeared).
	EventFiring EventType = iota
	// EventDemoted: a higher track resolved while a lower one is still
	// firing; the lower track is surfaced without a new page.
	EventDemoted
	// EventResolved: no track is firing anymore.
	EventResolved
)

func (t EventType) String() string {
	switch t {
	case EventFiring:
		return "firing"
	case EventDemoted:
		return "demoted"
	case EventResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Event is what the engine publishes to the dispatch pipeline.
type Event struct {
	Type         EventType
	Rule         *ruleset.Rule
	Tier         ruleset.Tier // surfaced tier; zero value for EventResolved
	PrevSeverity ruleset.Severity
	Key          AlertKey
	Labels       map[string]string
	Value        float64
	At           time.Time
	// Silenced suppresses human notification for this event; lifecycle
	// side effects (escalation cancel, retry cancel) still apply.
	Silenced bool
}
