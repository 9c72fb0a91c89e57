package escalation

import (
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/vigil/internal/alerting/service/ruleengine"
	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

// ContactTier is one rung of the paging ladder.
type ContactTier struct {
	Name    string
	Channel string
	Target  string
}

// Config is the escalation policy. Window defaults apply when a rule
// tier does not set its own escalation window.
type Config struct {
	Ladder          []ContactTier
	RepageBackoff   time.Duration
	CriticalWindow  time.Duration
	WarningWindow   time.Duration
	MaxRepageWindow time.Duration
}

// Ticket is an open demand for human attention on one alert key. It
// walks the contact ladder until acknowledged or the alert resolves.
type Ticket struct {
	ID           uuid.UUID           `json:"id"`
	Key          ruleengine.AlertKey `json:"-"`
	Rule         string              `json:"rule"`
	Severity     ruleset.Severity    `json:"-"`
	SeverityName string              `json:"severity"`
	Labels       map[string]string   `json:"labels"`
	Reason       string              `json:"reason"`
	LadderIndex  int                 `json:"ladder_index"`
	OpenedAt     time.Time           `json:"opened_at"`
	Acknowledged bool                `json:"acknowledged"`
	AckedBy      string              `json:"acked_by,omitempty"`
	AckedAt      time.Time           `json:"acked_at,omitempty"`
	NextPageAt   time.Time           `json:"next_page_at,omitempty"`
	ClosedAt     time.Time           `json:"closed_at,omitempty"`
}
