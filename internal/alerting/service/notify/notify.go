// Package notify delivers human-facing alert notifications. Delivery is
// best effort with a fallback channel; the alerting pipeline never
// blocks on it.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/vigil/internal/alerting/metrics"
)

// Kind classifies a notification for channel formatting.
type Kind string

const (
	KindFiring     Kind = "firing"
	KindResolved   Kind = "resolved"
	KindEscalation Kind = "escalation"
)

// Notification is one message for a human. Context carries whatever the
// dispatcher gathered: breach value, runbook evidence, action outcomes.
type Notification struct {
	Kind     Kind              `json:"kind"`
	Rule     string            `json:"rule"`
	Severity string            `json:"severity,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Value    float64           `json:"value,omitempty"`
	Summary  string            `json:"summary"`
	Context  []string          `json:"context,omitempty"`
	Contact  string            `json:"contact,omitempty"` // escalation ladder tier name
	Link     string            `json:"link,omitempty"`
	At       time.Time         `json:"at"`
}

// Channel delivers a notification over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notifier sends through the primary channel and falls back once. When
// both channels fail the failure itself is surfaced as an error log and
// a counter; there is nobody further to tell.
type Notifier struct {
	primary  Channel
	fallback Channel
	timeout  time.Duration
	metrics  *metrics.Metrics
}

func New(primary, fallback Channel, timeout time.Duration, m *metrics.Metrics) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{primary: primary, fallback: fallback, timeout: timeout, metrics: m}
}

func (n *Notifier) Send(ctx context.Context, note Notification) {
	if note.At.IsZero() {
		note.At = time.Now()
	}
	if n.try(ctx, n.primary, note) {
		return
	}
	if n.try(ctx, n.fallback, note) {
		return
	}
	log.Error().Str("rule", note.Rule).Str("kind", string(note.Kind)).
		Msg("notification lost: all channels failed")
}

func (n *Notifier) try(ctx context.Context, ch Channel, note Notification) bool {
	if ch == nil {
		return false
	}
	// each channel gets its own budget; a primary that hangs for the
	// full timeout must not leave the fallback with an expired context
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	err := ch.Send(ctx, note)
	if n.metrics != nil {
		result := "delivered"
		if err != nil {
			result = "failed"
		}
		n.metrics.Notifications.WithLabelValues(ch.Name(), result).Inc()
	}
	if err != nil {
		log.Warn().Err(err).Str("channel", ch.Name()).Str("rule", note.Rule).Msg("notification send failed")
		return false
	}
	log.Info().Str("channel", ch.Name()).Str("rule", note.Rule).
		Str("kind", string(note.Kind)).Str("severity", note.Severity).Msg("notification sent")
	return true
}
