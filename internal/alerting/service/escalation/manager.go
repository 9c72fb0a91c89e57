package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opsforge/vigil/internal/alerting/metrics"
	"github.com/opsforge/vigil/internal/alerting/service/notify"
	"github.com/opsforge/vigil/internal/alerting/service/ruleengine"
	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

// ErrTicketNotFound reports an acknowledgement against an unknown or
// already closed ticket.
var ErrTicketNotFound = fmt.Errorf("escalation ticket not found")

// Manager owns escalation timers and tickets. Arming is cheap and
// re-entrant; cancelling on resolve is a single map lookup, so a
// resolved alert never pages after the fact.
type Manager struct {
	cfg      Config
	notifier *notify.Notifier
	store    *Store
	metrics  *metrics.Metrics

	mu      sync.Mutex
	timers  map[ruleengine.AlertKey]*time.Timer
	byKey   map[ruleengine.AlertKey]*Ticket
	tickets map[uuid.UUID]*Ticket
}

func NewManager(cfg Config, notifier *notify.Notifier, store *Store, m *metrics.Metrics) *Manager {
	if cfg.RepageBackoff <= 0 {
		cfg.RepageBackoff = 15 * time.Minute
	}
	if cfg.CriticalWindow <= 0 {
		cfg.CriticalWindow = 10 * time.Minute
	}
	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = time.Hour
	}
	if cfg.MaxRepageWindow <= 0 {
		cfg.MaxRepageWindow = 2 * time.Hour
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = []ContactTier{{Name: "on-call", Channel: "primary"}}
	}
	return &Manager{
		cfg:      cfg,
		notifier: notifier,
		store:    store,
		metrics:  m,
		timers:   make(map[ruleengine.AlertKey]*time.Timer),
		byKey:    make(map[ruleengine.AlertKey]*Ticket),
		tickets:  make(map[uuid.UUID]*Ticket),
	}
}

// Window resolves the escalation delay for a tier: the tier's own
// window if set, otherwise the severity-class default.
func (m *Manager) Window(tier ruleset.Tier) time.Duration {
	if tier.EscalationWindow > 0 {
		return tier.EscalationWindow
	}
	if tier.Severity == ruleset.SeverityCritical {
		return m.cfg.CriticalWindow
	}
	return m.cfg.WarningWindow
}

// Arm schedules an escalation for key after delay, replacing any timer
// already pending. A severity increase on an acknowledged ticket
// un-acknowledges it; the situation got worse since the human said
// "I have it".
func (m *Manager) Arm(key ruleengine.AlertKey, rule string, sev ruleset.Severity, labels map[string]string, reason string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t := m.byKey[key]; t != nil {
		if sev > t.Severity {
			t.Severity = sev
			t.SeverityName = sev.String()
			t.Acknowledged = false
			t.AckedBy = ""
			t.AckedAt = time.Time{}
		} else if t.Acknowledged {
			return
		}
	}
	m.scheduleLocked(key, rule, sev, labels, reason, delay)
}

// ArmImmediate escalates without waiting. Used when a firing rule has
// no runbook at all.
func (m *Manager) ArmImmediate(key ruleengine.AlertKey, rule string, sev ruleset.Severity, labels map[string]string, reason string) {
	m.Arm(key, rule, sev, labels, reason, 0)
}

func (m *Manager) scheduleLocked(key ruleengine.AlertKey, rule string, sev ruleset.Severity, labels map[string]string, reason string, delay time.Duration) {
	if old := m.timers[key]; old != nil {
		old.Stop()
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	if t := m.byKey[key]; t != nil {
		t.NextPageAt = time.Now().Add(delay)
	}
	m.timers[key] = time.AfterFunc(delay, func() {
		m.fire(key, rule, sev, labels, reason)
	})
}

// fire opens the ticket on first trigger and walks the ladder on every
// subsequent one, with a growing re-page interval.
func (m *Manager) fire(key ruleengine.AlertKey, rule string, sev ruleset.Severity, labels map[string]string, reason string) {
	m.mu.Lock()
	t := m.byKey[key]
	if t != nil && t.Acknowledged {
		m.mu.Unlock()
		return
	}
	opened := false
	if t == nil {
		t = &Ticket{
			ID:           uuid.New(),
			Key:          key,
			Rule:         rule,
			Severity:     sev,
			SeverityName: sev.String(),
			Labels:       labels,
			Reason:       reason,
			OpenedAt:     time.Now(),
		}
		m.byKey[key] = t
		m.tickets[t.ID] = t
		opened = true
	} else {
		if t.LadderIndex < len(m.cfg.Ladder)-1 {
			t.LadderIndex++
		}
	}
	contact := m.cfg.Ladder[t.LadderIndex]
	repage := m.repageInterval(t.LadderIndex)
	t.NextPageAt = time.Now().Add(repage)
	m.timers[key] = time.AfterFunc(repage, func() {
		m.fire(key, rule, sev, labels, reason)
	})
	ticket := *t
	m.mu.Unlock()

	if opened {
		if m.metrics != nil {
			m.metrics.Escalations.Inc()
		}
		log.Info().Str("rule", rule).Str("severity", sev.String()).
			Str("ticket", ticket.ID.String()).Str("reason", reason).Msg("escalation ticket opened")
	} else {
		log.Info().Str("rule", rule).Str("ticket", ticket.ID.String()).
			Str("contact", contact.Name).Msg("escalation re-page")
	}

	ctx := context.Background()
	if m.store != nil {
		if err := m.store.Upsert(ctx, ticket); err != nil {
			log.Warn().Err(err).Str("ticket", ticket.ID.String()).Msg("failed to persist escalation ticket")
		}
	}
	if m.notifier != nil {
		m.notifier.Send(ctx, notify.Notification{
			Kind:     notify.KindEscalation,
			Rule:     rule,
			Severity: sev.String(),
			Labels:   labels,
			Summary:  fmt.Sprintf("escalation: %s (%s)", rule, reason),
			Context:  []string{"ticket " + ticket.ID.String()},
			Contact:  contact.Name,
		})
	}
}

func (m *Manager) repageInterval(ladderIndex int) time.Duration {
	d := m.cfg.RepageBackoff * time.Duration(ladderIndex+1)
	if d > m.cfg.MaxRepageWindow {
		d = m.cfg.MaxRepageWindow
	}
	return d
}

// Ack marks a ticket acknowledged and pauses re-paging. The ticket
// stays open until the alert resolves.
func (m *Manager) Ack(ctx context.Context, id uuid.UUID, by string) (Ticket, error) {
	m.mu.Lock()
	t := m.tickets[id]
	if t == nil || !t.ClosedAt.IsZero() {
		m.mu.Unlock()
		return Ticket{}, ErrTicketNotFound
	}
	t.Acknowledged = true
	t.AckedBy = by
	t.AckedAt = time.Now()
	t.NextPageAt = time.Time{}
	if timer := m.timers[t.Key]; timer != nil {
		timer.Stop()
		delete(m.timers, t.Key)
	}
	ticket := *t
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Upsert(ctx, ticket); err != nil {
			log.Warn().Err(err).Str("ticket", id.String()).Msg("failed to persist ticket ack")
		}
	}
	log.Info().Str("ticket", id.String()).Str("by", by).Msg("escalation ticket acknowledged")
	return ticket, nil
}

// Cancel stops the timer for key and closes its ticket if one is open.
// Called on alert resolution; safe to call when nothing is armed.
func (m *Manager) Cancel(key ruleengine.AlertKey) {
	m.mu.Lock()
	if timer := m.timers[key]; timer != nil {
		timer.Stop()
		delete(m.timers, key)
	}
	t := m.byKey[key]
	var closed *Ticket
	if t != nil {
		t.ClosedAt = time.Now()
		t.NextPageAt = time.Time{}
		delete(m.byKey, key)
		delete(m.tickets, t.ID)
		c := *t
		closed = &c
	}
	m.mu.Unlock()

	if closed != nil {
		if m.store != nil {
			if err := m.store.Upsert(context.Background(), *closed); err != nil {
				log.Warn().Err(err).Str("ticket", closed.ID.String()).Msg("failed to persist ticket close")
			}
		}
		log.Info().Str("rule", key.Rule).Str("ticket", closed.ID.String()).Msg("escalation ticket closed")
	}
}

// Open snapshots the currently open tickets.
func (m *Manager) Open() []Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Ticket, 0, len(m.byKey))
	for _, t := range m.byKey {
		out = append(out, *t)
	}
	return out
}
