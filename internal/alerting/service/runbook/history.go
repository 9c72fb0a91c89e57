package runbook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opsforge/vigil/internal/alerting/database"
	"github.com/opsforge/vigil/internal/alerting/service/ruleengine"
)

// EventStore appends externally visible alert transitions to Postgres
// for audit. Over a nil database it is a no-op; history is an aid, not
// a dependency of the pipeline.
type EventStore struct {
	db *database.Database
}

func NewEventStore(db *database.Database) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Insert(ctx context.Context, ev ruleengine.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	labels, err := json.Marshal(ev.Labels)
	if err != nil {
		return fmt.Errorf("marshal event labels: %w", err)
	}
	severity := ""
	if ev.Type != ruleengine.EventResolved {
		severity = ev.Tier.Severity.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_events (rule, fingerprint, event, severity, labels, value, silenced, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.Rule.Name, ev.Key.Fingerprint.String(), ev.Type.String(), severity,
		labels, ev.Value, ev.Silenced, ev.At)
	if err != nil {
		return fmt.Errorf("insert alert event: %w", err)
	}
	return nil
}
