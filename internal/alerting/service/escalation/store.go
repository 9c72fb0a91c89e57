package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsforge/vigil/internal/alerting/database"
)

// Store persists escalation tickets so the paging trail survives a
// restart. Over a nil database it is a no-op.
type Store struct {
	db *database.Database
}

func NewStore(db *database.Database) *Store {
	return &Store{db: db}
}

func (s *Store) Upsert(ctx context.Context, t Ticket) error {
	if s == nil || s.db == nil {
		return nil
	}
	labels, err := json.Marshal(t.Labels)
	if err != nil {
		return fmt.Errorf("marshal ticket labels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escalation_tickets
			(id, rule, fingerprint, severity, labels, reason, ladder_index,
			 opened_at, acknowledged, acked_by, acked_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			ladder_index = EXCLUDED.ladder_index,
			acknowledged = EXCLUDED.acknowledged,
			acked_by = EXCLUDED.acked_by,
			acked_at = EXCLUDED.acked_at,
			closed_at = EXCLUDED.closed_at`,
		t.ID, t.Rule, t.Key.Fingerprint.String(), t.SeverityName, labels, t.Reason,
		t.LadderIndex, t.OpenedAt, t.Acknowledged,
		nullIfEmpty(t.AckedBy), nullIfZero(t.AckedAt), nullIfZero(t.ClosedAt))
	if err != nil {
		return fmt.Errorf("upsert escalation ticket: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
