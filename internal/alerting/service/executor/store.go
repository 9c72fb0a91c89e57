package executor

import (
	"context"
	"fmt"

	"github.com/opsforge/vigil/internal/alerting/database"
)

// Store persists terminal action results for audit and escalation
// context. A Store over a nil database degrades to a no-op.
type Store struct {
	db *database.Database
}

func NewStore(db *database.Database) *Store {
	return &Store{db: db}
}

func (s *Store) Insert(ctx context.Context, res Result) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_results
			(id, rule, step, action, target, outcome, retries, output, error, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.ID, res.Rule, res.Step, res.Action, res.Target, string(res.Outcome),
		res.Retries, res.Output, res.Err, res.StartedAt, res.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert action result: %w", err)
	}
	return nil
}

// RecentForRule returns the latest results for one rule, newest first.
func (s *Store) RecentForRule(ctx context.Context, rule string, limit int) ([]Result, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule, step, action, target, outcome, retries, output, error, started_at
		FROM action_results
		WHERE rule = $1
		ORDER BY started_at DESC
		LIMIT $2`, rule, limit)
	if err != nil {
		return nil, fmt.Errorf("query action results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var outcome string
		if err := rows.Scan(&r.ID, &r.Rule, &r.Step, &r.Action, &r.Target, &outcome,
			&r.Retries, &r.Output, &r.Err, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan action result: %w", err)
		}
		r.Outcome = Outcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}
