package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/vigil/internal/alerting/service/ruleengine"
	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

// Outcome classifies how an action attempt ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
	// OutcomeSkipped covers unmet preconditions and cancellation; the
	// action was deliberately not (re)run and must not count as failed.
	OutcomeSkipped Outcome = "skipped"
)

// Request is one fully rendered action to execute for an alert.
type Request struct {
	Key  ruleengine.AlertKey
	Rule string
	Step string

	Action ruleset.ActionTemplate

	// Mutating requests are serialized per target; diagnosis probes are
	// read-only and run freely.
	Mutating   bool
	Idempotent bool

	// Precondition, when set, is re-checked before any retry of a
	// non-idempotent action.
	Precondition *ruleset.ActionTemplate
}

// Result is the terminal record of one Request, after retries.
type Result struct {
	ID        uuid.UUID
	Rule      string
	Step      string
	Action    string
	Target    string
	Outcome   Outcome
	Retries   int
	Output    string
	Err       string
	StartedAt time.Time
	Duration  time.Duration
}

// Runner performs a single attempt of an action against the managed
// environment. Run executes; Check probes a precondition without side
// effects.
type Runner interface {
	Run(ctx context.Context, action ruleset.ActionTemplate) (output string, err error)
	Check(ctx context.Context, action ruleset.ActionTemplate) (satisfied bool, err error)
}
