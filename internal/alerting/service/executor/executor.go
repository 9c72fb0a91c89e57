package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opsforge/vigil/internal/alerting/metrics"
	"github.com/opsforge/vigil/internal/alerting/service/ruleengine"
)

// Config tunes retry behavior. Zero values get defaults.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
}

// Executor runs rendered runbook actions with bounded retries. Mutating
// actions against the same target never overlap, and every attempt for
// an alert key can be cancelled when the alert resolves.
type Executor struct {
	runner  Runner
	store   *Store
	metrics *metrics.Metrics
	cfg     Config

	mu      sync.Mutex
	targets map[string]*sync.Mutex
	cancels map[ruleengine.AlertKey]map[uuid.UUID]context.CancelFunc
}

func New(runner Runner, store *Store, m *metrics.Metrics, cfg Config) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	return &Executor{
		runner:  runner,
		store:   store,
		metrics: m,
		cfg:     cfg,
		targets: make(map[string]*sync.Mutex),
		cancels: make(map[ruleengine.AlertKey]map[uuid.UUID]context.CancelFunc),
	}
}

// Execute runs one request to a terminal outcome. It blocks while a
// mutating action holds the target lock; callers run it from the
// dispatch goroutine pool, never from the evaluation tick.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	res := Result{
		ID:        uuid.New(),
		Rule:      req.Rule,
		Step:      req.Step,
		Action:    req.Action.Action,
		Target:    req.Action.Target,
		StartedAt: time.Now(),
	}

	ctx, cancel := context.WithCancel(ctx)
	e.register(req.Key, res.ID, cancel)
	defer e.unregister(req.Key, res.ID)
	defer cancel()

	if req.Mutating {
		lock := e.targetLock(req.Action.Target)
		lock.Lock()
		defer lock.Unlock()
	}

	res.Outcome, res.Output, res.Err, res.Retries = e.attempt(ctx, req)
	res.Duration = time.Since(res.StartedAt)

	if e.metrics != nil {
		e.metrics.ActionOutcomes.WithLabelValues(res.Action, string(res.Outcome)).Inc()
	}
	log.Info().Str("rule", req.Rule).Str("step", req.Step).Str("action", res.Action).
		Str("target", res.Target).Str("outcome", string(res.Outcome)).
		Int("retries", res.Retries).Dur("duration", res.Duration).Msg("action finished")
	if e.store != nil {
		if err := e.store.Insert(context.WithoutCancel(ctx), res); err != nil {
			log.Warn().Err(err).Str("action", res.Action).Msg("failed to persist action result")
		}
	}
	return res
}

func (e *Executor) attempt(ctx context.Context, req Request) (Outcome, string, string, int) {
	maxAttempts := e.cfg.MaxRetries + 1
	if !req.Idempotent {
		// one original attempt plus at most one precondition-guarded retry
		maxAttempts = 2
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, e.cfg.BackoffBase<<(attempt-1)); err != nil {
				return OutcomeSkipped, "", "cancelled", attempt - 1
			}
			// the re-check must immediately precede the retried attempt;
			// a confirmation taken before the backoff can go stale
			if !req.Idempotent {
				ok, reason := e.recheckPrecondition(ctx, req)
				if !ok {
					return OutcomeSkipped, "", reason, attempt - 1
				}
			}
		}

		output, err := e.runner.Run(ctx, req.Action)
		if err == nil {
			return OutcomeSuccess, output, "", attempt
		}
		lastErr = err
		switch {
		case errors.Is(err, context.Canceled):
			return OutcomeSkipped, "", "cancelled", attempt
		case errors.Is(err, context.DeadlineExceeded):
			// a timed-out mutating action may have half-applied; retrying
			// is only safe under the same idempotency rules as a failure
		}
		log.Warn().Err(err).Str("action", req.Action.Action).Str("target", req.Action.Target).
			Int("attempt", attempt+1).Msg("action attempt failed")
	}

	outcome := OutcomeFailure
	if errors.Is(lastErr, context.DeadlineExceeded) {
		outcome = OutcomeTimeout
	}
	return outcome, "", lastErr.Error(), maxAttempts - 1
}

// recheckPrecondition decides whether a non-idempotent action may be
// retried. No precondition, an unsatisfied one, or a probe failure all
// mean no retry; only the unsatisfied case is a clean skip.
func (e *Executor) recheckPrecondition(ctx context.Context, req Request) (bool, string) {
	if req.Precondition == nil {
		return false, "non-idempotent action has no precondition, not retrying"
	}
	ok, err := e.runner.Check(ctx, *req.Precondition)
	if err != nil {
		return false, "precondition check failed: " + err.Error()
	}
	if !ok {
		return false, "precondition no longer holds"
	}
	return true, ""
}

// Cancel aborts every in-flight action for an alert key. Called by the
// dispatcher when the alert resolves underneath a running remediation.
func (e *Executor) Cancel(key ruleengine.AlertKey) {
	e.mu.Lock()
	cancels := e.cancels[key]
	delete(e.cancels, key)
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		log.Info().Str("rule", key.Rule).Int("count", len(cancels)).Msg("cancelled in-flight actions")
	}
}

func (e *Executor) register(key ruleengine.AlertKey, id uuid.UUID, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.cancels[key]
	if m == nil {
		m = make(map[uuid.UUID]context.CancelFunc)
		e.cancels[key] = m
	}
	m[id] = cancel
}

func (e *Executor) unregister(key ruleengine.AlertKey, id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m := e.cancels[key]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(e.cancels, key)
		}
	}
}

func (e *Executor) targetLock(target string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock := e.targets[target]
	if lock == nil {
		lock = &sync.Mutex{}
		e.targets[target] = lock
	}
	return lock
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
