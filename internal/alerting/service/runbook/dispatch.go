package runbook

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/vigil/internal/alerting/service/escalation"
	"github.com/opsforge/vigil/internal/alerting/service/executor"
	"github.com/opsforge/vigil/internal/alerting/service/notify"
	"github.com/opsforge/vigil/internal/alerting/service/ruleengine"
	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

// Deps wires the dispatcher to everything downstream of the engine.
type Deps struct {
	Events     <-chan ruleengine.Event
	Registry   *Registry
	Executor   *executor.Executor
	Escalation *escalation.Manager
	Notifier   *notify.Notifier
	History    *EventStore
	Engine     *ruleengine.Engine

	DashboardURL string
	Workers      int
}

// StartDispatcher consumes engine events and drives runbooks, paging
// and escalation. Workers share the channel so one slow remediation
// does not starve other alerts; per-target ordering is the executor's
// job, not ours.
func StartDispatcher(ctx context.Context, deps Deps) {
	if deps.Workers <= 0 {
		deps.Workers = 4
	}
	d := &dispatcher{deps: deps}
	var wg sync.WaitGroup
	for i := 0; i < deps.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-deps.Events:
					if !ok {
						return
					}
					d.handle(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()
}

type dispatcher struct {
	deps Deps
}

func (d *dispatcher) handle(ctx context.Context, ev ruleengine.Event) {
	if d.deps.History != nil {
		if err := d.deps.History.Insert(ctx, ev); err != nil {
			log.Warn().Err(err).Str("rule", ev.Rule.Name).Msg("failed to record alert event")
		}
	}
	switch ev.Type {
	case ruleengine.EventFiring:
		d.handleFiring(ctx, ev)
	case ruleengine.EventDemoted:
		d.handleDemoted(ev)
	case ruleengine.EventResolved:
		d.handleResolved(ctx, ev)
	}
}

// handleFiring runs the full response to a newly surfaced severity:
// diagnosis, notification, optional auto-remediation, and an armed
// escalation that only resolution or acknowledgement will stop.
func (d *dispatcher) handleFiring(ctx context.Context, ev ruleengine.Event) {
	entry, err := d.deps.Registry.Get(ev.Rule.Name)
	if errors.Is(err, ErrRunbookNotFound) {
		// nothing automated can help here; a human is the runbook
		log.Warn().Str("rule", ev.Rule.Name).Msg("no runbook registered, escalating immediately")
		d.notifyFiring(ctx, ev, []string{"no runbook registered"})
		d.deps.Escalation.ArmImmediate(ev.Key, ev.Rule.Name, ev.Tier.Severity, ev.Labels, "no runbook registered")
		return
	}

	d.deps.Escalation.Arm(ev.Key, ev.Rule.Name, ev.Tier.Severity, ev.Labels,
		"alert firing", d.deps.Escalation.Window(ev.Tier))

	evidence := d.runDiagnosis(ctx, ev, entry)
	d.notifyFiring(ctx, ev, evidence)

	if ev.Tier.AutoRemediable {
		d.runResolution(ctx, ev, entry)
	}
}

func (d *dispatcher) handleDemoted(ev ruleengine.Event) {
	// no new page on a downgrade, but the escalation clock restarts at
	// the surviving tier's window
	d.deps.Escalation.Arm(ev.Key, ev.Rule.Name, ev.Tier.Severity, ev.Labels,
		"alert demoted", d.deps.Escalation.Window(ev.Tier))
}

func (d *dispatcher) handleResolved(ctx context.Context, ev ruleengine.Event) {
	d.deps.Executor.Cancel(ev.Key)
	d.deps.Escalation.Cancel(ev.Key)
	if ev.Silenced {
		return
	}
	d.deps.Notifier.Send(ctx, notify.Notification{
		Kind:    notify.KindResolved,
		Rule:    ev.Rule.Name,
		Labels:  ev.Labels,
		Summary: fmt.Sprintf("resolved: %s", ev.Rule.Name),
		Link:    d.link(ev),
		At:      ev.At,
	})
}

// runDiagnosis executes the read-only probes and returns their outputs
// as notification context. Probe failures are context too.
func (d *dispatcher) runDiagnosis(ctx context.Context, ev ruleengine.Event, entry *ruleset.RunbookEntry) []string {
	evidence := make([]string, 0, len(entry.Diagnosis))
	for _, step := range entry.Diagnosis {
		action, err := Render(step.Run, ev.Labels)
		if err != nil {
			log.Warn().Err(err).Str("rule", ev.Rule.Name).Str("step", step.Name).Msg("diagnosis step failed to render")
			evidence = append(evidence, fmt.Sprintf("%s: render failed: %v", step.Name, err))
			continue
		}
		res := d.deps.Executor.Execute(ctx, executor.Request{
			Key:        ev.Key,
			Rule:       ev.Rule.Name,
			Step:       step.Name,
			Action:     action,
			Mutating:   false,
			Idempotent: true,
		})
		if res.Outcome == executor.OutcomeSuccess {
			evidence = append(evidence, fmt.Sprintf("%s: %s", step.Name, res.Output))
		} else {
			evidence = append(evidence, fmt.Sprintf("%s: %s (%s)", step.Name, res.Outcome, res.Err))
		}
	}
	return evidence
}

// runResolution executes the mutating steps in order. A step whose
// matchers do not apply is skipped, never failed. The first failed or
// timed-out step stops the sequence; escalation is already armed and
// the partial outcome is visible on the alert.
func (d *dispatcher) runResolution(ctx context.Context, ev ruleengine.Event, entry *ruleset.RunbookEntry) {
	for _, step := range entry.Resolution {
		if !Matches(step.When, ev.Labels) {
			log.Debug().Str("rule", ev.Rule.Name).Str("step", step.Name).Msg("resolution step does not apply")
			continue
		}
		req, err := d.renderResolution(ev, step)
		if err != nil {
			log.Error().Err(err).Str("rule", ev.Rule.Name).Str("step", step.Name).Msg("resolution step failed to render")
			d.deps.Engine.RecordActionOutcome(ev.Key, step.Name+": render failed")
			d.deps.Escalation.ArmImmediate(ev.Key, ev.Rule.Name, ev.Tier.Severity, ev.Labels, "runbook render error")
			return
		}
		res := d.deps.Executor.Execute(ctx, req)
		d.deps.Engine.RecordActionOutcome(ev.Key, fmt.Sprintf("%s: %s", step.Name, res.Outcome))
		switch res.Outcome {
		case executor.OutcomeSuccess, executor.OutcomeSkipped:
			continue
		default:
			log.Warn().Str("rule", ev.Rule.Name).Str("step", step.Name).
				Str("outcome", string(res.Outcome)).Msg("stopping runbook after failed step")
			return
		}
	}
}

func (d *dispatcher) renderResolution(ev ruleengine.Event, step ruleset.ResolutionStep) (executor.Request, error) {
	action, err := Render(step.Run, ev.Labels)
	if err != nil {
		return executor.Request{}, err
	}
	req := executor.Request{
		Key:        ev.Key,
		Rule:       ev.Rule.Name,
		Step:       step.Name,
		Action:     action,
		Mutating:   true,
		Idempotent: step.Idempotent,
	}
	if step.Precondition != nil {
		pre, err := Render(*step.Precondition, ev.Labels)
		if err != nil {
			return executor.Request{}, fmt.Errorf("precondition: %w", err)
		}
		req.Precondition = &pre
	}
	return req, nil
}

func (d *dispatcher) notifyFiring(ctx context.Context, ev ruleengine.Event, evidence []string) {
	summary := fmt.Sprintf("%s %s: %s", ev.Tier.Severity, ev.Rule.Name, ev.Rule.Description)
	if ev.PrevSeverity > 0 {
		summary = fmt.Sprintf("%s (escalated from %s)", summary, ev.PrevSeverity)
	}
	d.deps.Notifier.Send(ctx, notify.Notification{
		Kind:     notify.KindFiring,
		Rule:     ev.Rule.Name,
		Severity: ev.Tier.Severity.String(),
		Labels:   ev.Labels,
		Value:    ev.Value,
		Summary:  summary,
		Context:  evidence,
		Link:     d.link(ev),
		At:       ev.At,
	})
}

func (d *dispatcher) link(ev ruleengine.Event) string {
	if d.deps.DashboardURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/alerts/%s", d.deps.DashboardURL, ev.Key.Fingerprint.String())
}
