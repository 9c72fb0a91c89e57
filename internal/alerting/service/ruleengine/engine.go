package ruleengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/vigil/internal/alerting/metrics"
	"github.com/opsforge/vigil/internal/alerting/service/metricsource"
	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

// Deps wires the engine to its collaborators. Events is the downstream
// pipeline (dispatch, escalation, notification); the engine never blocks
// on it.
type Deps struct {
	Source   metricsource.Source
	Ruleset  *ruleset.Ruleset
	Silences Silencer
	Events   chan<- Event
	Metrics  *metrics.Metrics
	Interval time.Duration
	Workers  int
	GCGrace  time.Duration
}

// Engine evaluates all rules on a fixed tick and owns every alert
// instance. Instance mutation is confined to the tick goroutine; queries
// run in parallel workers beforehand. The API reads through the mutex.
type Engine struct {
	deps Deps

	mu        sync.RWMutex
	instances map[TrackKey]*Instance
	dedup     *Deduplicator

	kick chan struct{}
}

func New(deps Deps) *Engine {
	if deps.Interval <= 0 {
		deps.Interval = 30 * time.Second
	}
	if deps.Workers <= 0 {
		deps.Workers = 4
	}
	if deps.GCGrace <= 0 {
		deps.GCGrace = 10 * time.Minute
	}
	if deps.Silences == nil {
		deps.Silences = NewMemorySilencer()
	}
	return &Engine{
		deps:      deps,
		instances: make(map[TrackKey]*Instance),
		dedup:     NewDeduplicator(),
		kick:      make(chan struct{}, 1),
	}
}

// Start runs the tick loop until ctx is cancelled. A tick always
// completes before the next begins; overlapping ticks are dropped by the
// ticker, which keeps per-key mutation single-writer.
func (e *Engine) Start(ctx context.Context) {
	t := time.NewTicker(e.deps.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.runTick(ctx, time.Now())
		case <-e.kick:
			e.runTick(ctx, time.Now())
		}
	}
}

// ForceEvaluate requests an immediate tick. Non-blocking; coalesces with
// an already pending request.
func (e *Engine) ForceEvaluate() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Silences exposes the silence store to the API layer.
func (e *Engine) Silences() Silencer { return e.deps.Silences }

type tierEval struct {
	tier        ruleset.Tier
	samples     []metricsource.Sample
	unavailable bool
}

type ruleEval struct {
	rule  *ruleset.Rule
	tiers []tierEval
}

func (e *Engine) runTick(ctx context.Context, now time.Time) {
	start := time.Now()
	evals := e.evaluateRules(ctx)

	e.mu.Lock()
	events := e.apply(ctx, now, evals)
	e.gc(now)
	active := 0
	for _, in := range e.instances {
		if in.Active() {
			active++
		}
	}
	e.mu.Unlock()

	for _, ev := range events {
		select {
		case e.deps.Events <- ev:
		default:
			// the pipeline must never stall evaluation
			log.Warn().Str("rule", ev.Rule.Name).Str("type", ev.Type.String()).Msg("event channel full, dropping event")
		}
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.ActiveAlerts.Set(float64(active))
		e.deps.Metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

// evaluateRules queries the metric source for every rule tier using a
// bounded worker pool. No engine state is touched here.
func (e *Engine) evaluateRules(ctx context.Context) []ruleEval {
	rules := e.deps.Ruleset.Rules
	evals := make([]ruleEval, len(rules))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < e.deps.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				evals[i] = e.evaluateRule(ctx, rules[i])
			}
		}()
	}
	for i := range rules {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return evals
}

func (e *Engine) evaluateRule(ctx context.Context, rule *ruleset.Rule) ruleEval {
	ev := ruleEval{rule: rule, tiers: make([]tierEval, 0, len(rule.Tiers))}
	for _, tier := range rule.Tiers {
		samples, err := e.deps.Source.Query(ctx, rule.Expr, tier.For)
		if err != nil {
			// stale data must cause neither false alerting nor false
			// clearing; the state machine freezes on unknown
			log.Warn().Err(err).Str("rule", rule.Name).Str("severity", tier.Severity.String()).Msg("metric query unavailable")
			if e.deps.Metrics != nil {
				e.deps.Metrics.Evaluations.WithLabelValues(rule.Name, "unavailable").Inc()
			}
			ev.tiers = append(ev.tiers, tierEval{tier: tier, unavailable: true})
			continue
		}
		if e.deps.Metrics != nil {
			e.deps.Metrics.Evaluations.WithLabelValues(rule.Name, "ok").Inc()
		}
		ev.tiers = append(ev.tiers, tierEval{tier: tier, samples: samples})
	}
	return ev
}

// apply folds this tick's evaluations into the instance set and asks the
// deduplicator for externally visible changes. Caller holds e.mu.
func (e *Engine) apply(ctx context.Context, now time.Time, evals []ruleEval) []Event {
	var events []Event
	for i := range evals {
		re := &evals[i]
		for _, te := range re.tiers {
			e.applyTier(re.rule, te, now)
		}
		events = append(events, e.reconcileRule(ctx, re.rule, now)...)
	}
	return events
}

func (e *Engine) applyTier(rule *ruleset.Rule, te tierEval, now time.Time) {
	if te.unavailable {
		for _, in := range e.instances {
			if in.Key.Rule == rule.Name && in.Key.Severity == te.tier.Severity {
				in.Observe(BreachUnknown, in.LastValue, te.tier, now)
			}
		}
		return
	}

	seen := make(map[TrackKey]struct{}, len(te.samples))
	for _, sample := range te.samples {
		labels := mergeLabels(rule.Labels, sample.Labels)
		key := TrackKey{
			AlertKey: AlertKey{Rule: rule.Name, Fingerprint: ruleset.Fingerprint(labels)},
			Severity: te.tier.Severity,
		}
		seen[key] = struct{}{}
		breach := BreachFalse
		if rule.Op.Compare(sample.Value, te.tier.Threshold) {
			breach = BreachTrue
		}
		in := e.instances[key]
		if in == nil {
			if breach == BreachFalse {
				continue // instances are created lazily on first breach
			}
			in = &Instance{Key: key, Labels: labels}
			e.instances[key] = in
		}
		e.observe(in, breach, sample.Value, te.tier, now)
	}

	// a series that stopped breaching can also stop being returned;
	// treat absence after a successful query as cleared
	for key, in := range e.instances {
		if key.Rule != rule.Name || key.Severity != te.tier.Severity {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		e.observe(in, BreachFalse, in.LastValue, te.tier, now)
	}
}

func (e *Engine) observe(in *Instance, breach Breach, value float64, tier ruleset.Tier, now time.Time) {
	prev := in.State
	in.Observe(breach, value, tier, now)
	if in.State != prev && e.deps.Metrics != nil {
		e.deps.Metrics.Transitions.WithLabelValues(in.Key.Rule, in.State.String()).Inc()
	}
	if in.State != prev {
		log.Debug().Str("rule", in.Key.Rule).Str("severity", in.Key.Severity.String()).
			Str("labels", ruleset.CanonicalLabelKey(in.Labels)).
			Str("from", prev.String()).Str("to", in.State.String()).
			Float64("value", value).Msg("track transition")
	}
}

// reconcileRule runs the deduplicator for every label set of the rule
// present in the instance map.
func (e *Engine) reconcileRule(ctx context.Context, rule *ruleset.Rule, now time.Time) []Event {
	type group struct {
		labels map[string]string
		firing []ruleset.Tier
		value  float64
	}
	groups := make(map[AlertKey]*group)
	for key, in := range e.instances {
		if key.Rule != rule.Name {
			continue
		}
		g := groups[key.AlertKey]
		if g == nil {
			g = &group{labels: in.Labels}
			groups[key.AlertKey] = g
		}
		if in.State == StateFiring {
			if tier, ok := rule.Tier(key.Severity); ok {
				g.firing = append(g.firing, tier)
			}
		}
	}

	var events []Event
	for key, g := range groups {
		sort.Slice(g.firing, func(i, j int) bool { return g.firing[i].Severity > g.firing[j].Severity })
		if len(g.firing) > 0 {
			g.value = e.firingValue(key, g.firing[0].Severity)
		}
		silenced := e.deps.Silences.IsSilenced(ctx, key)
		if ev := e.dedup.Reconcile(rule, key, g.labels, g.firing, g.value, silenced, now); ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

func (e *Engine) firingValue(key AlertKey, sev ruleset.Severity) float64 {
	if in := e.instances[TrackKey{AlertKey: key, Severity: sev}]; in != nil {
		return in.LastValue
	}
	return 0
}

// gc drops instances that have been Inactive longer than the grace
// window. The grace keeps rapid re-breach of the same key deduplicable.
func (e *Engine) gc(now time.Time) {
	for key, in := range e.instances {
		if in.Active() || in.InactiveSince.IsZero() {
			continue
		}
		if now.Sub(in.InactiveSince) > e.deps.GCGrace {
			delete(e.instances, key)
		}
	}
}

// RecordActionOutcome attaches the latest remediation outcome to the
// active tracks of key so escalation context can show it.
func (e *Engine) RecordActionOutcome(key AlertKey, outcome string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for tk, in := range e.instances {
		if tk.AlertKey == key && in.Active() {
			in.LastAction = outcome
		}
	}
}

func mergeLabels(static, sample map[string]string) map[string]string {
	merged := make(map[string]string, len(static)+len(sample))
	for k, v := range ruleset.NormalizeLabels(sample) {
		merged[k] = v
	}
	for k, v := range static {
		merged[k] = v // static rule labels win
	}
	return merged
}
