package ruleengine

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

// Deduplicator decides which severity track of an alert key is surfaced
// to the notification layer. Severity tracks evaluate independently; the
// outside world only ever sees the highest one that is firing, and sees
// each externally visible change exactly once.
//
// Not safe for concurrent use; the engine calls it from the tick
// goroutine only.
type Deduplicator struct {
	surfaced map[AlertKey]ruleset.Severity
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{surfaced: make(map[AlertKey]ruleset.Severity)}
}

// Surfaced returns the severity currently surfaced for key, or 0.
func (d *Deduplicator) Surfaced(key AlertKey) ruleset.Severity {
	return d.surfaced[key]
}

// Reconcile compares the firing tracks of one alert key (descending
// severity) against what is currently surfaced and returns the single
// event to publish, or nil.
//
// While key is silenced, upgrades are withheld rather than recorded, so
// a still-firing alert surfaces on the first tick after the silence
// expires. Downgrades and resolution always pass through: they drive
// escalation cancellation, not paging.
func (d *Deduplicator) Reconcile(rule *ruleset.Rule, key AlertKey, labels map[string]string, firing []ruleset.Tier, value float64, silenced bool, now time.Time) *Event {
	var highest ruleset.Severity
	var highestTier ruleset.Tier
	if len(firing) > 0 {
		highestTier = firing[0]
		highest = highestTier.Severity
	}
	current := d.surfaced[key]

	switch {
	case highest == current:
		return nil

	case highest > current:
		if silenced {
			return nil
		}
		d.surfaced[key] = highest
		log.Info().Str("rule", rule.Name).Str("labels", ruleset.CanonicalLabelKey(labels)).
			Str("severity", highest.String()).Msg("alert surfaced")
		return &Event{
			Type:         EventFiring,
			Rule:         rule,
			Tier:         highestTier,
			PrevSeverity: current,
			Key:          key,
			Labels:       labels,
			Value:        value,
			At:           now,
		}

	case highest > 0: // lower track still firing after the higher resolved
		d.surfaced[key] = highest
		return &Event{
			Type:         EventDemoted,
			Rule:         rule,
			Tier:         highestTier,
			PrevSeverity: current,
			Key:          key,
			Labels:       labels,
			Value:        value,
			At:           now,
			Silenced:     silenced,
		}

	default: // nothing firing anymore
		delete(d.surfaced, key)
		log.Info().Str("rule", rule.Name).Str("labels", ruleset.CanonicalLabelKey(labels)).Msg("alert resolved")
		return &Event{
			Type:         EventResolved,
			Rule:         rule,
			PrevSeverity: current,
			Key:          key,
			Labels:       labels,
			Value:        value,
			At:           now,
			Silenced:     silenced,
		}
	}
}
