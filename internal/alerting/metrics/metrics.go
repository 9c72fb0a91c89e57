// Package metrics exposes vigil's own operational counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Evaluations    *prometheus.CounterVec // per rule, result=ok|unavailable
	Transitions    *prometheus.CounterVec // per rule, to=pending|firing|inactive
	Notifications  *prometheus.CounterVec // per channel, result=delivered|failed
	ActionOutcomes *prometheus.CounterVec // per action, outcome=success|failure|timeout|skipped
	Escalations    prometheus.Counter
	ActiveAlerts   prometheus.Gauge
	TickDuration   prometheus.Histogram
}

// New registers vigil metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_rule_evaluations_total",
			Help: "Rule evaluations by result.",
		}, []string{"rule", "result"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_state_transitions_total",
			Help: "Alert instance state transitions.",
		}, []string{"rule", "to"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_notifications_total",
			Help: "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		ActionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_action_outcomes_total",
			Help: "Runbook action outcomes.",
		}, []string{"action", "outcome"}),
		Escalations: f.NewCounter(prometheus.CounterOpts{
			Name: "vigil_escalation_tickets_total",
			Help: "Escalation tickets opened.",
		}),
		ActiveAlerts: f.NewGauge(prometheus.GaugeOpts{
			Name: "vigil_active_alerts",
			Help: "Alert instances currently Pending or Firing.",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vigil_tick_duration_seconds",
			Help:    "Wall time of a full evaluation tick.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
