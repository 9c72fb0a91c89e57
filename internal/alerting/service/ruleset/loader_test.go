package ruleset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDefs = `
rules:
  - name: high_error_rate
    description: error budget burn
    domain: backend
    expr: error_rate
    op: ">"
    labels:
      Team: " Platform "
    tiers:
      - severity: warning
        threshold: 0.01
        for: 5m
        clear: 10m
      - severity: critical
        threshold: 0.05
        for: 2m
        clear: 10m
        auto_remediable: true
    runbook:
      diagnosis:
        - name: recent_deploys
          action: list_deployments
          target: ${service}
      resolution:
        - name: restart
          action: restart
          target: ${service}/${instance}
          idempotent: true
`

func TestLoadValidDefinitions(t *testing.T) {
	rs, err := Load([]byte(validDefs))
	require.NoError(t, err)
	require.Len(t, rs.Rules, 1)

	rule := rs.Rules[0]
	assert.Equal(t, "high_error_rate", rule.Name)
	assert.Equal(t, CmpGreaterThan, rule.Op)
	assert.Equal(t, map[string]string{"team": "platform"}, rule.Labels)

	// tiers come out most severe first
	require.Len(t, rule.Tiers, 2)
	assert.Equal(t, SeverityCritical, rule.Tiers[0].Severity)
	assert.Equal(t, 2*time.Minute, rule.Tiers[0].For)
	assert.True(t, rule.Tiers[0].AutoRemediable)
	assert.False(t, rule.Tiers[1].AutoRemediable)

	entry, ok := rs.Runbooks["high_error_rate"]
	require.True(t, ok)
	assert.Len(t, entry.Diagnosis, 1)
	assert.Len(t, entry.Resolution, 1)
}

func TestLoadRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty file", `rules: []`},
		{"bad rule name", `
rules:
  - name: High-Error-Rate
    domain: backend
    expr: x
    tiers: [{severity: warning, threshold: 1, for: 1m}]`},
		{"missing expr", `
rules:
  - name: a_rule
    domain: backend
    tiers: [{severity: warning, threshold: 1, for: 1m}]`},
		{"unknown comparator", `
rules:
  - name: a_rule
    domain: backend
    expr: x
    op: "=="
    tiers: [{severity: warning, threshold: 1, for: 1m}]`},
		{"unknown domain", `
rules:
  - name: a_rule
    domain: network
    expr: x
    tiers: [{severity: warning, threshold: 1, for: 1m}]`},
		{"no tiers", `
rules:
  - name: a_rule
    domain: backend
    expr: x
    tiers: []`},
		{"duplicate severity tier", `
rules:
  - name: a_rule
    domain: backend
    expr: x
    tiers:
      - {severity: warning, threshold: 1, for: 1m}
      - {severity: warning, threshold: 2, for: 1m}`},
		{"zero for duration", `
rules:
  - name: a_rule
    domain: backend
    expr: x
    tiers: [{severity: warning, threshold: 1, for: 0s}]`},
		{"inverted thresholds for greater-than", `
rules:
  - name: a_rule
    domain: backend
    expr: x
    op: ">"
    tiers:
      - {severity: warning, threshold: 5, for: 1m}
      - {severity: critical, threshold: 1, for: 1m}`},
		{"inverted thresholds for less-than", `
rules:
  - name: a_rule
    domain: backend
    expr: x
    op: "<"
    tiers:
      - {severity: warning, threshold: 1, for: 1m}
      - {severity: critical, threshold: 5, for: 1m}`},
		{"duplicate rule", `
rules:
  - name: a_rule
    domain: backend
    expr: x
    tiers: [{severity: warning, threshold: 1, for: 1m}]
  - name: a_rule
    domain: backend
    expr: y
    tiers: [{severity: warning, threshold: 1, for: 1m}]`},
		{"runbook step without target", `
rules:
  - name: a_rule
    domain: backend
    expr: x
    tiers: [{severity: warning, threshold: 1, for: 1m}]
    runbook:
      resolution:
        - name: fix
          action: restart`},
		{"bad placeholder", `
rules:
  - name: a_rule
    domain: backend
    expr: x
    tiers: [{severity: warning, threshold: 1, for: 1m}]
    runbook:
      diagnosis:
        - name: probe
          action: ping
          target: ${Bad Label}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestLoadDefaultsComparator(t *testing.T) {
	rs, err := Load([]byte(`
rules:
  - name: a_rule
    domain: infra
    expr: x
    tiers: [{severity: critical, threshold: 1, for: 1m}]`))
	require.NoError(t, err)
	assert.Equal(t, CmpGreaterThan, rs.Rules[0].Op)
}
