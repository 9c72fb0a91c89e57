package ruleset

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRule marks a definitions file the engine refuses to start
// with. Malformed rules are rejected here, never at evaluation time.
var ErrInvalidRule = errors.New("invalid alert rule definition")

var (
	ruleNamePattern    = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	placeholderPattern = regexp.MustCompile(`\$\{([^}]*)\}`)
	labelNamePattern   = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// File-level YAML schema. Durations use the Prometheus notation (5m, 1h).
type definitionsFile struct {
	Rules []ruleDef `yaml:"rules"`
}

type ruleDef struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Domain      string            `yaml:"domain"`
	Expr        string            `yaml:"expr"`
	Op          string            `yaml:"op"`
	Labels      map[string]string `yaml:"labels"`
	Tiers       []tierDef         `yaml:"tiers"`
	Runbook     *runbookDef       `yaml:"runbook"`
}

type tierDef struct {
	Severity         string         `yaml:"severity"`
	Threshold        float64        `yaml:"threshold"`
	For              model.Duration `yaml:"for"`
	Clear            model.Duration `yaml:"clear"`
	AutoRemediable   bool           `yaml:"auto_remediable"`
	EscalationWindow model.Duration `yaml:"escalation_window"`
}

type runbookDef struct {
	UpdatedAt  time.Time `yaml:"updated_at"`
	Diagnosis  []stepDef `yaml:"diagnosis"`
	Resolution []stepDef `yaml:"resolution"`
	Prevention []string  `yaml:"prevention"`
}

type stepDef struct {
	Name         string            `yaml:"name"`
	Action       string            `yaml:"action"`
	Target       string            `yaml:"target"`
	Params       map[string]string `yaml:"params"`
	Evidence     string            `yaml:"evidence"`
	When         map[string]string `yaml:"when"`
	Idempotent   bool              `yaml:"idempotent"`
	Precondition *actionDef        `yaml:"precondition"`
}

type actionDef struct {
	Action string            `yaml:"action"`
	Target string            `yaml:"target"`
	Params map[string]string `yaml:"params"`
}

// LoadFile reads and validates a combined rule + runbook definitions
// file. Any invalid entry fails the whole load.
func LoadFile(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions file %s: %w", path, err)
	}
	return Load(data)
}

// Load parses and validates YAML definitions.
func Load(data []byte) (*Ruleset, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidRule, err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules defined", ErrInvalidRule)
	}

	rs := &Ruleset{
		Rules:    make([]*Rule, 0, len(file.Rules)),
		Runbooks: make(map[string]*RunbookEntry),
	}
	seen := map[string]struct{}{}
	for i := range file.Rules {
		def := &file.Rules[i]
		rule, runbook, err := buildRule(def)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[rule.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate rule %q", ErrInvalidRule, rule.Name)
		}
		seen[rule.Name] = struct{}{}
		rs.Rules = append(rs.Rules, rule)
		if runbook != nil {
			rs.Runbooks[rule.Name] = runbook
		}
	}
	log.Info().Int("rules", len(rs.Rules)).Int("runbooks", len(rs.Runbooks)).Msg("loaded alert definitions")
	return rs, nil
}

func buildRule(def *ruleDef) (*Rule, *RunbookEntry, error) {
	if def.Name == "" {
		return nil, nil, fmt.Errorf("%w: rule name is required", ErrInvalidRule)
	}
	if !ruleNamePattern.MatchString(def.Name) {
		return nil, nil, fmt.Errorf("%w: rule name %q must match %s", ErrInvalidRule, def.Name, ruleNamePattern)
	}
	if def.Expr == "" {
		return nil, nil, fmt.Errorf("%w: rule %q: expr is required", ErrInvalidRule, def.Name)
	}
	op := Comparator(def.Op)
	if op == "" {
		op = CmpGreaterThan
	}
	if !op.IsValid() {
		return nil, nil, fmt.Errorf("%w: rule %q: unknown comparator %q", ErrInvalidRule, def.Name, def.Op)
	}
	domain := Domain(def.Domain)
	if !domain.IsValid() {
		return nil, nil, fmt.Errorf("%w: rule %q: unknown domain %q", ErrInvalidRule, def.Name, def.Domain)
	}
	if len(def.Tiers) == 0 {
		return nil, nil, fmt.Errorf("%w: rule %q: at least one severity tier is required", ErrInvalidRule, def.Name)
	}

	rule := &Rule{
		Name:        def.Name,
		Description: def.Description,
		Domain:      domain,
		Expr:        def.Expr,
		Op:          op,
		Labels:      NormalizeLabels(def.Labels),
	}

	seenSev := map[Severity]struct{}{}
	for _, td := range def.Tiers {
		sev, ok := ParseSeverity(td.Severity)
		if !ok {
			return nil, nil, fmt.Errorf("%w: rule %q: unknown severity %q", ErrInvalidRule, def.Name, td.Severity)
		}
		if _, dup := seenSev[sev]; dup {
			return nil, nil, fmt.Errorf("%w: rule %q: duplicate %s tier", ErrInvalidRule, def.Name, sev)
		}
		seenSev[sev] = struct{}{}
		if time.Duration(td.For) <= 0 {
			return nil, nil, fmt.Errorf("%w: rule %q: %s tier: for-duration must be positive", ErrInvalidRule, def.Name, sev)
		}
		if time.Duration(td.Clear) < 0 || time.Duration(td.EscalationWindow) < 0 {
			return nil, nil, fmt.Errorf("%w: rule %q: %s tier: negative duration", ErrInvalidRule, def.Name, sev)
		}
		rule.Tiers = append(rule.Tiers, Tier{
			Severity:         sev,
			Threshold:        td.Threshold,
			For:              time.Duration(td.For),
			Clear:            time.Duration(td.Clear),
			AutoRemediable:   td.AutoRemediable,
			EscalationWindow: time.Duration(td.EscalationWindow),
		})
	}
	// most severe first; the deduplicator relies on this order
	sort.Slice(rule.Tiers, func(i, j int) bool { return rule.Tiers[i].Severity > rule.Tiers[j].Severity })

	if err := checkThresholdOrder(rule); err != nil {
		return nil, nil, err
	}

	if def.Runbook == nil {
		return rule, nil, nil
	}
	runbook, err := buildRunbook(def.Name, def.Runbook)
	if err != nil {
		return nil, nil, err
	}
	return rule, runbook, nil
}

// checkThresholdOrder rejects tier thresholds that can never be reached
// in severity order: for ">" rules critical must sit at or above
// warning, for "<" rules at or below.
func checkThresholdOrder(r *Rule) error {
	crit, hasCrit := r.Tier(SeverityCritical)
	warn, hasWarn := r.Tier(SeverityWarning)
	if !hasCrit || !hasWarn {
		return nil
	}
	switch r.Op {
	case CmpGreaterThan, CmpGreaterOrEqual:
		if crit.Threshold < warn.Threshold {
			return fmt.Errorf("%w: rule %q: critical threshold %.2f below warning %.2f for op %q",
				ErrInvalidRule, r.Name, crit.Threshold, warn.Threshold, r.Op)
		}
	case CmpLessThan, CmpLessOrEqual:
		if crit.Threshold > warn.Threshold {
			return fmt.Errorf("%w: rule %q: critical threshold %.2f above warning %.2f for op %q",
				ErrInvalidRule, r.Name, crit.Threshold, warn.Threshold, r.Op)
		}
	}
	return nil
}

func buildRunbook(ruleName string, def *runbookDef) (*RunbookEntry, error) {
	entry := &RunbookEntry{
		Rule:       ruleName,
		Prevention: def.Prevention,
		UpdatedAt:  def.UpdatedAt,
	}
	for i, sd := range def.Diagnosis {
		tmpl, err := buildTemplate(ruleName, sd.Action, sd.Target, sd.Params)
		if err != nil {
			return nil, err
		}
		name := sd.Name
		if name == "" {
			name = fmt.Sprintf("diagnosis_%d", i+1)
		}
		entry.Diagnosis = append(entry.Diagnosis, DiagnosisStep{Name: name, Run: tmpl, Evidence: sd.Evidence})
	}
	for i, sd := range def.Resolution {
		tmpl, err := buildTemplate(ruleName, sd.Action, sd.Target, sd.Params)
		if err != nil {
			return nil, err
		}
		name := sd.Name
		if name == "" {
			name = fmt.Sprintf("resolution_%d", i+1)
		}
		step := ResolutionStep{
			Name:       name,
			Run:        tmpl,
			When:       NormalizeLabels(sd.When),
			Idempotent: sd.Idempotent,
		}
		if sd.Precondition != nil {
			pre, err := buildTemplate(ruleName, sd.Precondition.Action, sd.Precondition.Target, sd.Precondition.Params)
			if err != nil {
				return nil, err
			}
			step.Precondition = &pre
		}
		entry.Resolution = append(entry.Resolution, step)
	}
	return entry, nil
}

func buildTemplate(ruleName, action, target string, params map[string]string) (ActionTemplate, error) {
	if action == "" {
		return ActionTemplate{}, fmt.Errorf("%w: rule %q: step action is required", ErrInvalidRule, ruleName)
	}
	if target == "" {
		return ActionTemplate{}, fmt.Errorf("%w: rule %q: step target is required", ErrInvalidRule, ruleName)
	}
	for _, v := range append([]string{target}, mapValues(params)...) {
		for _, m := range placeholderPattern.FindAllStringSubmatch(v, -1) {
			if !labelNamePattern.MatchString(m[1]) {
				return ActionTemplate{}, fmt.Errorf("%w: rule %q: bad placeholder %q", ErrInvalidRule, ruleName, m[0])
			}
		}
	}
	return ActionTemplate{Action: action, Target: target, Params: params}, nil
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
