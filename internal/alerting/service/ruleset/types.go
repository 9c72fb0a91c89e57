package ruleset

import (
	"time"
)

// Severity is an explicitly ordered alert tier class. Higher values are
// more severe; never compare severities by string.
type Severity int

const (
	SeverityWarning Severity = iota + 1
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	return s == SeverityWarning || s == SeverityCritical
}

// ParseSeverity converts a config string to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "warning":
		return SeverityWarning, true
	case "critical":
		return SeverityCritical, true
	default:
		return 0, false
	}
}

// Comparator is the threshold comparison operator of a rule.
type Comparator string

const (
	CmpGreaterThan    Comparator = ">"
	CmpGreaterOrEqual Comparator = ">="
	CmpLessThan       Comparator = "<"
	CmpLessOrEqual    Comparator = "<="
)

// Compare evaluates value against threshold. Returns false for an
// unknown comparator; loaders reject those before evaluation ever runs.
func (c Comparator) Compare(value, threshold float64) bool {
	switch c {
	case CmpGreaterThan:
		return value > threshold
	case CmpGreaterOrEqual:
		return value >= threshold
	case CmpLessThan:
		return value < threshold
	case CmpLessOrEqual:
		return value <= threshold
	default:
		return false
	}
}

func (c Comparator) IsValid() bool {
	switch c {
	case CmpGreaterThan, CmpGreaterOrEqual, CmpLessThan, CmpLessOrEqual:
		return true
	default:
		return false
	}
}

// Domain tags a rule with the layer it watches.
type Domain string

const (
	DomainInfra    Domain = "infra"
	DomainDB       Domain = "db"
	DomainBackend  Domain = "backend"
	DomainFrontend Domain = "frontend"
)

func (d Domain) IsValid() bool {
	switch d {
	case DomainInfra, DomainDB, DomainBackend, DomainFrontend:
		return true
	default:
		return false
	}
}

// Tier is one independently thresholded and timed severity track of a
// rule. For and Clear are tick-aligned hysteresis durations.
type Tier struct {
	Severity         Severity
	Threshold        float64
	For              time.Duration
	Clear            time.Duration
	AutoRemediable   bool
	EscalationWindow time.Duration // 0 means the severity-class default applies
}

// Rule is a loaded alert rule. Tiers are sorted most severe first.
type Rule struct {
	Name        string
	Description string
	Domain      Domain
	Expr        string // opaque query string for the metric backend
	Op          Comparator
	Labels      map[string]string // static labels merged into every instance
	Tiers       []Tier
}

// Tier returns the tier for the given severity, if present.
func (r *Rule) Tier(sev Severity) (Tier, bool) {
	for _, t := range r.Tiers {
		if t.Severity == sev {
			return t, true
		}
	}
	return Tier{}, false
}

// ActionTemplate names an action with typed parameters. Target and
// parameter values may reference instance labels as ${label}; binding
// and validation happen at dispatch time, never by string concatenation.
type ActionTemplate struct {
	Action string
	Target string
	Params map[string]string
}

// DiagnosisStep is a read-only probe that gathers evidence.
type DiagnosisStep struct {
	Name     string
	Run      ActionTemplate
	Evidence string // what the output is expected to show
}

// ResolutionStep is a mutating remediation action.
type ResolutionStep struct {
	Name string
	Run  ActionTemplate
	// When is a label matcher set; the step applies only when every
	// key matches the instance labels ("*" means key must be present).
	When       map[string]string
	Idempotent bool
	// Precondition re-confirms the triggering condition before a
	// non-idempotent retry. Nil means such a step is never retried.
	Precondition *ActionTemplate
}

// RunbookEntry is the executable procedure bound to a rule identity.
type RunbookEntry struct {
	Rule       string
	Diagnosis  []DiagnosisStep
	Resolution []ResolutionStep
	Prevention []string // informational only, never executed
	UpdatedAt  time.Time
}

// Ruleset is the immutable result of loading a definitions file. Hot
// reload is an atomic swap of the whole value.
type Ruleset struct {
	Rules    []*Rule
	Runbooks map[string]*RunbookEntry
}
