package runbook

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
)

// ErrRunbookNotFound reports a firing rule with no registered runbook.
// The dispatcher treats it as an immediate escalation trigger, not a
// dead end.
var ErrRunbookNotFound = errors.New("runbook not found")

var placeholderPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Registry resolves rule names to their runbooks and renders action
// templates against alert labels. It is immutable after construction;
// rule and runbook reload replaces the whole registry.
type Registry struct {
	entries map[string]*ruleset.RunbookEntry
}

func NewRegistry(rs *ruleset.Ruleset) *Registry {
	entries := make(map[string]*ruleset.RunbookEntry, len(rs.Runbooks))
	for name, entry := range rs.Runbooks {
		entries[name] = entry
	}
	return &Registry{entries: entries}
}

// Get returns the runbook for rule, or ErrRunbookNotFound.
func (r *Registry) Get(rule string) (*ruleset.RunbookEntry, error) {
	entry, ok := r.entries[rule]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunbookNotFound, rule)
	}
	return entry, nil
}

// Len reports how many rules have runbooks registered.
func (r *Registry) Len() int { return len(r.entries) }

// Render substitutes ${label} placeholders in an action template with
// values from the alert's labels. A placeholder with no matching label
// is an error; actions never run against a half-rendered target.
func Render(tpl ruleset.ActionTemplate, labels map[string]string) (ruleset.ActionTemplate, error) {
	out := ruleset.ActionTemplate{Action: tpl.Action}
	var err error
	out.Target, err = renderString(tpl.Target, labels)
	if err != nil {
		return out, fmt.Errorf("render target of %q: %w", tpl.Action, err)
	}
	if len(tpl.Params) > 0 {
		out.Params = make(map[string]string, len(tpl.Params))
		for k, v := range tpl.Params {
			out.Params[k], err = renderString(v, labels)
			if err != nil {
				return out, fmt.Errorf("render param %q of %q: %w", k, tpl.Action, err)
			}
		}
	}
	return out, nil
}

func renderString(s string, labels map[string]string) (string, error) {
	var missing string
	rendered := placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		v, ok := labels[name]
		if !ok {
			missing = name
			return m
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("label %q not present", missing)
	}
	return rendered, nil
}

// Matches reports whether the alert labels satisfy a step's when
// matchers. The value "*" requires only that the key is present.
func Matches(when, labels map[string]string) bool {
	for k, want := range when {
		got, ok := labels[k]
		if !ok {
			return false
		}
		if want != "*" && got != want {
			return false
		}
	}
	return true
}
