package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsforge/vigil/internal/alerting/service/ruleset"
	"github.com/opsforge/vigil/internal/alerting/service/runbook"
)

type actionView struct {
	Action string            `json:"action"`
	Target string            `json:"target"`
	Params map[string]string `json:"params,omitempty"`
}

type diagnosisView struct {
	Name     string     `json:"name"`
	Run      actionView `json:"run"`
	Evidence string     `json:"evidence,omitempty"`
}

type resolutionView struct {
	Name         string            `json:"name"`
	Run          actionView        `json:"run"`
	When         map[string]string `json:"when,omitempty"`
	Idempotent   bool              `json:"idempotent"`
	Precondition *actionView       `json:"precondition,omitempty"`
}

type runbookView struct {
	Rule       string           `json:"rule"`
	Diagnosis  []diagnosisView  `json:"diagnosis"`
	Resolution []resolutionView `json:"resolution"`
	Prevention []string         `json:"prevention,omitempty"`
}

func (s *Server) getRunbook(c *gin.Context) {
	entry, err := s.registry.Get(c.Param("rule"))
	if errors.Is(err, runbook.ErrRunbookNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "runbook not found"})
		return
	}
	c.JSON(http.StatusOK, toRunbookView(entry))
}

type dryRunRequest struct {
	Labels map[string]string `json:"labels"`
}

type dryRunStep struct {
	Name    string     `json:"name"`
	Phase   string     `json:"phase"` // diagnosis or resolution
	Action  actionView `json:"action"`
	Skipped bool       `json:"skipped,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// dryRunRunbook renders the full runbook plan against caller-supplied
// labels without executing anything. Render errors surface per step so
// an operator can see exactly which placeholder is unbound.
func (s *Server) dryRunRunbook(c *gin.Context) {
	entry, err := s.registry.Get(c.Param("rule"))
	if errors.Is(err, runbook.ErrRunbookNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "runbook not found"})
		return
	}
	var req dryRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	labels := ruleset.NormalizeLabels(req.Labels)

	plan := make([]dryRunStep, 0, len(entry.Diagnosis)+len(entry.Resolution))
	for _, step := range entry.Diagnosis {
		plan = append(plan, renderDryRunStep(step.Name, "diagnosis", step.Run, labels))
	}
	for _, step := range entry.Resolution {
		if !runbook.Matches(step.When, labels) {
			plan = append(plan, dryRunStep{Name: step.Name, Phase: "resolution", Skipped: true, Reason: "when matchers do not apply"})
			continue
		}
		plan = append(plan, renderDryRunStep(step.Name, "resolution", step.Run, labels))
	}
	c.JSON(http.StatusOK, gin.H{"rule": entry.Rule, "plan": plan})
}

func renderDryRunStep(name, phase string, tpl ruleset.ActionTemplate, labels map[string]string) dryRunStep {
	action, err := runbook.Render(tpl, labels)
	if err != nil {
		return dryRunStep{Name: name, Phase: phase, Skipped: true, Reason: err.Error()}
	}
	return dryRunStep{Name: name, Phase: phase, Action: toActionView(action)}
}

func toRunbookView(entry *ruleset.RunbookEntry) runbookView {
	view := runbookView{Rule: entry.Rule, Prevention: entry.Prevention}
	for _, step := range entry.Diagnosis {
		view.Diagnosis = append(view.Diagnosis, diagnosisView{
			Name:     step.Name,
			Run:      toActionView(step.Run),
			Evidence: step.Evidence,
		})
	}
	for _, step := range entry.Resolution {
		rv := resolutionView{
			Name:       step.Name,
			Run:        toActionView(step.Run),
			When:       step.When,
			Idempotent: step.Idempotent,
		}
		if step.Precondition != nil {
			pre := toActionView(*step.Precondition)
			rv.Precondition = &pre
		}
		view.Resolution = append(view.Resolution, rv)
	}
	return view
}

func toActionView(a ruleset.ActionTemplate) actionView {
	return actionView{Action: a.Action, Target: a.Target, Params: a.Params}
}
