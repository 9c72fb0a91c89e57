// Package api exposes vigil's operational HTTP surface: alert and
// silence inspection, ticket acknowledgement, runbook dry runs.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"

	"github.com/opsforge/vigil/internal/alerting/database"
	"github.com/opsforge/vigil/internal/alerting/service/escalation"
	"github.com/opsforge/vigil/internal/alerting/service/executor"
	"github.com/opsforge/vigil/internal/alerting/service/ruleengine"
	"github.com/opsforge/vigil/internal/alerting/service/runbook"
	"github.com/opsforge/vigil/internal/middleware"
)

type Server struct {
	engine     *ruleengine.Engine
	registry   *runbook.Registry
	escalation *escalation.Manager
	actions    *executor.Store
	db         *database.Database
	gatherer   prometheus.Gatherer
}

func NewServer(engine *ruleengine.Engine, registry *runbook.Registry, esc *escalation.Manager, actions *executor.Store, db *database.Database, gatherer prometheus.Gatherer) *Server {
	return &Server{engine: engine, registry: registry, escalation: esc, actions: actions, db: db, gatherer: gatherer}
}

// RegisterRoutes mounts the API. Mutating routes sit behind the auth
// token; read-only inspection does not.
func (s *Server) RegisterRoutes(r *gin.Engine, authToken string) {
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.GET("/alerts", s.listAlerts)
	v1.GET("/alerts/:fingerprint", s.getAlert)
	v1.GET("/silences", s.listSilences)
	v1.GET("/tickets", s.listTickets)
	v1.GET("/runbooks/:rule", s.getRunbook)

	auth := v1.Group("", middleware.Auth(authToken))
	auth.POST("/silences", s.createSilence)
	auth.DELETE("/silences/:rule/:fingerprint", s.deleteSilence)
	auth.POST("/tickets/:id/ack", s.ackTicket)
	auth.POST("/evaluate", s.forceEvaluate)
	auth.POST("/runbooks/:rule/dry-run", s.dryRunRunbook)
}

func (s *Server) health(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if s.db != nil {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			status["database"] = "unreachable"
		} else {
			status["database"] = "ok"
		}
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) listAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.engine.ActiveAlerts()})
}

func (s *Server) getAlert(c *gin.Context) {
	view, ok := s.engine.Alert(c.Param("fingerprint"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	results, err := s.actions.RecentForRule(c.Request.Context(), view.Rule, 20)
	if err != nil {
		log.Warn().Err(err).Str("rule", view.Rule).Msg("failed to load action results")
	}
	c.JSON(http.StatusOK, gin.H{"alert": view, "recent_actions": toActionResults(results)})
}

type actionResultView struct {
	ID        string    `json:"id"`
	Step      string    `json:"step"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Outcome   string    `json:"outcome"`
	Retries   int       `json:"retries"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

func toActionResults(results []executor.Result) []actionResultView {
	out := make([]actionResultView, 0, len(results))
	for _, r := range results {
		out = append(out, actionResultView{
			ID:        r.ID.String(),
			Step:      r.Step,
			Action:    r.Action,
			Target:    r.Target,
			Outcome:   string(r.Outcome),
			Retries:   r.Retries,
			Output:    r.Output,
			Error:     r.Err,
			StartedAt: r.StartedAt,
		})
	}
	return out
}

type createSilenceRequest struct {
	Rule        string `json:"rule" binding:"required"`
	Fingerprint string `json:"fingerprint" binding:"required"`
	Duration    string `json:"duration" binding:"required"`
	Comment     string `json:"comment"`
}

func (s *Server) createSilence(c *gin.Context) {
	var req createSilenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fp, err := model.ParseFingerprint(req.Fingerprint)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fingerprint"})
		return
	}
	dur, err := time.ParseDuration(req.Duration)
	if err != nil || dur <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration"})
		return
	}
	sil := ruleengine.Silence{
		Rule:        req.Rule,
		Fingerprint: fp.String(),
		Comment:     req.Comment,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(dur),
	}
	if err := s.engine.Silences().Set(c.Request.Context(), sil); err != nil {
		log.Error().Err(err).Str("rule", req.Rule).Msg("failed to set silence")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set silence"})
		return
	}
	c.JSON(http.StatusCreated, sil)
}

func (s *Server) deleteSilence(c *gin.Context) {
	fp, err := model.ParseFingerprint(c.Param("fingerprint"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fingerprint"})
		return
	}
	key := ruleengine.AlertKey{Rule: c.Param("rule"), Fingerprint: fp}
	if err := s.engine.Silences().Delete(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete silence"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSilences(c *gin.Context) {
	silences, err := s.engine.Silences().List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list silences"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"silences": silences})
}

func (s *Server) listTickets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tickets": s.escalation.Open()})
}

type ackRequest struct {
	By string `json:"by" binding:"required"`
}

func (s *Server) ackTicket(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket id"})
		return
	}
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ticket, err := s.escalation.Ack(c.Request.Context(), id, req.By)
	if errors.Is(err, escalation.ErrTicketNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acknowledge ticket"})
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (s *Server) forceEvaluate(c *gin.Context) {
	s.engine.ForceEvaluate()
	c.JSON(http.StatusAccepted, gin.H{"status": "evaluation scheduled"})
}
