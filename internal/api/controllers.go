package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"execution-core/internal/engine"
	"execution-core/internal/order"
	"execution-core/internal/schedule"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createTargetRequest struct {
	Instrument string `json:"instrument" binding:"required,min=1"`
	Name       string `json:"name"`
	Target     int64  `json:"target" binding:"required,gt=0"`
	Stop       int64  `json:"stop" binding:"required,gt=0"`
}

type killRequest struct {
	Reason string `json:"reason"`
}

type submitOrderRequest struct {
	Instrument string `json:"instrument" binding:"required,min=1"`
	Name       string `json:"name"`
	Action     string `json:"action" binding:"required,oneof=BUY SELL"`
	Quantity   int64  `json:"quantity"`
	Price      int64  `json:"price"`
	Target     int64  `json:"target"`
	Stop       int64  `json:"stop"`
	Priority   *int   `json:"priority"`
	Reason     string `json:"reason"`
}

func (r submitOrderRequest) intent(operator string) order.OrderIntent {
	action := order.Action(r.Action)
	priority := order.PriorityEntry
	if action == order.ActionSell {
		priority = order.PriorityProfitTake
	}
	if r.Priority != nil {
		priority = order.Priority(*r.Priority)
	}
	reason := strings.TrimSpace(r.Reason)
	if reason == "" {
		reason = "manual"
	}
	if operator != "" {
		reason += " by " + operator
	}
	return order.OrderIntent{
		Instrument:  r.Instrument,
		Name:        r.Name,
		Action:      action,
		Quantity:    r.Quantity,
		EntryPrice:  r.Price,
		TargetPrice: r.Target,
		StopPrice:   r.Stop,
		Priority:    priority,
		Reason:      reason,
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status(c.Request.Context()))
}

func (s *Server) listTargets(c *gin.Context) {
	targets := s.engine.Targets(c.Request.Context())
	if targets == nil {
		targets = []engine.TradingPlan{}
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

func (s *Server) createTarget(c *gin.Context) {
	var req createTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	plan := engine.TradingPlan{
		Instrument:     strings.TrimSpace(req.Instrument),
		Name:           req.Name,
		OriginalTarget: req.Target,
		OriginalStop:   req.Stop,
	}
	if err := s.engine.RegisterTarget(c.Request.Context(), plan); err != nil {
		if errors.Is(err, engine.ErrInvalidPlan) {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PLAN", "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	s.logger.Info("target registered via api",
		zap.String("instrument", plan.Instrument),
		zap.String("operator", CurrentOperator(c)),
	)
	c.JSON(http.StatusCreated, gin.H{"instrument": plan.Instrument, "status": engine.StatusWatching})
}

func (s *Server) deleteTarget(c *gin.Context) {
	instrument := c.Param("instrument")
	if !s.engine.UnregisterTarget(c.Request.Context(), instrument) {
		c.JSON(http.StatusNotFound, gin.H{"code": "TARGET_NOT_FOUND", "error": "no plan for " + instrument})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) killAll(c *gin.Context) {
	var req killRequest
	_ = c.ShouldBindJSON(&req)
	n := s.engine.KillAll(c.Request.Context(), killReason(req.Reason, CurrentOperator(c)))
	c.JSON(http.StatusAccepted, gin.H{"killed": n})
}

func (s *Server) killInstrument(c *gin.Context) {
	var req killRequest
	_ = c.ShouldBindJSON(&req)
	instrument := c.Param("instrument")
	if err := s.engine.Kill(c.Request.Context(), instrument, killReason(req.Reason, CurrentOperator(c))); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "KILL_REJECTED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"killed": 1, "instrument": instrument})
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	intent := req.intent(CurrentOperator(c))
	if err := s.engine.SubmitIntent(c.Request.Context(), intent); err != nil {
		if errors.Is(err, order.ErrInvalidIntent) {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INTENT", "error": err.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "NOT_ACCEPTED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "priority": intent.Priority.String()})
}

func killReason(reason, operator string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual kill switch"
	}
	if operator != "" {
		reason += " by " + operator
	}
	return reason
}

func (s *Server) runJob(c *gin.Context) {
	if s.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "SCHEDULER_DISABLED", "error": "no session scheduler"})
		return
	}
	name := c.Param("name")
	// the job outlives the request
	ctx := context.WithoutCancel(c.Request.Context())
	if err := s.jobs.RunNow(ctx, name); err != nil {
		if errors.Is(err, schedule.ErrUnknownJob) {
			c.JSON(http.StatusNotFound, gin.H{"code": "JOB_NOT_FOUND", "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	s.logger.Info("session job fired via api",
		zap.String("job", name),
		zap.String("operator", CurrentOperator(c)),
	)
	c.JSON(http.StatusAccepted, gin.H{"job": name, "started": true})
}
