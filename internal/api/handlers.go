package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/enterprise/fraud-engine/internal/alerts"
	"github.com/enterprise/fraud-engine/internal/backtest"
	"github.com/enterprise/fraud-engine/internal/features"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/pipeline"
	"github.com/enterprise/fraud-engine/internal/queue"
)

// TransactionRequest is the body of the decision and ingest endpoints
type TransactionRequest struct {
	Transaction models.Transaction         `json:"transaction"`
	Context     *models.TransactionContext `json:"context,omitempty"`
}

func (r *TransactionRequest) validate() error {
	tx := &r.Transaction
	switch {
	case tx.ID == "":
		return errors.New("transaction.id is required")
	case tx.EntityID == "":
		return features.ErrMissingEntity
	case tx.Amount.LessThan(decimal.Zero):
		return errors.New("transaction.amount must not be negative")
	case tx.Currency == "":
		return errors.New("transaction.currency is required")
	}
	return nil
}

func (r *TransactionRequest) event(c *gin.Context) *models.TransactionEvent {
	return &models.TransactionEvent{
		Transaction: r.Transaction,
		Context:     r.Context,
		RequestID:   c.GetString("request_id"),
		ReceivedAt:  time.Now().UTC(),
	}
}

func bindTransaction(c *gin.Context) (*TransactionRequest, bool) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return &req, true
}

func (h *Handlers) decide(c *gin.Context) {
	req, ok := bindTransaction(c)
	if !ok {
		return
	}

	out, err := h.Decider.TrySubmit(c.Request.Context(), req.event(c))
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, features.ErrMissingEntity):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, out)
}

func (h *Handlers) enqueue(c *gin.Context) {
	if h.Enqueuer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "stream ingestion is disabled"})
		return
	}
	req, ok := bindTransaction(c)
	if !ok {
		return
	}

	msgID, err := h.Enqueuer.Publish(c.Request.Context(), req.event(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"transaction_id": req.Transaction.ID,
		"message_id":     msgID,
		"status":         "queued",
	})
}

func (h *Handlers) getDecision(c *gin.Context) {
	if h.Decisions == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "decision lookup is disabled"})
		return
	}

	d, err := h.Decisions.Get(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		if errors.Is(err, queue.ErrCacheMiss) {
			c.JSON(http.StatusNotFound, gin.H{"error": "decision not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handlers) getAuditTrail(c *gin.Context) {
	if h.Audit == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit storage is disabled"})
		return
	}
	recs, err := h.Audit.GetByTransactionID(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(recs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no audit records for transaction"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h *Handlers) streamInfo(c *gin.Context) {
	if h.Streams == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "stream ingestion is disabled"})
		return
	}
	info, err := h.Streams.GetStreamInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// Alerts

func (h *Handlers) listAlerts(c *gin.Context) {
	f := alerts.Filter{
		Status:   models.AlertStatus(c.Query("status")),
		EntityID: c.Query("entity_id"),
		Limit:    getIntQuery(c, "limit", 50),
		Offset:   getIntQuery(c, "offset", 0),
	}
	if f.Limit > 500 {
		f.Limit = 500
	}

	list, total := h.Alerts.List(c.Request.Context(), f)
	if list == nil {
		list = []*models.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts": list,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (h *Handlers) getAlert(c *gin.Context) {
	a, err := h.Alerts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		alertError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type assignRequest struct {
	Assignee string `json:"assignee" binding:"required"`
	Version  int64  `json:"version" binding:"required"`
}

func (h *Handlers) assignAlert(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := h.Alerts.Assign(c.Request.Context(), c.Param("id"), req.Assignee, req.Version)
	if err != nil {
		alertError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type resolveRequest struct {
	Confirmed  *bool  `json:"confirmed" binding:"required"`
	Resolution string `json:"resolution" binding:"required"`
	Notes      string `json:"notes"`
	Version    int64  `json:"version" binding:"required"`
}

func (h *Handlers) resolveAlert(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := h.Alerts.Resolve(c.Request.Context(), c.Param("id"), *req.Confirmed, req.Resolution, req.Notes, req.Version)
	if err != nil {
		alertError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type closeRequest struct {
	Version int64 `json:"version" binding:"required"`
}

func (h *Handlers) closeAlert(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := h.Alerts.Close(c.Request.Context(), c.Param("id"), req.Version)
	if err != nil {
		alertError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func alertError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, alerts.ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, alerts.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, alerts.ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Rules

func (h *Handlers) listRules(c *gin.Context) {
	rs := h.Rules.Current()
	if rs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no rule set loaded"})
		return
	}

	resp := gin.H{
		"version":   rs.Version,
		"loaded_at": rs.LoadedAt,
		"rules":     rs.Definitions(),
		"rejected":  rs.Rejected,
	}
	if h.Reloader != nil {
		last, err := h.Reloader.Status()
		resp["last_reload"] = last
		if err != nil {
			resp["last_reload_error"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}

// putRule validates and stores a definition, then reloads so it takes
// effect immediately.
func (h *Handlers) putRule(c *gin.Context) {
	if h.RuleStore == nil || h.Reloader == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "rules are not editable with this source"})
		return
	}
	var rule models.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule.ID = c.Param("id")
	if _, err := h.Rules.Compile(rule); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	if err := h.RuleStore.Upsert(c.Request.Context(), rule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rs, err := h.Reloader.Reload(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rule_id":    rule.ID,
		"version":    rs.Version,
		"rule_count": len(rs.Rules),
	})
}

func (h *Handlers) reloadRules(c *gin.Context) {
	if h.Reloader == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "rule reload is disabled"})
		return
	}
	rs, err := h.Reloader.Reload(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version":    rs.Version,
		"rule_count": len(rs.Rules),
		"rejected":   rs.Rejected,
	})
}

func (h *Handlers) backtestRules(c *gin.Context) {
	if h.Backtester == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "backtesting requires the audit database"})
		return
	}
	var req backtest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Rules) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rules are required"})
		return
	}

	res, err := h.Backtester.Run(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Health

func (h *Handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true
	for name, check := range h.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func getIntQuery(c *gin.Context, key string, defaultValue int) int {
	if v := c.Query(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return defaultValue
}
