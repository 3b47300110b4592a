// Package api exposes the decision engine over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/alerts"
	"github.com/enterprise/fraud-engine/internal/backtest"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/pipeline"
	"github.com/enterprise/fraud-engine/internal/queue"
	"github.com/enterprise/fraud-engine/internal/rules"
)

// Decider runs a transaction synchronously and rejects when saturated
type Decider interface {
	TrySubmit(ctx context.Context, ev *models.TransactionEvent) (*pipeline.Outcome, error)
}

// Enqueuer appends a transaction to the ingress stream
type Enqueuer interface {
	Publish(ctx context.Context, ev *models.TransactionEvent) (string, error)
}

// DecisionLookup finds the decision of a previously enqueued transaction
type DecisionLookup interface {
	Get(ctx context.Context, transactionID string) (*models.Decision, error)
}

// AlertService is the investigation workflow
type AlertService interface {
	Get(ctx context.Context, id string) (*models.Alert, error)
	List(ctx context.Context, f alerts.Filter) ([]*models.Alert, int)
	Assign(ctx context.Context, id, assignee string, version int64) (*models.Alert, error)
	Resolve(ctx context.Context, id string, confirmed bool, resolution, notes string, version int64) (*models.Alert, error)
	Close(ctx context.Context, id string, version int64) (*models.Alert, error)
}

// RuleProvider exposes the active rule set and validates definitions
type RuleProvider interface {
	Current() *rules.RuleSet
	Compile(rule models.Rule) (*rules.CompiledRule, error)
}

// RuleStore persists rule definitions
type RuleStore interface {
	Upsert(ctx context.Context, rule models.Rule) error
}

// AuditTrail reads stored audit records
type AuditTrail interface {
	GetByTransactionID(ctx context.Context, transactionID string) ([]*models.AuditRecord, error)
}

// RuleReloader forces a reload from the configuration source
type RuleReloader interface {
	Reload(ctx context.Context) (*rules.RuleSet, error)
	Status() (time.Time, error)
}

// Backtester replays recorded decisions through candidate rules
type Backtester interface {
	Run(ctx context.Context, req *backtest.Request) (*backtest.Result, error)
}

// StreamStats reports ingress stream statistics
type StreamStats interface {
	GetStreamInfo(ctx context.Context) (*queue.StreamInfo, error)
}

// HealthCheck returns nil when a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Handlers holds the collaborators of the HTTP surface. Only Decider,
// Alerts and Rules are required.
type Handlers struct {
	Decider    Decider
	Enqueuer   Enqueuer
	Decisions  DecisionLookup
	Alerts     AlertService
	Rules      RuleProvider
	RuleStore  RuleStore
	Reloader   RuleReloader
	Audit      AuditTrail
	Backtester Backtester
	Streams    StreamStats
	Health     map[string]HealthCheck
	Metrics    *metrics.Metrics
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(metricsMiddleware(h.Metrics))

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(h.Metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/decisions", h.decide)
		v1.GET("/decisions/:transaction_id", h.getDecision)
		v1.POST("/transactions", h.enqueue)
		v1.GET("/streams", h.streamInfo)
		v1.GET("/audit/:transaction_id", h.getAuditTrail)
	}

	alertRoutes := v1.Group("/alerts")
	{
		alertRoutes.GET("", h.listAlerts)
		alertRoutes.GET("/:id", h.getAlert)
		alertRoutes.POST("/:id/assign", h.assignAlert)
		alertRoutes.POST("/:id/resolve", h.resolveAlert)
		alertRoutes.POST("/:id/close", h.closeAlert)
	}

	ruleRoutes := v1.Group("/rules")
	{
		ruleRoutes.GET("", h.listRules)
		ruleRoutes.PUT("/:id", h.putRule)
		ruleRoutes.POST("/reload", h.reloadRules)
		ruleRoutes.POST("/backtest", h.backtestRules)
	}

	return router
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func metricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()))
	}
}
