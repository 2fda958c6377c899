package httpserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"escrow-service/internal/handler"
	"escrow-service/pkg/mq"
)

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	escrowHandler *handler.EscrowHandler,
	deliverableHandler *handler.DeliverableHandler,
	refundHandler *handler.RefundHandler,
	milestoneHandler *handler.MilestoneHandler,
	invoiceHandler *handler.InvoiceHandler,
	outboxHandler *handler.OutboxHandler,
	jwtSecret string,
	logger *zap.Logger,
	db *pgxpool.Pool,
	publisher *mq.Publisher,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(LoggingMiddleware(logger))
	r.Use(MetricsMiddleware())

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(500, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		if publisher != nil && !publisher.IsConnected() {
			c.JSON(500, gin.H{"status": "mq_not_ready"})
			return
		}

		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Authenticated
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/projects/:id/fund", escrowHandler.FundProject)
		auth.GET("/projects/:id", escrowHandler.GetProject)
		auth.GET("/projects/:id/balance", escrowHandler.GetBalance)
		auth.GET("/projects/:id/ledger", escrowHandler.GetLedger)
		auth.GET("/projects/:id/invoices", invoiceHandler.ListByProject)
		auth.GET("/projects/:id/milestones", milestoneHandler.List)
		auth.POST("/projects/:id/milestones/:index/deliverables", deliverableHandler.Submit)
		auth.GET("/projects/:id/milestones/:index/deliverables", deliverableHandler.ListForMilestone)
		auth.POST("/projects/:id/milestones/:index/progress", milestoneHandler.SetProgress)
		auth.POST("/refund-requests", refundHandler.Submit)
	}

	// Admin
	admin := r.Group("/")
	admin.Use(AuthMiddleware(jwtSecret), RequireRole("admin"))
	{
		admin.POST("/deliverables/:id/approve", deliverableHandler.Approve)
		admin.POST("/deliverables/:id/revision", deliverableHandler.RequestRevision)
		admin.POST("/projects/:id/milestones/:index/release", escrowHandler.ReleaseMilestone)
		admin.POST("/projects/:id/milestones/:index/reopen", milestoneHandler.Reopen)
		admin.GET("/refund-requests", refundHandler.List)
		admin.POST("/refund-requests/:id/approve", refundHandler.Approve)
		admin.POST("/refund-requests/:id/reject", refundHandler.Reject)
		admin.POST("/outbox/replay", outboxHandler.ReplayFailed)
		admin.POST("/outbox/:id/replay", outboxHandler.ReplayEvent)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(":" + port)
}
