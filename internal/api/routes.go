package api

import (
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"shardminer/backend/internal/auth"
	"shardminer/backend/internal/metrics"
	"shardminer/backend/internal/security"
)

func SetupRoutes(r *gin.Engine, handlers *Handlers, authMiddleware *auth.AuthMiddleware, metricsHandlers *metrics.MetricsHandlers) {
	r.GET("/health", handlers.HealthCheck)
	r.GET("/metrics", metricsHandlers.GetMetrics)

	public := r.Group("/mining")
	{
		public.POST("/work", handlers.IssueWork)
		public.POST("/claim", handlers.Claim)
		public.GET("/leaderboard", handlers.Leaderboard)
		public.GET("/balance/:userId", handlers.Balance)
	}

	// Per-order endpoints need the work token of that order.
	order := r.Group("/mining")
	order.Use(authMiddleware.RequireWorkToken())
	{
		order.POST("/session", handlers.ReportSession)
		order.POST("/peer/:orderId", authMiddleware.RequireOrderParam("orderId"), handlers.PeerOffer)
		order.GET("/proof/:orderId", authMiddleware.RequireOrderParam("orderId"), handlers.GetProof)
	}

	tg := r.Group("/tg")
	{
		tg.POST("/verify", handlers.VerifyTelegram)
		tg.GET("/gifts", handlers.Gifts)
		tg.POST("/invoice", handlers.Invoice)
	}
}

// NewRouter builds the engine with the middleware chain used in
// production.
func NewRouter(handlers *Handlers, authMiddleware *auth.AuthMiddleware, sec *security.SecurityMiddleware, collector *metrics.MetricsCollector, logger *log.Entry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))
	r.Use(sec.SecurityHeadersMiddleware(), sec.CORSMiddleware(), sec.RateLimitMiddleware(), sec.InputValidationMiddleware())

	SetupRoutes(r, handlers, authMiddleware, metrics.NewMetricsHandlers(collector))
	return r
}
