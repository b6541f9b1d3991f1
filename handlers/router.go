package handlers

import (
	"net/http"

	"report-signal-service/config"
	"report-signal-service/middleware"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter registers every route on a new engine
func SetupRouter(h *Handlers, cfg *config.Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(middleware.RequestLogger())

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, "+
			middleware.AdminTokenHeader+", "+middleware.ReviewerIDHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.POST("/reports", middleware.RateLimitMiddleware(cfg.HTTPRatePerMinute, cfg.HTTPRateBurst), h.SubmitReport)
		api.GET("/issues.geojson", h.IssuesGeoJSON)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.ReviewerAuth(cfg.AdminToken, cfg.JWTSecret))
	{
		admin.GET("/reports", h.ListReports)
		admin.GET("/reports/:id", h.GetReport)
		admin.POST("/reports/:id/status", h.ChangeStatus)
		admin.POST("/reports/:id/notes", h.AddNote)
		admin.POST("/reports/:id/category", h.OverrideCategory)
		admin.POST("/reports/:id/confidence/upgrade", h.UpgradeConfidence)
		admin.POST("/reports/:id/escalate", h.Escalate)
		admin.POST("/reports/:id/dismiss", h.DismissEscalation)
		admin.POST("/reports/:id/priority", h.RecalculatePriority)
		admin.GET("/escalations", h.EscalationCandidates)

		admin.GET("/issues", h.ListIssues)
		admin.GET("/issues/:id", h.GetIssue)
		admin.POST("/issues/:id/recalculate", h.RecalculateIssue)

		admin.POST("/recalculate/priority", h.RecalculateAllPriorities)
		admin.POST("/recalculate/issues", h.RecalculateAllIssues)
		admin.POST("/aggregation/run", h.RunAggregation)
	}

	return router
}
