package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheRebzu/ecodeli-sub018/internal/handlers"
	"github.com/TheRebzu/ecodeli-sub018/internal/service"
	"github.com/TheRebzu/ecodeli-sub018/internal/telemetry"
)

func NewRouter(manager *service.Manager) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "escrow-engine"})
	})

	// Escrow routes
	escrowHandler := handlers.NewEscrowHandler(manager)
	r.POST("/escrow", escrowHandler.Initiate)
	r.GET("/escrow/:id", escrowHandler.Get)
	r.GET("/escrow/:id/events", escrowHandler.History)
	r.POST("/escrow/:id/capture", escrowHandler.Capture)
	r.POST("/escrow/:id/release", escrowHandler.Release)
	r.POST("/escrow/:id/refund", escrowHandler.Refund)
	r.POST("/escrow/:id/dispute", escrowHandler.Dispute)
	r.POST("/escrow/:id/cancel", escrowHandler.Cancel)

	return r
}
