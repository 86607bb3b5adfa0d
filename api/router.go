package api

import (
	"medcompress/config"
	"medcompress/orchestrator"

	"github.com/gin-gonic/gin"
)

func SetupRouter(orch *orchestrator.Orchestrator, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(orch, cfg)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/availability", h.handleCheckAvailability)

		v1.POST("/compressions", h.handleCreateCompression)
		v1.GET("/compressions", h.handleListCompressions)
		v1.GET("/compressions/:id", h.handleGetCompression)
		v1.PATCH("/compressions/:id/cancel", h.handleCancelCompression)

		v1.POST("/bypass", h.handleActivateBypass)
		v1.DELETE("/bypass", h.handleResetBypass)

		v1.GET("/status", h.handleStatus)
		v1.GET("/metrics", h.handleMetrics)

		v1.GET("/events", h.handleEvents)
		v1.GET("/events/:id", h.handleJobEvents)
	}
	return r
}
