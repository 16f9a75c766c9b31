package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.co/backfill/internal/http/handler"
	"basegraph.co/backfill/internal/http/middleware"
	"basegraph.co/backfill/internal/service"
)

type RouterConfig struct {
	AdminAPIKey     string
	TraceHeaderName string
}

func SetupRoutes(router *gin.Engine, services *service.Services, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	backfillHandler := handler.NewBackfillHandler(services.Backfill())

	v1 := router.Group("/api/v1")
	v1.Use(middleware.TraceHeader(cfg.TraceHeaderName))
	v1.Use(middleware.RequireAdminAPIKey(cfg.AdminAPIKey))
	{
		BackfillRouter(v1, backfillHandler)
	}
}
