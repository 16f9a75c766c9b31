package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.co/backfill/internal/http/handler"
)

func BackfillRouter(rg *gin.RouterGroup, h *handler.BackfillHandler) {
	rg.POST("/subscriptions", h.CreateSubscription)
	rg.POST("/subscriptions/:id/backfill", h.Start)
	rg.GET("/subscriptions/:id/backfill", h.Status)
	rg.GET("/backfill/schema", h.Schema)
}
