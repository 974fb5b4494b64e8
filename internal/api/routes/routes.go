package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/applydeck/applydeck/internal/api/handlers"
	"github.com/applydeck/applydeck/internal/api/middleware"
)

type Deps struct {
	Sync   *handlers.SyncHandler
	Events *handlers.EventsHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	// Protected routes (JWT)
	sync := r.Group("/api/sync")
	sync.Use(middleware.JWTAuth())

	sync.POST("/push", d.Sync.Push)
	sync.POST("/pull", d.Sync.Pull)
	sync.POST("/full", d.Sync.Full)
	sync.GET("/status", d.Sync.Status)
	sync.POST("/reset", d.Sync.Reset)
	sync.GET("/export", d.Sync.Export)
	sync.POST("/import", d.Sync.Import)

	// WebSocket change events
	sync.GET("/events", d.Events.Events)
}
