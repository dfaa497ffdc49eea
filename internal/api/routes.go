package api

import (
	"github.com/gin-gonic/gin"

	"github.com/jmdall/fileswap/internal/api/handlers"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Retry-After")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// Guards are the auth middlewares wired in front of the routes. A nil
// Creator leaves session creation open.
type Guards struct {
	Session gin.HandlerFunc
	Creator gin.HandlerFunc
}

func RegisterRoutes(r *gin.Engine, h *handlers.Handler, g Guards) {
	r.Use(corsMiddleware())

	r.GET("/ws", g.Session, h.Socket)

	api := r.Group("/api")
	{
		api.GET("/health", h.HealthCheck)

		create := []gin.HandlerFunc{h.CreateSession}
		if g.Creator != nil {
			create = append([]gin.HandlerFunc{g.Creator}, create...)
		}
		api.POST("/sessions", create...)
		api.POST("/sessions/:sessionId/join", h.Join)

		session := api.Group("/sessions/:sessionId", g.Session)
		session.GET("/status", h.Status)
		session.POST("/accept", h.Accept)
		session.POST("/reject", h.Reject)

		uploads := api.Group("/uploads")
		uploads.GET("/download/:fileId", h.Download) // grant in ?token=
		uploads.POST("/presign", g.Session, h.Presign)
		uploads.POST("/complete", g.Session, h.Complete)
		uploads.DELETE("/:fileId", g.Session, h.Discard)
	}
}
