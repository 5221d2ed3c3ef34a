package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hackerchat/internal/middleware"
)

// Handlers groups everything Register mounts.
type Handlers struct {
	Channels *ChannelHandler
	Users    *UserHandler
	Presence *PresenceHandler

	// Checks back /v1/ready, keyed by dependency name.
	Checks map[string]func(context.Context) error
}

// Register mounts the public health check and the authenticated /v1 API
// on r.
func Register(r gin.IRouter, authn middleware.Authenticator, h Handlers) {
	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/v1/ready", readiness(h.Checks))

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(authn))
	v1.GET("/channels", h.Channels.List)
	v1.GET("/channels/:id/messages", h.Channels.Messages)
	v1.GET("/users/me", h.Users.GetMe)
	v1.GET("/users/:id", h.Users.GetByID)

	internal := v1.Group("/internal", middleware.RequireService())
	internal.POST("/presence/offline", h.Presence.ForceOffline)
}

func readiness(checks map[string]func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		results := gin.H{}
		for name, check := range checks {
			if err := check(c.Request.Context()); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		c.JSON(status, gin.H{"checks": results})
	}
}
