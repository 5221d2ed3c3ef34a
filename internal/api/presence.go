package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PresenceControl is implemented by *presence.Monitor.
type PresenceControl interface {
	ForceOffline(ctx context.Context, userID string) error
}

type PresenceHandler struct {
	presence PresenceControl
	logger   *zap.Logger
}

func NewPresenceHandler(presence PresenceControl, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{presence: presence, logger: logger}
}

type forceOfflineRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// ForceOffline handles POST /v1/internal/presence/offline. Only service
// identities reach it (see middleware.RequireService).
func (h *PresenceHandler) ForceOffline(c *gin.Context) {
	var req forceOfflineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.presence.ForceOffline(c.Request.Context(), req.UserID); err != nil {
		respondError(c, h.logger, "force offline", err)
		return
	}
	h.logger.Info("user forced offline", zap.String("user_id", req.UserID))
	c.Status(http.StatusNoContent)
}
