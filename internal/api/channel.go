package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hackerchat/internal/middleware"
	"github.com/lalith-99/hackerchat/internal/models"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// ChatReader is the read side of the chat service. *service.Service
// implements it.
type ChatReader interface {
	Channels(ctx context.Context, userID string) ([]models.Channel, error)
	History(ctx context.Context, userID, channelID string, before time.Time, limit int) ([]models.Message, error)
}

type ChannelHandler struct {
	chat   ChatReader
	logger *zap.Logger
}

func NewChannelHandler(chat ChatReader, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{chat: chat, logger: logger}
}

// List handles GET /v1/channels
func (h *ChannelHandler) List(c *gin.Context) {
	channels, err := h.chat.Channels(c.Request.Context(), middleware.GetIdentity(c).UserID)
	if err != nil {
		respondError(c, h.logger, "list channels", err)
		return
	}
	if channels == nil {
		channels = []models.Channel{}
	}
	c.JSON(http.StatusOK, channels)
}

// Messages handles GET /v1/channels/:id/messages?before=<RFC3339>&limit=50
//
// Pagination is by creation time: before is the createdAt of the oldest
// message the client already has. Missing before starts from the newest.
func (h *ChannelHandler) Messages(c *gin.Context) {
	var before time.Time
	if b := c.Query("before"); b != "" {
		var err error
		before, err = time.Parse(time.RFC3339Nano, b)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'before' parameter"})
			return
		}
	}

	limit := defaultPageSize
	if l := c.Query("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		limit = min(limit, maxPageSize)
	}

	msgs, err := h.chat.History(c.Request.Context(), middleware.GetIdentity(c).UserID, c.Param("id"), before, limit)
	if err != nil {
		respondError(c, h.logger, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}
