package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/middleware"
	"github.com/lalith-99/hackerchat/internal/models"
	"go.uber.org/zap"
)

// UserReader is satisfied by repository.UserRepository.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

type UserHandler struct {
	users  UserReader
	logger *zap.Logger
}

func NewUserHandler(users UserReader, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, logger: logger}
}

// GetMe handles GET /v1/users/me
func (h *UserHandler) GetMe(c *gin.Context) {
	h.respond(c, middleware.GetIdentity(c).UserID)
}

// GetByID handles GET /v1/users/:id
func (h *UserHandler) GetByID(c *gin.Context) {
	h.respond(c, c.Param("id"))
}

func (h *UserHandler) respond(c *gin.Context, id string) {
	user, err := h.users.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "get user", err)
		return
	}
	if user == nil {
		respondError(c, h.logger, "get user", apperr.NotFoundf("user_not_found", "user %s not found", id))
		return
	}
	c.JSON(http.StatusOK, user)
}
