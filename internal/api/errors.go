package api

import (
	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hackerchat/internal/apperr"
	"go.uber.org/zap"
)

// respondError maps err to a status and a client safe message. Internal
// failures are logged with what, the operation that failed.
func respondError(c *gin.Context, logger *zap.Logger, what string, err error) {
	ae := apperr.As(err)
	if ae.Kind == apperr.Internal {
		logger.Error("failed to "+what, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(apperr.HTTPStatus(ae.Kind), gin.H{"error": "failed to " + what})
		return
	}
	c.JSON(apperr.HTTPStatus(ae.Kind), gin.H{"error": ae.Message, "code": ae.Code})
}
