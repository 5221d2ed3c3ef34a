package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/auth"
)

// ContextKeyIdentity is where AuthMiddleware stores the auth.Identity in
// the gin context. Handlers read it back through GetIdentity rather than
// c.Get, so a typo in the key cannot compile.
const ContextKeyIdentity = "identity"

// Authenticator is implemented by *auth.Gateway.
//
// The middleware takes the interface instead of a JWT secret because a
// credential is not always a JWT: service-webhook connections present a
// shared secret. Tests pass a map-backed fake.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string, kind auth.ConnKind) (auth.Identity, error)
}

// BearerToken returns the credential from "Authorization: Bearer <token>"
// or, for websocket upgrades where browsers cannot set headers, the
// token query parameter.
func BearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("token")
}

// AuthMiddleware returns a gin middleware that authenticates the caller.
//
// How it runs:
//   - It runs BEFORE the handler (channel history, /ws upgrade, etc.).
//   - The connection kind comes from the X-Connection-Kind header or the
//     kind query parameter and defaults to user.
//   - On failure it aborts with the status apperr maps the error to
//     (401 for a bad credential, 400 for an unknown kind). The handler
//     never runs.
//   - On success it stores the Identity under ContextKeyIdentity and
//     calls c.Next().
func AuthMiddleware(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Step 1: which kind of connection is this?
		kindRaw := c.GetHeader("X-Connection-Kind")
		if kindRaw == "" {
			kindRaw = c.Query("kind")
		}
		kind, err := auth.ParseConnKind(kindRaw)

		// Step 2: verify the credential for that kind.
		if err == nil {
			var id auth.Identity
			id, err = authn.Authenticate(c.Request.Context(), BearerToken(c), kind)
			if err == nil {
				c.Set(ContextKeyIdentity, id)
				c.Next()
				return
			}
		}

		ae := apperr.As(err)
		c.AbortWithStatusJSON(apperr.HTTPStatus(ae.Kind), gin.H{
			"error": apperr.Public(err),
		})
	}
}

// RequireService rejects identities that are not service-webhook
// connections. It must run after AuthMiddleware; without an identity in
// the context every request is refused.
func RequireService() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetIdentity(c).IsService() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "service credentials required",
			})
			return
		}
		c.Next()
	}
}

// GetIdentity returns the authenticated caller, or the zero Identity when
// the route is not behind AuthMiddleware.
func GetIdentity(c *gin.Context) auth.Identity {
	val, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return auth.Identity{}
	}
	id, ok := val.(auth.Identity)
	if !ok {
		return auth.Identity{}
	}
	return id
}

func GetUserID(c *gin.Context) string {
	return GetIdentity(c).UserID
}
