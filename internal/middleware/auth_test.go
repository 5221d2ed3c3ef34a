package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/auth"
)

type fakeAuthn struct {
	authenticateFn func(ctx context.Context, credential string, kind auth.ConnKind) (auth.Identity, error)
}

func (f fakeAuthn) Authenticate(ctx context.Context, credential string, kind auth.ConnKind) (auth.Identity, error) {
	return f.authenticateFn(ctx, credential, kind)
}

func newRouter(authn Authenticator, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{AuthMiddleware(authn)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})
	r.GET("/x", handlers...)
	return r
}

func TestAuthMiddleware(t *testing.T) {
	authn := fakeAuthn{authenticateFn: func(_ context.Context, cred string, kind auth.ConnKind) (auth.Identity, error) {
		switch {
		case cred == "good" && kind == auth.KindUser:
			return auth.Identity{UserID: "u1", Kind: kind}, nil
		case cred == "hook" && kind == auth.KindWebhook:
			return auth.Identity{UserID: auth.WebhookUserID, Kind: kind}, nil
		}
		return auth.Identity{}, apperr.Unauthenticatedf("nope")
	}}

	tests := []struct {
		name     string
		target   string
		header   string
		wantCode int
		wantBody string
	}{
		{"bearer header", "/x", "Bearer good", http.StatusOK, "u1"},
		{"query token", "/x?token=good", "", http.StatusOK, "u1"},
		{"webhook kind", "/x?token=hook&kind=service-webhook", "", http.StatusOK, auth.WebhookUserID},
		{"bad token", "/x", "Bearer bad", http.StatusUnauthorized, ""},
		{"malformed header", "/x", "Token good", http.StatusUnauthorized, ""},
		{"unknown kind", "/x?token=good&kind=root", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newRouter(authn).ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRequireService(t *testing.T) {
	authn := fakeAuthn{authenticateFn: func(_ context.Context, _ string, kind auth.ConnKind) (auth.Identity, error) {
		return auth.Identity{UserID: "x", Kind: kind}, nil
	}}
	r := newRouter(authn, RequireService())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?token=t", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("user identity status = %d, want 403", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?token=t&kind=service-webhook", nil))
	if w.Code != http.StatusOK {
		t.Errorf("service identity status = %d, want 200", w.Code)
	}
}
