package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ConnKind says how a connection authenticates.
type ConnKind string

const (
	KindUser    ConnKind = "user"
	KindWebhook ConnKind = "service-webhook"
)

// The synthetic identity every service-webhook connection maps to.
const (
	WebhookUserID = "bot_webhook"
	WebhookName   = "Webhook Bot"
)

func ParseConnKind(s string) (ConnKind, error) {
	switch ConnKind(s) {
	case "", KindUser:
		return KindUser, nil
	case KindWebhook:
		return KindWebhook, nil
	}
	return "", apperr.Unauthenticatedf("unknown connection kind %q", s)
}

// Identity is an authenticated principal.
type Identity struct {
	UserID      string   `json:"userId"`
	DisplayName string   `json:"displayName"`
	Avatar      string   `json:"avatar,omitempty"`
	Kind        ConnKind `json:"kind"`
}

func (id Identity) IsService() bool { return id.Kind == KindWebhook }

// ProfileStore is the slice of the user repository the gateway needs.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, id, name, avatar string) (*models.User, error)
}

type GatewayConfig struct {
	JWTSecret         string
	JWTAudience       string
	WebhookSecret     string
	WebhookSecretHash string
}

// Gateway turns a bearer credential into an Identity. Every failure is an
// apperr Unauthenticated error and is never retried.
type Gateway struct {
	cfg      GatewayConfig
	profiles ProfileStore
	logger   *zap.Logger
}

func NewGateway(cfg GatewayConfig, profiles ProfileStore, logger *zap.Logger) *Gateway {
	return &Gateway{cfg: cfg, profiles: profiles, logger: logger}
}

func (g *Gateway) Authenticate(ctx context.Context, credential string, kind ConnKind) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, apperr.Unauthenticatedf("missing credential")
	}

	switch kind {
	case KindWebhook:
		return g.authenticateWebhook(credential)
	case KindUser, "":
		return g.authenticateUser(ctx, credential)
	}
	return Identity{}, apperr.Unauthenticatedf("unknown connection kind %q", kind)
}

func (g *Gateway) authenticateWebhook(credential string) (Identity, error) {
	switch {
	case g.cfg.WebhookSecretHash != "":
		if err := bcrypt.CompareHashAndPassword([]byte(g.cfg.WebhookSecretHash), []byte(credential)); err != nil {
			return Identity{}, apperr.Unauthenticatedf("invalid webhook secret")
		}
	case g.cfg.WebhookSecret != "":
		if subtle.ConstantTimeCompare([]byte(g.cfg.WebhookSecret), []byte(credential)) != 1 {
			return Identity{}, apperr.Unauthenticatedf("invalid webhook secret")
		}
	default:
		return Identity{}, apperr.Unauthenticatedf("webhook connections are disabled")
	}
	return Identity{UserID: WebhookUserID, DisplayName: WebhookName, Kind: KindWebhook}, nil
}

func (g *Gateway) authenticateUser(ctx context.Context, credential string) (Identity, error) {
	claims, err := ParseToken(credential, g.cfg.JWTSecret, g.cfg.JWTAudience)
	if err != nil {
		g.logger.Debug("token rejected", zap.Error(err))
		return Identity{}, apperr.Unauthenticatedf("invalid or expired token")
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	user, err := g.profiles.UpsertProfile(ctx, claims.Subject, name, claims.Picture)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.Internal, err, "upsert profile")
	}
	return Identity{
		UserID:      user.ID,
		DisplayName: user.Name,
		Avatar:      user.Avatar,
		Kind:        KindUser,
	}, nil
}

const botPrefix = "bot_"

// IsBot reports whether userID belongs to a provisioned bot.
func IsBot(userID string) bool { return strings.HasPrefix(userID, botPrefix) }

// BotID derives the stable id of a bot user from its display name, e.g.
// "Release Notes" -> "bot_release_notes".
func BotID(name string) string {
	var b strings.Builder
	b.WriteString(botPrefix)
	underscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}
