package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload inside every user token.
//
// Tokens are issued by the identity provider when a user signs in. The
// gateway reads them back on every websocket upgrade and HTTP request,
// which is how the server learns WHO is connecting and what to show as
// their name and avatar without a separate profile call.
//
// Why embed jwt.RegisteredClaims?
//   - Subject carries the user id, the standard place for it.
//   - ExpiresAt, IssuedAt, Issuer and Audience are validated by the jwt
//     library itself, so ParseToken only checks what is ours.
//   - Name and Picture ride on top and refresh the stored profile.
type Claims struct {
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed HS256 token for userID.
//
// Parameters:
//   - userID, name, picture: who this token represents.
//   - audience: the aud claim; empty leaves it unset.
//   - secret: the HMAC key (config.JWTSecret).
//   - ttl: how long until the token expires.
//
// The identity provider normally issues user tokens. The server only mints
// them itself for bots (cmd/create-bot) and tests, so the signing side
// stays symmetric: whoever holds JWT_SECRET can issue.
func GenerateToken(userID, name, picture, audience, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		Name:    name,
		Picture: picture,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
			// ParseToken requires an expiry; a token without one is
			// rejected, so every minted token carries it.
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "hackerchat",
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// ParseToken validates a token string and extracts the claims.
//
// It verifies:
//  1. The signature matches secret and the algorithm is HS256. Tokens
//     signed with "none" or an asymmetric key never reach the key callback.
//  2. The token carries an expiry and it is in the future.
//  3. The aud claim names audience, when audience is configured.
//  4. The subject (the user id) is present.
//
// Returns the Claims if valid, or an error describing what is wrong.
func ParseToken(tokenString, secret, audience string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			return []byte(secret), nil
		},
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	// Type-assert the claims back to our custom Claims type.
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}
