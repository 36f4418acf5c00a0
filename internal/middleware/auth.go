// Package middleware implements the cross-cutting gin concerns: bearer
// authentication, structured request logging, CORS, and panic recovery,
// grounded on the teacher's internal/handlers/middleware.go and
// libs/go/middleware packages.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/talkline/callengine/internal/apperr"
)

const contextUserIDKey = "userID"

// ParticipantClaims is the signed payload a participant bearer credential
// carries — just enough to identify the caller across the HTTP and
// realtime surfaces.
type ParticipantClaims struct {
	UserID uuid.UUID `json:"uid"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies short-lived participant bearer
// credentials (spec §6: "a short-lived bearer credential carried in the
// query string at attach"), the same HS256-over-golang-jwt pattern
// internal/mediatoken uses for media credentials, applied here to
// engine-facing auth instead of the media transport.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds a TokenIssuer over a shared HMAC secret.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a bearer credential for userID.
func (i *TokenIssuer) Issue(userID uuid.UUID) (string, error) {
	now := time.Now()
	claims := ParticipantClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			Subject:   userID.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses and validates a bearer credential, returning the caller's
// user id.
func (i *TokenIssuer) Verify(raw string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(raw, &ParticipantClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, apperr.Authorization("invalid or expired bearer credential")
	}
	claims, ok := token.Claims.(*ParticipantClaims)
	if !ok {
		return uuid.Nil, apperr.Authorization("invalid bearer credential claims")
	}
	return claims.UserID, nil
}

// RequireAuth is a gin middleware that validates the Authorization
// header's bearer credential and sets the caller's user id in the
// request context, the way the teacher strips "Bearer " and validates
// against a configured secret before calling c.Next().
func RequireAuth(issuer *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer credential"})
			c.Abort()
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		userID, err := issuer.Verify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer credential"})
			c.Abort()
			return
		}

		c.Set(contextUserIDKey, userID)
		c.Next()
	}
}

// UserID reads the authenticated caller's id set by RequireAuth.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(contextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
