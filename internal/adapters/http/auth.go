package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "ct"

// Claims are the HS256 token claims the broker accepts. UserID becomes the
// session identity.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware assigns every browser a stable token kept in the
// cookie session and uses it as the identity.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			sess.Set(clientTokenKey, token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(signal.IdentityKey, token)
		c.Next()
	}
}

// JWTAuth binds the identity from a bearer token. Browsers cannot set headers
// on a websocket handshake, so ?token= is accepted too.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		claims, err := ParseToken(secret, raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(signal.IdentityKey, claims.UserID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && scheme == "Bearer" {
			return token
		}
		return ""
	}
	return c.Query("token")
}

func ParseToken(secret, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if err := domain.Identity(claims.UserID).Validate(); err != nil {
		return nil, fmt.Errorf("user_id: %w", err)
	}
	return claims, nil
}

// IssueToken signs an HS256 token for userID. Used by the peer CLI and tests.
func IssueToken(secret, userID string) (string, error) {
	claims := Claims{UserID: userID}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
