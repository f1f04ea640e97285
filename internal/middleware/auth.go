package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/consult-api/internal/handler"
	"github.com/jwalitptl/consult-api/pkg/auth"
)

const (
	ContextUserID = "userID"
	ContextRole   = "role"
)

type AuthMiddleware struct {
	jwtService auth.JWTService
	claims     *cache.Cache
}

func NewAuthMiddleware(jwtService auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
		claims:     cache.New(5*time.Minute, 10*time.Minute),
	}
}

// Authenticate verifies the JWT and sets the caller's identity in context.
// Websocket clients cannot set headers from the browser, so a "token" query
// parameter is accepted as a fallback.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing credentials"))
			c.Abort()
			return
		}

		claims, err := m.validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("invalid token"))
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

func (m *AuthMiddleware) validate(token string) (*auth.Claims, error) {
	if cached, ok := m.claims.Get(token); ok {
		return cached.(*auth.Claims), nil
	}

	claims, err := m.jwtService.ValidateToken(token)
	if err != nil {
		return nil, err
	}

	ttl := cache.DefaultExpiration
	if claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time); remaining < 5*time.Minute {
			ttl = remaining
		}
	}
	m.claims.Set(token, claims, ttl)
	return claims, nil
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}
