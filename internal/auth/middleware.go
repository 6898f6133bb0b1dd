package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// tokenQueryParam carries the token for WebSocket upgrades, where browsers
// cannot set headers.
const tokenQueryParam = "token"

// RequireAccessToken verifies an access token and injects identity into request context.
// It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := TokenFromRequest(c.Request)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.Role)
		c.Request = c.Request.WithContext(ctx)

		// Also store on gin context for handler convenience.
		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)

		c.Next()
	}
}

// TokenFromRequest returns the bearer token, falling back to the token query
// parameter.
func TokenFromRequest(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get(authorizationHeader))
	if strings.HasPrefix(raw, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}
