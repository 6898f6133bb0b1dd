package rbac

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"call-insights/internal/auth"
)

// RequireAnyRole allows access if the caller has any of the provided roles.
// Rules:
//   - admin bypasses all checks
//   - unknown roles are always denied
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}

		if IsAdmin(role) {
			c.Next()
			return
		}

		if !IsKnownRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireAdmin is RequireAnyRole(RoleAdmin).
func RequireAdmin() gin.HandlerFunc { return RequireAnyRole(RoleAdmin) }
