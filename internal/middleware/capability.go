package middleware

import (
	"net/http"
	"strings"

	"jackdisk/internal/pkg/jwt"
	"jackdisk/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

// RequireCapability admits requests bearing a valid token with the given scope
// and stores the token subject under "subject".
func RequireCapability(jwtService *jwt.Service, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Abort(c, http.StatusUnauthorized, "AUTH_HEADER_MISSING", "Authorization header is required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			response.Abort(c, http.StatusUnauthorized, "INVALID_AUTH_FORMAT", "Authorization header must be 'Bearer <token>'")
			return
		}

		claims, err := jwtService.ValidateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			response.Abort(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
			return
		}

		if claims.Scope != scope {
			response.Abort(c, http.StatusForbidden, "FORBIDDEN", "Token does not grant "+scope+" access")
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("scope", claims.Scope)
		c.Next()
	}
}
