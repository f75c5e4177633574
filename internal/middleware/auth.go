package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"miniquant/internal/auth"
	"miniquant/internal/errors"
)

// JWTAuth requires a valid bearer access token. The websocket handshake may
// pass the token as the access_token query parameter instead.
func JWTAuth(manager *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			token = c.Query("access_token")
		}
		if token == "" {
			handleError(c, errors.NewAppError(errors.ErrCodeUnauthorized, "Authorization token required", nil))
			return
		}

		claims, err := manager.ValidateToken(token)
		if err != nil {
			handleError(c, errors.NewAppError(errors.ErrCodeUnauthorized, "Invalid or expired token", err))
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}
