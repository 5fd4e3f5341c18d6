package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// Context keys for operator data
	ContextKeyUsername = "auth_username"
	ContextKeyRole     = "auth_role"
	ContextKeyClaims   = "auth_claims"
)

// Middleware creates a JWT authentication middleware
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			abort(c, http.StatusUnauthorized, ErrUnauthorized, "missing or malformed authorization header")
			return
		}

		claims, err := jwtManager.ValidateAccessToken(tokenString)
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			abort(c, http.StatusUnauthorized, authErr, authErr.Message)
			return
		}

		c.Set(ContextKeyUsername, claims.Username)
		c.Set(ContextKeyRole, claims.Role)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireOperator rejects tokens without the operator role
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyRole) != RoleOperator {
			abort(c, http.StatusForbidden, ErrForbidden, "operator role required")
			return
		}
		c.Next()
	}
}

// GetUsername returns the authenticated operator, empty when auth is off
func GetUsername(c *gin.Context) string {
	return c.GetString(ContextKeyUsername)
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		// websocket clients cannot set headers
		if token := c.Query("access_token"); token != "" {
			return token, true
		}
		return "", false
	}
	return parts[1], true
}

func abort(c *gin.Context, status int, authErr AuthError, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   true,
		"code":    authErr.Code,
		"message": message,
	})
}
