package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const callerKey = "caller_agent_id"

// apiError is the wire shape of every error response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func abortWith(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, apiError{Code: code, Message: message})
}

// requireAuth resolves the bearer token to an agent id.
func (a *api) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abortWith(c, http.StatusUnauthorized, "auth_failed", "missing bearer token")
			return
		}
		agentID, valid := a.deps.Auth.Verify(token)
		if !valid {
			abortWith(c, http.StatusUnauthorized, "auth_failed", "invalid token")
			return
		}
		c.Set(callerKey, agentID)
		c.Next()
	}
}

// requireAdmin gates mutating endpoints on the caller's admin flag. Must run
// after requireAuth.
func (a *api) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.GetString(callerKey)
		if !a.deps.Auth.IsAdmin(agentID) {
			abortWith(c, http.StatusForbidden, "forbidden", "admin privileges required")
			return
		}
		c.Next()
	}
}
