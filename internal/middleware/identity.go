package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderUserID carries the authenticated customer id, set by the upstream
// auth proxy.
const HeaderUserID = "X-User-ID"

const ctxUserID = "user_id"

// RequireUser rejects requests without a caller identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "missing user identity"})
			return
		}
		c.Set(ctxUserID, id)
		c.Next()
	}
}

// UserID returns the identity set by RequireUser, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
