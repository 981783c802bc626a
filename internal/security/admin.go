package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/x402gate/internal/respond"
)

// AdminHeader carries the management API secret.
const AdminHeader = "X-Admin-Secret"

// RequireAdmin guards management routes with a shared secret.
// An empty secret leaves the routes open; config validation refuses
// that combination in production.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(AdminHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			respond.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "valid "+AdminHeader+" header required", nil)
			return
		}
		c.Next()
	}
}
