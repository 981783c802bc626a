// Package security provides security middleware for the gateway.
package security

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds baseline security headers. Proxied upstream
// responses may overwrite them when relayed.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// Headers agents send and read across origins.
var (
	corsAllowHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", "X-Admin-Secret",
		"X-Agent-Wallet", "X-Agent-Signature", "X-Agent-Timestamp", "X-Validator-Txid",
		"Payment-Signature",
	}
	corsExposeHeaders = []string{
		"Content-Length", "X-Request-ID", "X-Gateway-Latency-Ms",
		"Payment-Required", "Payment-Response",
	}
)

// CORSMiddleware handles CORS for the gateway. A "*" entry (or an empty
// list) allows any origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:  corsAllowHeaders,
		ExposeHeaders: corsExposeHeaders,
		MaxAge:        24 * time.Hour,
	}

	wildcard := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		}
	}
	if wildcard {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}

	return cors.New(cfg)
}
