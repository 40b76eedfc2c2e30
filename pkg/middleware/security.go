// Package middleware provides gin middleware guarding webhook endpoints
// with IP allowlisting and per-source rate limiting.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smartramana/hookmesh/pkg/observability"
	"github.com/smartramana/hookmesh/pkg/security/allowlist"
	"github.com/smartramana/hookmesh/pkg/security/ratelimit"
)

// SecurityConfig scopes the guards to a path prefix
type SecurityConfig struct {
	// PathPrefix limits enforcement to matching request paths. Empty
	// means every path.
	PathPrefix string

	// Allowlist filters source IPs when non-nil and non-empty
	Allowlist *allowlist.Allowlist

	// Limiter throttles per source IP when non-nil
	Limiter *ratelimit.Limiter
}

// Security returns middleware that rejects disallowed sources with 403
// and throttled sources with 429. The allowlist runs first so blocked
// sources never consume rate-limit budget.
func Security(cfg SecurityConfig, logger observability.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = observability.NewLogger("middleware.security")
	}
	return func(c *gin.Context) {
		if cfg.PathPrefix != "" && !strings.HasPrefix(c.Request.URL.Path, cfg.PathPrefix) {
			c.Next()
			return
		}
		ip := c.ClientIP()

		if cfg.Allowlist != nil && cfg.Allowlist.Len() > 0 && !cfg.Allowlist.IsAllowed(ip) {
			logger.Warn("Request blocked by IP allowlist", map[string]interface{}{
				"ip":   ip,
				"path": c.Request.URL.Path,
			})
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "source address not allowed",
			})
			return
		}

		if cfg.Limiter != nil {
			ctx := c.Request.Context()
			if cfg.Limiter.IsRateLimited(ctx, ip) {
				retryAfter := int64(cfg.Limiter.Window() / time.Second)
				if reset := cfg.Limiter.ResetTime(ctx, ip); reset != nil {
					if secs := int64(time.Until(*reset) / time.Second); secs >= 0 {
						retryAfter = secs + 1
					}
				}
				logger.Warn("Request rate limited", map[string]interface{}{
					"ip":   ip,
					"path": c.Request.URL.Path,
				})
				c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error": "rate limit exceeded",
				})
				return
			}
			cfg.Limiter.AddRequest(ctx, ip)

			c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Limiter.Limit()))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(cfg.Limiter.Remaining(ctx, ip)))
			if reset := cfg.Limiter.ResetTime(ctx, ip); reset != nil {
				c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			}
		}
		c.Next()
	}
}
