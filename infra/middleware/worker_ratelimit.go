package middleware

import (
	"fmt"
	"time"

	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/ratelimit"

	"github.com/gofiber/fiber/v2"
)

// RateLimit applies limiter to each request keyed by client IP and route.
// The limiter and its store are owned by the caller, which closes them on
// shutdown.
func RateLimit(limiter *ratelimit.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP() + "|" + c.Route().Path

		decision, err := limiter.Allow(c.UserContext(), key)
		if err != nil {
			logger.WithError(err).Warn("[RateLimit] Store unavailable, allowing request")
		}

		setRateLimitHeaders(c, decision)
		if !decision.Allowed {
			retryAfter := decision.RetryAfter(time.Now())
			c.Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"error":       "rate limit exceeded",
				"code":        "RATE_LIMITED",
				"retry_after": retryAfter,
			})
		}
		return c.Next()
	}
}

func setRateLimitHeaders(c *fiber.Ctx, d ratelimit.Decision) {
	c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
	if !d.ResetAt.IsZero() {
		c.Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
	}
}
