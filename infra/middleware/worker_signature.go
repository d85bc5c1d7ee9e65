package middleware

import (
	"mailsync_server/core/service/signature"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"

	"github.com/gofiber/fiber/v2"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// VerifySignature rejects requests whose raw body does not carry a valid,
// fresh HMAC signature. It runs before any handler parses the body.
func VerifySignature(v *signature.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := v.Verify(c.Body(), c.Get(HeaderSignature), c.Get(HeaderTimestamp)); err != nil {
			logger.WithFields(map[string]any{
				"path": c.Path(),
				"ip":   c.IP(),
			}).Warn("[VerifySignature] Rejected webhook: %v", err)
			metrics.Inc(metrics.SignatureRejected)
			return err
		}
		return c.Next()
	}
}
