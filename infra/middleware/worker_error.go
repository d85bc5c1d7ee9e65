// Package middleware holds the fiber middleware shared by all routes.
package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// ProviderRetryAfter is advertised on retryable errors so webhook senders
// and API clients back off while a provider is unavailable.
const ProviderRetryAfter = 30 * time.Second

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

var statusCodes = map[int]string{
	fiber.StatusBadRequest:            apperr.CodeBadRequest,
	fiber.StatusUnauthorized:          apperr.CodeUnauthorized,
	fiber.StatusForbidden:             "FORBIDDEN",
	fiber.StatusNotFound:              apperr.CodeNotFound,
	fiber.StatusMethodNotAllowed:      "METHOD_NOT_ALLOWED",
	fiber.StatusConflict:              apperr.CodeConflict,
	fiber.StatusRequestEntityTooLarge: "PAYLOAD_TOO_LARGE",
	fiber.StatusUnsupportedMediaType:  apperr.CodeBadRequest,
	fiber.StatusTooManyRequests:       apperr.CodeRateLimited,
	fiber.StatusInternalServerError:   apperr.CodeInternalError,
	fiber.StatusBadGateway:            apperr.CodeProviderUnavailable,
	fiber.StatusServiceUnavailable:    apperr.CodeProviderUnavailable,
	fiber.StatusGatewayTimeout:        apperr.CodeProviderUnavailable,
}

func codeForStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return "UNKNOWN_ERROR"
}

func writeError(c *fiber.Ctx, status int, detail ErrorDetail) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(ErrorResponse{
		Success:   false,
		Error:     detail,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ErrorHandler turns handler errors into ErrorResponse bodies. AppErrors
// keep their code and status, fiber errors are mapped by status, and
// anything else is reported as an opaque 500.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)
		log := logger.WithField("request_id", requestID)

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) && !apperr.IsAppError(err) {
			return writeError(c, fiberErr.Code, ErrorDetail{
				Code:    codeForStatus(fiberErr.Code),
				Message: fiberErr.Message,
			})
		}

		if !apperr.IsAppError(err) {
			log.WithError(err).Error("Unexpected error: %s %s", c.Method(), c.Path())
			return writeError(c, fiber.StatusInternalServerError, ErrorDetail{
				Code:    apperr.CodeInternalError,
				Message: "An unexpected error occurred",
			})
		}

		appErr := apperr.AsAppError(err)
		status := appErr.HTTPStatus()
		log = log.WithField("error_code", appErr.Code).WithError(appErr.Err)
		if status >= fiber.StatusInternalServerError {
			log.Error("Request failed: %s", appErr.Message)
		} else {
			log.Warn("Request rejected: %s", appErr.Message)
		}

		if appErr.Retryable && c.GetRespHeader(fiber.HeaderRetryAfter) == "" {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ProviderRetryAfter.Seconds())))
		}
		return writeError(c, status, ErrorDetail{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		})
	}
}

// RequestID reuses an inbound X-Request-ID or mints one, and threads it
// into the user context for downstream loggers.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get(fiber.HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Locals("request_id", requestID)
		c.Set(fiber.HeaderXRequestID, requestID)
		c.SetUserContext(logger.ContextWithRequestID(c.UserContext(), requestID))
		return c.Next()
	}
}

// RequestLogger logs one line per request with the final status.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		if err := c.Next(); err != nil {
			// Let the error handler write the response so the logged status is final.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		log := logger.WithContext(c.UserContext()).
			WithDuration(time.Since(start)).
			WithFields(map[string]any{
				"method": c.Method(),
				"path":   c.Path(),
				"status": status,
				"ip":     c.IP(),
			})
		if userID, ok := c.Locals("user_id").(string); ok && userID != "" {
			log = log.WithField("user_id", userID)
		}

		switch {
		case status >= 500:
			log.Error("%s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("%s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Info("%s %s -> %d", c.Method(), c.Path(), status)
		}
		return nil
	}
}

// Recover converts a handler panic into a 500 response.
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithContext(c.UserContext()).WithFields(map[string]any{
					"panic":  fmt.Sprint(r),
					"path":   c.Path(),
					"method": c.Method(),
					"stack":  string(debug.Stack()),
				}).Error("Panic recovered")

				err = writeError(c, fiber.StatusInternalServerError, ErrorDetail{
					Code:    apperr.CodeInternalError,
					Message: "An unexpected error occurred",
				})
			}
		}()
		return c.Next()
	}
}
