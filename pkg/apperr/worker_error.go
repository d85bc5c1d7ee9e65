package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Auth errors
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeSignatureInvalid = "SIGNATURE_INVALID"
	CodeReauthRequired   = "REAUTH_REQUIRED"

	// Validation errors
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeBadRequest       = "BAD_REQUEST"
	CodeMissingField     = "MISSING_FIELD"

	// Resource errors
	CodeNotFound = "NOT_FOUND"
	CodeConflict = "CONFLICT"

	// External errors
	CodeOAuthFailed         = "OAUTH_FAILED"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeDatabaseError       = "DATABASE_ERROR"

	// Internal errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeRateLimited   = "RATE_LIMITED"
)

// AppError represents a structured application error
type AppError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Status    int            `json:"-"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"-"`
	Err       error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches on code so sentinel instances work with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Auth errors
func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

// Signature is returned for bad, missing or expired webhook signatures.
func Signature(message string) *AppError {
	return &AppError{
		Code:    CodeSignatureInvalid,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

// ReauthRequired marks a connected account whose credentials can no longer be refreshed.
// Never retried automatically.
func ReauthRequired(accountID string, err error) *AppError {
	return &AppError{
		Code:    CodeReauthRequired,
		Message: "re-authentication required",
		Status:  http.StatusUnauthorized,
		Details: map[string]any{"account_id": accountID},
		Err:     err,
	}
}

// Validation errors
func BadRequest(message string) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func ValidationFailed(message string) *AppError {
	return &AppError{
		Code:    CodeValidationFailed,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:    CodeValidationFailed,
		Message: fmt.Sprintf("invalid input for '%s': %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

// Resource errors
func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
		Status:  http.StatusConflict,
	}
}

// External errors
func OAuthFailed(provider string, err error) *AppError {
	return &AppError{
		Code:    CodeOAuthFailed,
		Message: fmt.Sprintf("OAuth failed for %s", provider),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

// ProviderUnavailable is a transient provider failure (network, 5xx, throttling).
func ProviderUnavailable(provider string, err error) *AppError {
	return &AppError{
		Code:      CodeProviderUnavailable,
		Message:   fmt.Sprintf("provider unavailable: %s", provider),
		Status:    http.StatusServiceUnavailable,
		Details:   map[string]any{"provider": provider},
		Retryable: true,
		Err:       err,
	}
}

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Internal errors
func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Common error instances
var (
	ErrNotFound       = NotFound("resource")
	ErrUnauthorized   = Unauthorized("")
	ErrConflict       = Conflict("resource conflict")
	ErrSignature      = Signature("invalid signature")
	ErrReauthRequired = New(CodeReauthRequired, "re-authentication required", http.StatusUnauthorized)
	ErrRateLimited    = New(CodeRateLimited, "too many requests", http.StatusTooManyRequests)
)

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsConflict(err error) bool       { return HasCode(err, CodeConflict) }
func IsReauthRequired(err error) bool { return HasCode(err, CodeReauthRequired) }
func IsValidation(err error) bool {
	return HasCode(err, CodeValidationFailed) || HasCode(err, CodeMissingField)
}

// IsRetryable reports whether err is a transient AppError.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}
