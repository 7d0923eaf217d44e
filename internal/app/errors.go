package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"nextcrm/api/internal/ai"
	"nextcrm/api/internal/archive"
	"nextcrm/api/internal/auth"
	"nextcrm/api/internal/authpw"
	"nextcrm/api/internal/export"
	"nextcrm/api/internal/rbac"
	"nextcrm/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	// RetryAfter is sent as a Retry-After header on 429 responses.
	RetryAfter time.Duration
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// FieldError names one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func validationError(message string, fields ...FieldError) *DomainError {
	var details any
	if len(fields) > 0 {
		details = fields
	}
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, details)
}

func fieldRequired(field string) *DomainError {
	return validationError(field+" is required", FieldError{Field: field, Message: "required"})
}

func unauthorizedError() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
}

// forbiddenError carries a fixed message so that a denial never says which
// rule failed.
func forbiddenError() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func notFoundError(entity string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", entity+" not found", nil)
}

func conflictError(code, message string) *DomainError {
	return domainError(http.StatusConflict, code, message, nil)
}

func rateLimitedError(retryAfter time.Duration) *DomainError {
	err := domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
	err.RetryAfter = retryAfter
	return err
}

func unavailableError(code, message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, code, message, nil)
}

func upstreamError(err error) *DomainError {
	switch {
	case errors.Is(err, ai.ErrNotConfigured):
		return domainError(http.StatusBadRequest, "AI_NOT_CONFIGURED", "No OpenAI API key is configured", nil)
	case errors.Is(err, ai.ErrEmptyPrompt):
		return fieldRequired("prompt")
	case errors.Is(err, ai.ErrQuota):
		return domainError(http.StatusPaymentRequired, "AI_QUOTA_EXCEEDED", "The AI provider quota is exhausted", nil)
	case errors.Is(err, ai.ErrRateLimited):
		return domainError(http.StatusTooManyRequests, "AI_RATE_LIMITED", "The AI provider is rate limiting requests", nil)
	case errors.Is(err, ai.ErrUpstreamAuth):
		return domainError(http.StatusInternalServerError, "AI_AUTH_FAILED", "The AI provider rejected the configured key", nil)
	case errors.Is(err, ai.ErrUnavailable):
		return unavailableError("AI_UNAVAILABLE", "The AI provider is unavailable")
	}
	return nil
}

// mapError turns any error from the service layer into the response taxonomy.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if mapped := upstreamError(err); mapped != nil {
		return mapped.Status, mapped.Code, mapped.Message, mapped.Details
	}

	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "The record was changed by someone else; reload and retry", nil
	case errors.Is(err, store.ErrLastAdmin), errors.Is(err, rbac.ErrLastAdmin):
		return http.StatusConflict, "LAST_ADMIN", "At least one active admin must remain", nil
	case errors.Is(err, rbac.ErrSelfDelete):
		return http.StatusBadRequest, "SELF_DELETE", "You cannot delete your own account", nil
	case errors.Is(err, rbac.ErrNotAdmin):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, store.ErrInvalidParent):
		return http.StatusBadRequest, "INVALID_PARENT", "Task kind does not match its parent", nil
	case store.IsUniqueViolation(err):
		return http.StatusConflict, "CONFLICT", "A record with the same unique value already exists", map[string]string{"constraint": store.ConstraintName(err)}
	case store.IsForeignKeyViolation(err):
		return http.StatusBadRequest, "INVALID_REFERENCE", "A referenced record does not exist", map[string]string{"constraint": store.ConstraintName(err)}
	case store.IsCheckViolation(err):
		return http.StatusBadRequest, "VALIDATION_ERROR", "A field has an unsupported value", map[string]string{"constraint": store.ConstraintName(err)}
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, export.ErrIncompleteInvoice):
		return http.StatusBadRequest, "INVOICE_INCOMPLETE", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available on this server", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "The operation timed out", nil
	case isConnectionError(err):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "A backing service is unavailable", nil
	}

	if status, code, message, ok := mapAuthError(err); ok {
		return status, code, message, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func mapAuthError(err error) (int, string, string, bool) {
	switch {
	case errors.Is(err, authpw.ErrMissingFields):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), true
	case errors.Is(err, authpw.ErrInvalidEmail):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), true
	case errors.Is(err, authpw.ErrWeakPassword):
		return http.StatusBadRequest, "WEAK_PASSWORD", err.Error(), true
	case errors.Is(err, authpw.ErrEmailExists):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", true
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", true
	case errors.Is(err, authpw.ErrAccountPending):
		return http.StatusForbidden, "ACCOUNT_PENDING", "Your account is waiting for admin approval", true
	case errors.Is(err, authpw.ErrAccountInactive):
		return http.StatusForbidden, "ACCOUNT_INACTIVE", "Your account is inactive", true
	case errors.Is(err, authpw.ErrInvalidResetToken):
		return http.StatusBadRequest, "INVALID_RESET_TOKEN", "Invalid or expired reset token", true
	}
	return 0, "", "", false
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, sql.ErrConnDone)
}
