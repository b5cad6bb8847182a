// Package errors defines the typed error taxonomy shared by the credential
// and queue core. Callers branch on error types, not messages: configuration
// and decryption errors always propagate, reauthorization errors send the
// caller back through the authorization flow, and the transient types are the
// only ones the retry machinery is allowed to act on.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the category of an error
type ErrorType string

const (
	// ErrTypeConfig represents bad or missing configuration, fatal at startup
	ErrTypeConfig ErrorType = "config"
	// ErrTypeDecryption represents corrupted or tampered stored ciphertext
	ErrTypeDecryption ErrorType = "decryption"
	// ErrTypeReauth signals that the subject must re-authorize with the provider
	ErrTypeReauth ErrorType = "reauthorization_required"
	// ErrTypeRateLimit represents upstream rate or quota exhaustion (transient)
	ErrTypeRateLimit ErrorType = "rate_limit"
	// ErrTypeUnavailable represents upstream 5xx responses (transient)
	ErrTypeUnavailable ErrorType = "unavailable"
	// ErrTypeTimeout represents bounded-wait expiry on an upstream call (transient)
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeConnection represents network-level failures (transient)
	ErrTypeConnection ErrorType = "connection"
	// ErrTypePermanent represents upstream rejections that retrying cannot fix
	ErrTypePermanent ErrorType = "permanent"
	// ErrTypeAuth represents authentication failures against the upstream
	ErrTypeAuth ErrorType = "authentication"
	// ErrTypeValidation represents invalid input from a caller
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeNotFound represents a missing resource
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError is a structured application error carrying a type, an optional
// machine-readable code (e.g. the provider's error code), and a cause chain.
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds a machine-readable error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// ConfigError creates a configuration error. These are fatal at startup.
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// DecryptionError creates a decryption error. Stored ciphertext that fails
// authentication must surface as this, never as garbage plaintext.
func DecryptionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeDecryption,
		Message: msg,
		Cause:   cause,
	}
}

// ReauthRequiredError signals that the stored credential is unusable and the
// subject must reconnect their account.
func ReauthRequiredError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeReauth,
		Message: msg,
		Cause:   cause,
	}
}

// RateLimitError creates a rate limit error for the named resource
func RateLimitError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeRateLimit,
		Message: fmt.Sprintf("rate limit exceeded for %s", resource),
	}
}

// UnavailableError creates a transient upstream-unavailable error
func UnavailableError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeUnavailable,
		Message: msg,
		Cause:   cause,
	}
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) *AppError {
	return &AppError{
		Type:    ErrTypeTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
	}
}

// ConnectionError creates a connection error
func ConnectionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnection,
		Message: msg,
		Cause:   cause,
	}
}

// PermanentError creates an error for upstream rejections that must not be retried
func PermanentError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypePermanent,
		Message: msg,
		Cause:   cause,
	}
}

// AuthError creates an authentication error
func AuthError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeAuth,
		Message: msg,
	}
}

// ValidationError creates a validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// NotFoundError creates a not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// InternalError creates an internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType reports whether err (or anything it wraps) is an AppError of the given type
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type == errType
}

// GetType returns the error type of err, unwrapping as needed.
// Non-AppError values report ErrTypeInternal.
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return ErrTypeInternal
	}
	return appErr.Type
}

// IsTransient reports whether err belongs to the transient upstream family:
// rate limits, 5xx responses, timeouts and network failures.
func IsTransient(err error) bool {
	switch GetType(err) {
	case ErrTypeRateLimit, ErrTypeUnavailable, ErrTypeTimeout, ErrTypeConnection:
		return true
	}
	return false
}
