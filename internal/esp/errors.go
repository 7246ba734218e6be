package esp

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code exposed to API callers.
type Code string

const (
	CodeUnknown           Code = "unknown-error"
	CodeUsage             Code = "usage-error"
	CodeValidation        Code = "validation-error"
	CodeInvalidEmail      Code = "invalid-email"
	CodeInvalidLanguage   Code = "invalid-language"
	CodeUnknownNewsletter Code = "unknown-newsletter"
	CodeAuth              Code = "auth-error"
	CodeSSLRequired       Code = "ssl-required"
	CodeRateLimited       Code = "rate-limited"
	CodeNetworkFailure    Code = "network-failure"
	CodeProviderAuth      Code = "email-provider-auth-failure"
	CodeUnknownEmail      Code = "unknown-email"
	CodeUnknownToken      Code = "unknown-token"
	CodeBadMessageID      Code = "invalid-message-id"
)

// Error carries a stable code, an HTTP-equivalent status, and whether the
// operation is worth retrying. Transport-agnostic: callers map Status onto
// whatever wire format they use.
type Error struct {
	Code      Code
	Status    int
	Msg       string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError rejects bad input before any external call.
func ValidationError(code Code, msg string) *Error {
	return &Error{Code: code, Status: http.StatusBadRequest, Msg: msg}
}

// UsageError indicates a malformed or incomplete request.
func UsageError(msg string) *Error {
	return &Error{Code: CodeUsage, Status: http.StatusBadRequest, Msg: msg}
}

// AuthError indicates a missing or invalid credential.
func AuthError(msg string) *Error {
	return &Error{Code: CodeAuth, Status: http.StatusUnauthorized, Msg: msg}
}

// SSLRequiredError rejects private-newsletter requests over plain HTTP.
func SSLRequiredError(msg string) *Error {
	return &Error{Code: CodeSSLRequired, Status: http.StatusUnauthorized, Msg: msg}
}

// NotFoundError indicates the subscriber is unknown. Never retried.
func NotFoundError(code Code, msg string) *Error {
	return &Error{Code: code, Status: http.StatusNotFound, Msg: msg}
}

// NetworkError wraps a transient transport failure. Always retryable.
func NetworkError(err error) *Error {
	return &Error{
		Code:      CodeNetworkFailure,
		Status:    http.StatusBadGateway,
		Msg:       "email service provider unreachable",
		Retryable: true,
		Err:       err,
	}
}

// RateLimitedError wraps an ESP throttling response. Retryable.
func RateLimitedError(msg string) *Error {
	return &Error{Code: CodeRateLimited, Status: http.StatusTooManyRequests, Msg: msg, Retryable: true}
}

// ProviderAuthError indicates the ESP rejected our credentials. Not
// retryable: retrying with the same credentials cannot succeed.
func ProviderAuthError(msg string) *Error {
	return &Error{Code: CodeProviderAuth, Status: http.StatusInternalServerError, Msg: msg}
}

// BadMessageIDError indicates the ESP has no message with the requested
// id. Not retryable: the id is wrong on every attempt.
func BadMessageIDError(msg string) *Error {
	return &Error{Code: CodeBadMessageID, Status: http.StatusBadRequest, Msg: msg}
}

// Retryable reports whether err represents a transient failure that the
// task layer should retry with backoff.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the machine-readable code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// StatusOf extracts the HTTP-equivalent status from err, or 400.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if e.Status != 0 {
			return e.Status
		}
	}
	return http.StatusBadRequest
}
