package apperr

import (
	"errors"
	"fmt"
)

// Error codes returned in the API error envelope. These values are
// part of the public contract and must not be renamed.
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeForbidden     = "FORBIDDEN"
	CodeRateLimited   = "RATE_LIMITED"
	CodeValidation    = "VALIDATION_ERROR"
	CodeInvalidURL    = "INVALID_URL"
	CodeSSRFBlocked   = "SSRF_BLOCKED"
	CodeRobotsBlocked = "ROBOTS_BLOCKED"
	CodeDNSFailed     = "DNS_RESOLUTION_FAILED"
	CodeFetchTimeout  = "FETCH_TIMEOUT"
	CodeFetchError    = "FETCH_ERROR"
	CodeJobNotFound   = "JOB_NOT_FOUND"
	CodeJobNotReady   = "JOB_NOT_READY"
	CodeInternal      = "INTERNAL_ERROR"
)

// statusByCode maps error codes to HTTP status codes.
var statusByCode = map[string]int{
	CodeUnauthorized:  401,
	CodeForbidden:     403,
	CodeRateLimited:   429,
	CodeValidation:    422,
	CodeInvalidURL:    400,
	CodeSSRFBlocked:   403,
	CodeRobotsBlocked: 403,
	CodeDNSFailed:     400,
	CodeFetchTimeout:  504,
	CodeFetchError:    502,
	CodeJobNotFound:   404,
	CodeJobNotReady:   400,
	CodeInternal:      500,
}

// Error is a coded error that carries the HTTP status and optional
// structured details through the pipeline to the response envelope.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Status returns the HTTP status for the error's code, defaulting
// to 500 for unknown codes.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return 500
}

// New constructs a coded error.
func New(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf constructs a coded error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// From unwraps err to an *Error, or wraps it as INTERNAL_ERROR.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
