// Package apierr defines the typed error taxonomy shared by the
// coordination API's HTTP handlers, so each handler maps errors to
// responses through one function instead of repeating http.Error calls.
package apierr

import "net/http"

// Error is an API-facing error carrying the HTTP status it maps to.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func (e *Error) Error() string { return e.Message }

// BadRequest reports a client-supplied request that is malformed or
// missing required fields.
func BadRequest(msg string) *Error {
	return &Error{Code: "BAD_REQUEST", Message: msg, HTTPStatus: http.StatusBadRequest}
}

// Unauthorized reports a missing or invalid caller identity/secret.
func Unauthorized(msg string) *Error {
	return &Error{Code: "UNAUTHORIZED", Message: msg, HTTPStatus: http.StatusUnauthorized}
}

// RateLimited reports remote quota exhaustion (e.g. GitHub API quota).
func RateLimited(msg string) *Error {
	return &Error{Code: "RATE_LIMITED", Message: msg, HTTPStatus: http.StatusTooManyRequests}
}

// Internal reports an unexpected failure with no actionable client fix.
func Internal(msg string) *Error {
	return &Error{Code: "INTERNAL", Message: msg, HTTPStatus: http.StatusInternalServerError}
}

// Conflict is retained for completeness but unused by handlers: business-
// logic lock conflicts (FILE_CONFLICT) are reported inside a 200 response
// via the orchestration decision, not as an HTTP error.
func Conflict(msg string) *Error {
	return &Error{Code: "CONFLICT", Message: msg, HTTPStatus: http.StatusConflict}
}

// AsError converts any error into an *Error, defaulting to Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*Error); ok {
		return apiErr
	}
	return Internal(err.Error())
}
