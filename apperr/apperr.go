// Package apperr carries the structured, typed-error half of the error
// taxonomy in spec §7. The other half — silent {tokens: null} failures for
// indistinguishable-from-normal states — is represented simply by returning
// (nil, nil) from the affected operations; there is no type for "nothing
// happened".
package apperr

import "fmt"

// Code enumerates the thrown-error codes from spec §7.
type Code string

const (
	InvalidCredentials Code = "INVALID_CREDENTIALS"
	AccountNotFound    Code = "ACCOUNT_NOT_FOUND"
	AccountExists      Code = "ACCOUNT_EXISTS"
	InvalidCode        Code = "INVALID_CODE"
	ExpiredCode        Code = "EXPIRED_CODE"
	InvalidVerifier    Code = "INVALID_VERIFIER"
	ProviderMismatch   Code = "PROVIDER_MISMATCH"
	AccountDeleted     Code = "ACCOUNT_DELETED"
	RateLimited        Code = "RATE_LIMITED"
	InvalidRefreshToken Code = "INVALID_REFRESH_TOKEN"
	ExpiredSession     Code = "EXPIRED_SESSION"
	OAuthFailed        Code = "OAUTH_FAILED"
	Internal           Code = "INTERNAL_ERROR"
)

// Error is a structured, classifiable error. Callers type-assert or compare
// Code rather than matching on Error() strings.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an *Error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error carrying the given code. It uses a
// plain type assertion, so an *Error wrapped inside another error is not
// matched; *Error has no Is method for errors.Is to use.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}
