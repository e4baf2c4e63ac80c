package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError means the session token is missing, invalid or expired. Callers
// surface it as a forced logout or login prompt; nothing below the UI
// retries it.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d)", e.Status)
}

// NetworkError wraps transient transport failures (dial, timeout, connection
// reset). The only retry is the next periodic refetch.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-auth 4xx/5xx response.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("server error (status %d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("server error (status %d)", e.Status)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetwork reports whether err is a transient transport failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// statusError maps a non-2xx response to the error taxonomy.
func statusError(status int, body string) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthError{Status: status}
	}
	return &ServerError{Status: status, Body: body}
}
