package restapi

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrServerRejected matches every non-2xx, non-envelope or non-success response.
var ErrServerRejected = errors.New("server rejected request")

// ServerError captures a rejected call. Code is the envelope code when one was decoded.
type ServerError struct {
	Method     string
	Path       string
	StatusCode int
	Code       int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("restapi: %s %s: status %d code %d: %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("restapi: %s %s: status %d code %d", e.Method, e.Path, e.StatusCode, e.Code)
}

func (e *ServerError) Is(target error) bool {
	return target == ErrServerRejected
}

// Unauthorized reports whether the server refused the token.
func (e *ServerError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.Code == http.StatusUnauthorized
}

// IsUnauthorized reports whether err is a ServerError caused by a refused token.
func IsUnauthorized(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Unauthorized()
}
