package asana

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrForbidden matches any *APIError with status 403.
	ErrForbidden = errors.New("asana: forbidden")

	// ErrRetriesExhausted is wrapped when a request fails on every attempt.
	ErrRetriesExhausted = errors.New("asana: retries exhausted")
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Path    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("GET %s: status %d", e.Path, e.Status)
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.Path, e.Status, e.Message)
}

// Unwrap lets errors.Is(err, ErrForbidden) match 403 responses.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusForbidden {
		return ErrForbidden
	}
	return nil
}

// IsForbidden reports whether err is (or wraps) a 403 response.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}
