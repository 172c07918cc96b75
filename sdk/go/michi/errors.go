// Package michi provides a Go client for the michi task lifecycle API.
//
// Schedulers use it to open traces, expand the instance tree, and steer
// running work with control signals. Workers use it to report execution
// events and to receive the command piggybacked on every acknowledgement.
package michi

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the michi API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("michi: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsValidation returns true if the server rejected the request as invalid (400).
func IsValidation(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsUnavailable returns true if the server is temporarily unable to serve
// the request (503). These errors are safe to retry.
func IsUnavailable(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }
