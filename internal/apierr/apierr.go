// Package apierr centralizes the HTTP status <-> error-class mapping
// described in spec.md §7 (Validation/Auth/Conflict/Transient/Permanent/
// Timeout), so every component that can fail a client-facing request
// returns the same wrapped error shape the HTTP layer writes out via
// JSON/Error exactly as the teacher's internal/api package does.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Class is the error-class sum type spec.md §7 names.
type Class string

const (
	ClassValidation Class = "validation"
	ClassAuth       Class = "auth"
	ClassConflict   Class = "conflict"
	ClassTransient  Class = "transient"
	ClassPermanent  Class = "permanent"
	ClassTimeout    Class = "timeout"
)

// Error is a client-facing error carrying the HTTP status it must
// propagate as, plus the class used by internal retry/breaker logic.
type Error struct {
	Status int
	Class  Class
	Err    error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// New builds an Error for the given class/status/message.
func New(class Class, status int, format string, args ...any) *Error {
	return &Error{Status: status, Class: class, Err: fmt.Errorf(format, args...)}
}

// Conflict is a shorthand for the 409 case PullRequestService's
// exactly-once artifact check uses.
func Conflict(format string, args ...any) *Error {
	return New(ClassConflict, http.StatusConflict, format, args...)
}

// StatusOf resolves the HTTP status for err: an *Error's own Status, an
// *scm-style error exposing HTTPStatus() (duck-typed to avoid importing
// scm here), or 500 for anything unrecognized.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	var statusCoder interface{ HTTPStatus() int }
	if errors.As(err, &statusCoder) {
		return statusCoder.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// JSON writes a JSON response with the given status code, matching the
// teacher's internal/api.JSON helper.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// WriteError writes err as a JSON error response, resolving its status via
// StatusOf.
func WriteError(w http.ResponseWriter, err error) {
	JSON(w, StatusOf(err), map[string]string{"error": err.Error()})
}
