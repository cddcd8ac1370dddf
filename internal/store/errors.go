package store

import (
	"database/sql"
	"errors"
	"strings"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// ConflictError reports a uniqueness violation surfaced to API clients
// (duplicate backend name).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsRetryable reports whether err is a transient SQLite busy/locked
// condition worth retrying with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}

// IsConstraint reports whether err is an integrity/constraint violation.
// Constraint failures are never retried; the offending row is discarded.
func IsConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "constraint")
}
