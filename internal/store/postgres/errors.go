package postgres

import (
	"errors"
	"strings"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidSubject is returned when a revocation has no subject.
	ErrInvalidSubject = errors.New("subject is required")
)

// isUndefinedTable checks if the error is a PostgreSQL undefined_table error (42P01).
func isUndefinedTable(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "42P01") ||
		strings.Contains(err.Error(), "does not exist")
}
