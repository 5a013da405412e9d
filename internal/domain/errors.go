package domain

import "errors"

// Sentinel errors shared across storage implementations. They live next
// to the Repository interface so callers can test for them without
// depending on a concrete driver package.
var (
	// ErrNotFound is returned when a record does not exist for the
	// requesting tenant. A record owned by another tenant is
	// indistinguishable from one that does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert collides with an existing
	// primary key.
	ErrDuplicate = errors.New("record already exists")

	// ErrInvalidInput is returned for requests that fail validation.
	ErrInvalidInput = errors.New("invalid input")
)
