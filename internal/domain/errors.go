package domain

import "errors"

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	// The application turns it into OutcomeNotFound instead of propagating it.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidInput covers malformed codes, device ids and platforms.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized is used by the internal transport when a service token is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	// ErrInvalidPolicy is returned when scoring or screening policy breaks the weight ordering.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrAlreadyCredited signals that the ledger already holds a credit for the visit.
	ErrAlreadyCredited = errors.New("reward already credited")
)
