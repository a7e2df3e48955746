// Package domain contains domain models and business logic errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a service or resource is unavailable.
	ErrUnavailable = errors.New("service unavailable")
)

// Scheduler errors
var (
	// ErrUnknownTeam is returned when a request references a team without a quota record.
	ErrUnknownTeam = fmt.Errorf("%w: unknown team", ErrInvalidArgument)

	// ErrInvalidAmount is returned when a requested amount is not a positive finite number.
	ErrInvalidAmount = fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)

	// ErrInvariantViolation is returned when a node would end up holding more than its capacity.
	// It always indicates a bug or a lost write race and must never be swallowed.
	ErrInvariantViolation = errors.New("ledger invariant violated")
)
