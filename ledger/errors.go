/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is/errors.As; the API layer maps these to
  HTTP status codes.

ERROR CATEGORIES:
  1. Not-found errors - unknown user/reason/reward/event ids
  2. Validation errors - bad input shape, rejected before any mutation
  3. Business-rule errors - InsufficientStars, NoEligibleTargets
  4. Concurrency errors - serialization conflicts, retried internally

Nothing here is fatal to the process: every error is scoped to one
operation, or to one target within a batch (see BatchError).
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUserNotFound is returned when a referenced user doesn't exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrReasonNotFound is returned when a referenced reason doesn't exist.
	ErrReasonNotFound = errors.New("reason not found")

	// ErrRewardNotFound is returned when a referenced reward doesn't exist.
	ErrRewardNotFound = errors.New("reward not found")

	// ErrEventNotFound is returned when an award/redemption id is unknown,
	// e.g. undoing an event that was already undone.
	ErrEventNotFound = errors.New("event not found")

	// ErrInsufficientStars is returned when a redemption would overdraw
	// the target's balance. The check runs against the authoritative
	// balance inside the per-user transaction, never a cached value.
	ErrInsufficientStars = errors.New("insufficient stars")

	// ErrNoEligibleTargets is returned when a batch resolves to an empty
	// target set (e.g. the acting user selected only themselves).
	ErrNoEligibleTargets = errors.New("no eligible targets")

	// ErrValidation is returned for malformed input, before any mutation.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidValue is returned for an out-of-range reweight value,
	// e.g. a non-positive reward cost.
	ErrInvalidValue = errors.New("invalid value")

	// ErrConcurrencyConflict is returned when the per-user serialization
	// boundary is contended. The Aggregator retries these transparently
	// a bounded number of times before surfacing.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDuplicateUsername is returned when creating a user with a
	// username that is already taken.
	ErrDuplicateUsername = errors.New("username already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStarsError reports which user could not afford what.
type InsufficientStarsError struct {
	UserID    UserID
	Available int
	Cost      int
}

func (e *InsufficientStarsError) Error() string {
	return fmt.Sprintf("insufficient stars for user %d: has %d, needs %d",
		e.UserID, e.Available, e.Cost)
}

func (e *InsufficientStarsError) Unwrap() error {
	return ErrInsufficientStars
}

// BatchError reports a fail-fast stop mid-batch: which target failed, at
// which position, and which earlier targets were already applied (those
// are NOT rolled back - partial application is accepted behavior).
type BatchError struct {
	Index   int          // position of the failing target in the batch
	Target  UserID       // the failing target
	Applied []UserCounts // authoritative counts for targets applied before the failure
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch stopped at target %d (index %d) after %d applied: %v",
		e.Target, e.Index, len(e.Applied), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing entity or event.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrReasonNotFound) ||
		errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrEventNotFound)
}

// IsClientError returns true if the error is due to invalid client input
// or a business-rule rejection (as opposed to an internal failure).
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrInsufficientStars) ||
		errors.Is(err, ErrNoEligibleTargets) ||
		errors.Is(err, ErrDuplicateUsername)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
