/*
errors.go - Centralized error types for the referral engine

PURPOSE:
  All error kinds the core can return, in one place. Every operation rejects
  before writing anything, so callers only need to map these to a message.

ERROR CATEGORIES:
  1. Validation    - missing or malformed input (name, amount, percentage)
  2. Not found     - unknown referrer / patient / gift id
  3. Transition    - pay attempted outside the pending state

USAGE:
  if referral.IsNotFound(err) {
      // 404
  }
  var ve *referral.ValidationError
  if errors.As(err, &ve) {
      fmt.Println(ve.Field)
  }

SEE ALSO:
  - api/handlers.go: maps these errors to HTTP status codes
*/
package referral

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every input validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced row doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a reward state change is not allowed.
	ErrInvalidTransition = errors.New("invalid reward transition")

	// ErrStoreRequired is returned when an operation needs a transactional store.
	ErrStoreRequired = errors.New("operation requires a transactional store")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input field was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Kind names the entity of a NotFoundError.
type Kind string

const (
	KindReferrer Kind = "referrer"
	KindPatient  Kind = "patient"
	KindGift     Kind = "gift"
	KindReward   Kind = "reward"
)

// NotFoundError identifies the missing row.
type NotFoundError struct {
	Kind Kind
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind Kind, id int64) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidTransitionError reports a rejected reward state change.
type InvalidTransitionError struct {
	PatientID PatientID
	From      RewardStatus
	To        RewardStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("patient %d: cannot move reward from %s to %s",
		e.PatientID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidTransition)
}
