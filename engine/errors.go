/*
errors.go - Centralized error types for the booking engine

PURPOSE:
  All error types in one place. Every structured error unwraps to one of
  the sentinels so callers (the API layer in particular) can classify
  failures with errors.Is and read details with errors.As.

ERROR CATEGORIES:
  1. Caller errors    - Unauthorized, Forbidden
  2. Input errors     - Validation
  3. Business rules   - InsufficientCredits, SlotConflict, InvalidState
  4. Lookup errors    - NotFound
  5. Store errors     - DuplicateIdempotencyKey, TxConflict, Internal

PROPAGATION:
  Any error returned from inside Store.WithTx aborts the transaction.
  Calendar and notification failures never reach this taxonomy; the outbox
  dispatcher logs them and retries.
*/
package engine

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnauthorized is returned when the caller identity is missing or unusable.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the caller has no rights over the target.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientCredits is returned when a balance would drop below zero.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrSlotConflict is returned when a tutor's time is already booked.
	ErrSlotConflict = errors.New("slot conflict")

	// ErrNotFound is returned when a referenced account or booking doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a booking is not in the required status.
	ErrInvalidState = errors.New("invalid booking state")

	// ErrDuplicateIdempotencyKey is returned by stores when a purchase with the
	// same idempotency key was written concurrently.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInternal marks unexpected store or adapter failures.
	ErrInternal = errors.New("internal error")

	// ErrTxConflict is returned by stores when the database aborted a
	// transaction because of a concurrent write. The whole transaction may be
	// retried.
	ErrTxConflict = errors.New("transaction conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientCreditsError provides details about a balance shortage.
type InsufficientCreditsError struct {
	AccountID AccountID
	Available int
	Requested int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: account %s has %d, needs %d",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// SlotConflictError describes the booking that already holds the slot.
// InBatch is set when two slots of the same request collide with each other.
type SlotConflictError struct {
	TutorID           AccountID
	StartTime         time.Time
	ExistingBookingID BookingID
	InBatch           bool
}

func (e *SlotConflictError) Error() string {
	if e.InBatch {
		return fmt.Sprintf("slot conflict: request contains tutor %s at %s twice",
			e.TutorID, e.StartTime.Format(time.RFC3339))
	}
	if e.ExistingBookingID == "" {
		return fmt.Sprintf("slot conflict: tutor %s is already booked at %s",
			e.TutorID, e.StartTime.Format(time.RFC3339))
	}
	return fmt.Sprintf("slot conflict: tutor %s is already booked at %s (booking: %s)",
		e.TutorID, e.StartTime.Format(time.RFC3339), e.ExistingBookingID)
}

func (e *SlotConflictError) Unwrap() error { return ErrSlotConflict }

// InvalidStateError reports a booking that is no longer upcoming.
type InvalidStateError struct {
	BookingID BookingID
	Status    BookingStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("booking %s is %s, expected %s", e.BookingID, e.Status, BookingUpcoming)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "account", "booking"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrSlotConflict) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsRetryable returns true if the failed transaction can be run again as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTxConflict)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
