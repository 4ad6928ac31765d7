/*
reschedule.go - Reschedule Chain Manager

PURPOSE:
  Moves an upcoming booking to a new window without touching the balance.
  The old booking becomes rescheduled (terminal) and points forward to a new
  upcoming booking that points back. Repeated reschedules form a chain:

    b1 (rescheduled) ──▶ b2 (rescheduled) ──▶ b3 (upcoming)
       ◀── previous ──      ◀── previous ──

  The successor inherits tutor, student, subject, time zone and the external
  calendar reference, so the outbox patches the same calendar event.

CONFLICTS:
  The new window is checked with the same rule as Reserve, ignoring the
  booking being replaced (moving a lesson by 30 minutes in overlap mode must
  not clash with itself).
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type RescheduleRequest struct {
	BookingID    BookingID
	NewStartTime time.Time
	NewEndTime   time.Time
}

type RescheduleResult struct {
	NewBookingID BookingID
	Booking      Booking
}

func (e *Engine) Reschedule(ctx context.Context, caller Caller, req RescheduleRequest) (*RescheduleResult, error) {
	if caller.ID == "" || !caller.Role.Valid() {
		return nil, Authorize(caller, ActionReschedule, "")
	}
	if req.BookingID == "" {
		return nil, invalid("bookingId", "is required")
	}

	var result RescheduleResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		result = RescheduleResult{}

		old, err := tx.GetBooking(ctx, req.BookingID)
		if err != nil {
			return err
		}
		if err := Authorize(caller, ActionReschedule, old.StudentID); err != nil {
			return err
		}
		if old.Status.Terminal() {
			return &InvalidStateError{BookingID: old.ID, Status: old.Status}
		}

		now := e.clock.Now()
		slot, err := validateSlot("newSlot", Slot{
			Subject:   old.Subject,
			StartTime: req.NewStartTime,
			EndTime:   req.NewEndTime,
			TimeZone:  old.TimeZone,
		}, now)
		if err != nil {
			return err
		}

		if err := e.mode.findConflict(ctx, tx, old.TutorID, slot, old.ID); err != nil {
			return err
		}

		next := Booking{
			ID:                BookingID(e.newID()),
			StudentID:         old.StudentID,
			TutorID:           old.TutorID,
			Subject:           old.Subject,
			StartTime:         slot.StartTime,
			EndTime:           slot.EndTime,
			TimeZone:          old.TimeZone,
			Status:            BookingUpcoming,
			ExternalEventRef:  old.ExternalEventRef,
			PreviousBookingID: old.ID,
			CreatedAt:         now,
		}

		// The old row leaves the upcoming set first so the unique
		// (tutor, start) index allows a successor at an equal start.
		old.Status = BookingRescheduled
		old.RescheduledToID = next.ID
		if err := tx.UpdateBooking(ctx, *old); err != nil {
			return fmt.Errorf("failed to retire booking %s: %w", old.ID, err)
		}
		if err := tx.InsertBooking(ctx, next); err != nil {
			return fmt.Errorf("failed to insert booking %s: %w", next.ID, err)
		}

		root, err := chainRoot(ctx, tx, old)
		if err != nil {
			return err
		}
		if err := tx.EnqueueSync(ctx, e.syncTask(SyncCalendarPatch, root, next)); err != nil {
			return fmt.Errorf("failed to enqueue calendar patch: %w", err)
		}
		if err := tx.EnqueueSync(ctx, e.syncTask(SyncNotifyRescheduled, root, next)); err != nil {
			return fmt.Errorf("failed to enqueue notification: %w", err)
		}

		result = RescheduleResult{NewBookingID: next.ID, Booking: next}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("booking rescheduled",
		zap.String("booking_id", string(req.BookingID)),
		zap.String("new_booking_id", string(result.NewBookingID)),
		zap.Time("new_start", result.Booking.StartTime),
	)
	e.afterCommit(ctx, result.Booking.TutorID)
	return &result, nil
}
