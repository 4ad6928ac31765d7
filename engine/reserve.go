/*
reserve.go - Slot Reservation Transactor

PURPOSE:
  Turns credits into bookings. One request may carry several slots with the
  same tutor; either every slot is booked and paid for, or nothing changes.

TRANSACTION (one WithTx):
  1. re-read student and tutor accounts
  2. balance >= len(slots), else InsufficientCredits (no partial charge)
  3. slots of the request must not clash with each other
  4. each slot must not clash with an upcoming booking of the tutor
  5. Ledger.Adjust(student, -len(slots)); insert one upcoming booking per slot
  6. enqueue calendar_push (first slot only) and notify_reserved

AFTER COMMIT:
  wake the outbox dispatcher and tell observers the tutor's schedule changed.
*/
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type ReserveRequest struct {
	StudentID AccountID
	TutorID   AccountID
	Slots     []Slot
}

type ReserveResult struct {
	RemainingCredits int
	Bookings         []Booking
}

// Reserve books every slot of req or none of them.
func (e *Engine) Reserve(ctx context.Context, caller Caller, req ReserveRequest) (*ReserveResult, error) {
	if err := Authorize(caller, ActionReserve, req.StudentID); err != nil {
		return nil, err
	}

	slots, err := validateReserve(req, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.mode.checkBatch(req.TutorID, slots); err != nil {
		return nil, err
	}

	var result ReserveResult
	err = e.store.WithTx(ctx, func(tx Tx) error {
		result = ReserveResult{}

		student, err := tx.GetAccount(ctx, req.StudentID)
		if err != nil {
			return err
		}
		if err := requireRole("studentId", student, RoleStudent); err != nil {
			return err
		}
		tutor, err := tx.GetAccount(ctx, req.TutorID)
		if err != nil {
			return err
		}
		if err := requireRole("tutorId", tutor, RoleTutor); err != nil {
			return err
		}

		if student.CreditBalance < len(slots) {
			return &InsufficientCreditsError{
				AccountID: student.ID,
				Available: student.CreditBalance,
				Requested: len(slots),
			}
		}

		for _, slot := range slots {
			if err := e.mode.findConflict(ctx, tx, req.TutorID, slot, ""); err != nil {
				return err
			}
		}

		now := e.clock.Now()
		bookings := make([]Booking, len(slots))
		for i, slot := range slots {
			bookings[i] = Booking{
				ID:        BookingID(e.newID()),
				StudentID: req.StudentID,
				TutorID:   req.TutorID,
				Subject:   slot.Subject,
				StartTime: slot.StartTime,
				EndTime:   slot.EndTime,
				TimeZone:  slot.TimeZone,
				Status:    BookingUpcoming,
				CreatedAt: now,
			}
		}

		balance, err := e.ledger.Adjust(ctx, tx, req.StudentID, -len(slots), ReasonReservation, string(bookings[0].ID))
		if err != nil {
			return err
		}

		for _, b := range bookings {
			if err := tx.InsertBooking(ctx, b); err != nil {
				return fmt.Errorf("failed to insert booking %s: %w", b.ID, err)
			}
		}

		// Only the first slot gets a calendar event.
		first := bookings[0]
		if err := tx.EnqueueSync(ctx, e.syncTask(SyncCalendarPush, first.ID, first)); err != nil {
			return fmt.Errorf("failed to enqueue calendar push: %w", err)
		}
		if err := tx.EnqueueSync(ctx, e.syncTask(SyncNotifyReserved, first.ID, first)); err != nil {
			return fmt.Errorf("failed to enqueue notification: %w", err)
		}

		result = ReserveResult{RemainingCredits: balance, Bookings: bookings}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("slots reserved",
		zap.String("student_id", string(req.StudentID)),
		zap.String("tutor_id", string(req.TutorID)),
		zap.Int("slots", len(result.Bookings)),
		zap.Int("remaining_credits", result.RemainingCredits),
	)
	e.afterCommit(ctx, req.TutorID)
	return &result, nil
}
