package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type CancelResult struct {
	BookingID     BookingID
	Refunded      bool
	CreditBalance int
}

// refundDue reports whether cancelling at now still earns the credit back:
// the lesson must start strictly more than window after now.
func refundDue(start, now time.Time, window time.Duration) bool {
	return start.Sub(now) > window
}

// Cancel terminates an upcoming booking. The credit comes back only when the
// lesson is more than the refund window away. The calendar event is removed
// by the outbox after commit.
func (e *Engine) Cancel(ctx context.Context, caller Caller, bookingID BookingID) (*CancelResult, error) {
	if caller.ID == "" || !caller.Role.Valid() {
		return nil, Authorize(caller, ActionCancel, "")
	}
	if bookingID == "" {
		return nil, invalid("bookingId", "is required")
	}

	var (
		result  CancelResult
		tutorID AccountID
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		result = CancelResult{BookingID: bookingID}

		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := Authorize(caller, ActionCancel, b.StudentID); err != nil {
			return err
		}
		if b.Status.Terminal() {
			return &InvalidStateError{BookingID: b.ID, Status: b.Status}
		}
		tutorID = b.TutorID

		now := e.clock.Now()
		refund := refundDue(b.StartTime, now, e.refundWindow)

		if refund {
			balance, err := e.ledger.Adjust(ctx, tx, b.StudentID, 1, ReasonRefund, string(b.ID))
			if err != nil {
				return err
			}
			result.CreditBalance = balance
		} else {
			student, err := tx.GetAccount(ctx, b.StudentID)
			if err != nil {
				return err
			}
			result.CreditBalance = student.CreditBalance
		}

		b.Status = BookingCancelled
		b.CancellationDate = &now
		b.Refunded = refund
		if err := tx.UpdateBooking(ctx, *b); err != nil {
			return fmt.Errorf("failed to cancel booking %s: %w", b.ID, err)
		}

		root, err := chainRoot(ctx, tx, b)
		if err != nil {
			return err
		}
		if err := tx.EnqueueSync(ctx, e.syncTask(SyncCalendarDelete, root, *b)); err != nil {
			return fmt.Errorf("failed to enqueue calendar delete: %w", err)
		}
		if err := tx.EnqueueSync(ctx, e.syncTask(SyncNotifyCancelled, root, *b)); err != nil {
			return fmt.Errorf("failed to enqueue notification: %w", err)
		}

		result.Refunded = refund
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("booking cancelled",
		zap.String("booking_id", string(bookingID)),
		zap.String("caller_id", string(caller.ID)),
		zap.Bool("refunded", result.Refunded),
		zap.Int("balance", result.CreditBalance),
	)
	e.afterCommit(ctx, tutorID)
	return &result, nil
}
