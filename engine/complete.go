package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// completionBatch bounds how many elapsed bookings one sweep loads.
const completionBatch = 500

// CompleteElapsed moves upcoming bookings whose lesson has ended to
// completed. Each booking is re-checked in its own transaction, so a
// concurrent cancel or reschedule wins cleanly. Returns how many moved.
func (e *Engine) CompleteElapsed(ctx context.Context) (int, error) {
	now := e.clock.Now()
	elapsed, err := e.store.ListBookings(ctx, BookingFilter{
		Status:         BookingUpcoming,
		EndsAtOrBefore: now,
		Limit:          completionBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list elapsed bookings: %w", err)
	}

	completed := 0
	tutors := make(map[AccountID]struct{})
	for _, candidate := range elapsed {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		err := e.store.WithTx(ctx, func(tx Tx) error {
			b, err := tx.GetBooking(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if b.Status.Terminal() {
				return &InvalidStateError{BookingID: b.ID, Status: b.Status}
			}
			b.Status = BookingCompleted
			return tx.UpdateBooking(ctx, *b)
		})
		switch {
		case err == nil:
			completed++
			tutors[candidate.TutorID] = struct{}{}
		case errors.Is(err, ErrInvalidState):
			// changed since the listing
		default:
			e.log.Warn("failed to complete booking",
				zap.String("booking_id", string(candidate.ID)),
				zap.Error(err),
			)
		}
	}

	if completed > 0 {
		ids := make([]AccountID, 0, len(tutors))
		for id := range tutors {
			ids = append(ids, id)
		}
		e.afterCommit(ctx, ids...)
		e.log.Info("elapsed bookings completed", zap.Int("count", completed))
	}
	return completed, nil
}
