package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-engine/engine"
)

// =============================================================================
// RESCHEDULE TESTS
// =============================================================================

func rescheduleTo(id engine.BookingID, h int) engine.RescheduleRequest {
	s := slotAt(h)
	return engine.RescheduleRequest{BookingID: id, NewStartTime: s.StartTime, NewEndTime: s.EndTime}
}

func TestReschedule_LinksOldAndNew(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		// GIVEN: booking A at +48h
		f := newFixture(t, newStore, 1)
		a := f.reserve(t, 48)

		// WHEN: A is moved to +72h
		res, err := f.eng.Reschedule(context.Background(), alice, rescheduleTo(a.ID, 72))
		require.NoError(t, err)

		// THEN: A is rescheduled and points to B, B is upcoming and points back
		oldB := f.booking(t, a.ID)
		newB := f.booking(t, res.NewBookingID)
		assert.Equal(t, engine.BookingRescheduled, oldB.Status)
		assert.Equal(t, res.NewBookingID, oldB.RescheduledToID)
		assert.Equal(t, engine.BookingUpcoming, newB.Status)
		assert.Equal(t, a.ID, newB.PreviousBookingID)
		assert.True(t, newB.StartTime.Equal(slotAt(72).StartTime))
		assert.Equal(t, a.Subject, newB.Subject)
		assert.Equal(t, a.TimeZone, newB.TimeZone)

		// AND: no credit moved
		assert.Equal(t, 0, f.balance(t, alice.ID))
	})
}

func TestReschedule_OldBookingIsTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		f := newFixture(t, newStore, 1)
		a := f.reserve(t, 48)
		_, err := f.eng.Reschedule(context.Background(), alice, rescheduleTo(a.ID, 72))
		require.NoError(t, err)

		_, err = f.eng.Reschedule(context.Background(), alice, rescheduleTo(a.ID, 96))
		require.ErrorIs(t, err, engine.ErrInvalidState)

		_, err = f.eng.Cancel(context.Background(), alice, a.ID)
		require.ErrorIs(t, err, engine.ErrInvalidState)
	})
}

func TestReschedule_ChainOfThree(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		f := newFixture(t, newStore, 1)
		a := f.reserve(t, 48)

		r1, err := f.eng.Reschedule(context.Background(), alice, rescheduleTo(a.ID, 72))
		require.NoError(t, err)
		r2, err := f.eng.Reschedule(context.Background(), alice, rescheduleTo(r1.NewBookingID, 96))
		require.NoError(t, err)

		// Walk back from the tail
		c := f.booking(t, r2.NewBookingID)
		b := f.booking(t, c.PreviousBookingID)
		root := f.booking(t, b.PreviousBookingID)
		assert.Equal(t, r1.NewBookingID, b.ID)
		assert.Equal(t, a.ID, root.ID)
		assert.Empty(t, root.PreviousBookingID)
		assert.Len(t, f.upcoming(t, tutor.ID), 1)
	})
}

func TestReschedule_SameStartIsAllowed(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		// GIVEN: booking A at +48h for one hour
		f := newFixture(t, newStore, 1)
		a := f.reserve(t, 48)

		// WHEN: rescheduled to the same start but a longer lesson
		s := slotAt(48)
		res, err := f.eng.Reschedule(context.Background(), alice, engine.RescheduleRequest{
			BookingID:    a.ID,
			NewStartTime: s.StartTime,
			NewEndTime:   s.EndTime.Add(30 * time.Minute),
		})

		// THEN: the booking does not conflict with itself
		require.NoError(t, err)
		assert.True(t, res.Booking.EndTime.Equal(s.EndTime.Add(30*time.Minute)))
	})
}

func TestReschedule_ConflictKeepsOriginal(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		// GIVEN: alice at +48h, bob at +72h
		f := newFixture(t, newStore, 1)
		f.credit(t, bob.ID, 1)
		a := f.reserve(t, 48)
		_, err := f.eng.Reserve(context.Background(), bob, reserveReq(bob, slotAt(72)))
		require.NoError(t, err)

		// WHEN: alice tries to move onto bob's slot
		_, err = f.eng.Reschedule(context.Background(), alice, rescheduleTo(a.ID, 72))

		// THEN: SlotConflict and A is still upcoming without successor
		require.ErrorIs(t, err, engine.ErrSlotConflict)
		stored := f.booking(t, a.ID)
		assert.Equal(t, engine.BookingUpcoming, stored.Status)
		assert.Empty(t, stored.RescheduledToID)
	})
}

func TestReschedule_Validation(t *testing.T) {
	f := newFixture(t, storeFactories()["memory"], 1)
	a := f.reserve(t, 48)
	ctx := context.Background()

	_, err := f.eng.Reschedule(ctx, alice, rescheduleTo(a.ID, -1))
	require.ErrorIs(t, err, engine.ErrValidation)

	s := slotAt(72)
	_, err = f.eng.Reschedule(ctx, alice, engine.RescheduleRequest{BookingID: a.ID, NewStartTime: s.EndTime, NewEndTime: s.StartTime})
	require.ErrorIs(t, err, engine.ErrValidation)

	_, err = f.eng.Reschedule(ctx, alice, engine.RescheduleRequest{BookingID: a.ID})
	require.ErrorIs(t, err, engine.ErrValidation)

	_, err = f.eng.Reschedule(ctx, bob, rescheduleTo(a.ID, 72))
	require.ErrorIs(t, err, engine.ErrForbidden)

	_, err = f.eng.Reschedule(ctx, alice, rescheduleTo("missing", 72))
	require.ErrorIs(t, err, engine.ErrNotFound)

	assert.Equal(t, engine.BookingUpcoming, f.booking(t, a.ID).Status)
}

func TestReschedule_CarriesEventRefAndChain(t *testing.T) {
	f := newFixture(t, storeFactories()["memory"], 1)
	a := f.reserve(t, 48)

	// Pretend the calendar push already landed
	err := f.store.WithTx(context.Background(), func(tx engine.Tx) error {
		b, err := tx.GetBooking(context.Background(), a.ID)
		if err != nil {
			return err
		}
		b.ExternalEventRef = "evt-1"
		return tx.UpdateBooking(context.Background(), *b)
	})
	require.NoError(t, err)

	r1, err := f.eng.Reschedule(context.Background(), alice, rescheduleTo(a.ID, 72))
	require.NoError(t, err)
	r2, err := f.eng.Reschedule(context.Background(), alice, rescheduleTo(r1.NewBookingID, 96))
	require.NoError(t, err)

	assert.Equal(t, "evt-1", f.booking(t, r2.NewBookingID).ExternalEventRef)

	tasks := inspectTasks(t, f.store)
	var patches []engine.SyncTask
	for _, task := range tasks {
		if task.Kind == engine.SyncCalendarPatch {
			patches = append(patches, task)
		}
	}
	require.Len(t, patches, 2)
	for _, p := range patches {
		assert.Equal(t, a.ID, p.ChainID)
	}
	assert.Equal(t, r2.NewBookingID, patches[1].BookingID)
}
