package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ConflictMode selects how two bookings of one tutor are considered to clash.
//
//	exact:   identical start time (slots live on a fixed grid)
//	overlap: newStart < existingEnd && existingStart < newEnd
type ConflictMode string

const (
	ConflictExact   ConflictMode = "exact"
	ConflictOverlap ConflictMode = "overlap"
)

// ParseConflictMode accepts "exact" or "overlap"; empty means exact.
func ParseConflictMode(s string) (ConflictMode, error) {
	switch ConflictMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ConflictExact:
		return ConflictExact, nil
	case ConflictOverlap:
		return ConflictOverlap, nil
	}
	return "", fmt.Errorf("unknown conflict mode %q (want exact or overlap)", s)
}

// clashes reports whether window [start, end) collides with existing.
func (m ConflictMode) clashes(existStart, existEnd, start, end time.Time) bool {
	if m == ConflictOverlap {
		return start.Before(existEnd) && existStart.Before(end)
	}
	return existStart.Equal(start)
}

// checkBatch rejects requests whose own slots collide with each other.
func (m ConflictMode) checkBatch(tutorID AccountID, slots []Slot) error {
	for i := 1; i < len(slots); i++ {
		for j := 0; j < i; j++ {
			if m.clashes(slots[j].StartTime, slots[j].EndTime, slots[i].StartTime, slots[i].EndTime) {
				return &SlotConflictError{TutorID: tutorID, StartTime: slots[i].StartTime, InBatch: true}
			}
		}
	}
	return nil
}

// findConflict looks for an upcoming booking of the tutor that collides with
// slot. exclude is skipped (the booking being rescheduled). Must run inside
// the same transaction as the insert it guards.
func (m ConflictMode) findConflict(ctx context.Context, r Reader, tutorID AccountID, slot Slot, exclude BookingID) error {
	existing, err := r.UpcomingOverlapping(ctx, tutorID, slot.StartTime, slot.EndTime)
	if err != nil {
		return fmt.Errorf("failed to load tutor bookings: %w", err)
	}
	for _, b := range existing {
		if b.ID == exclude || b.Status != BookingUpcoming {
			continue
		}
		if m.clashes(b.StartTime, b.EndTime, slot.StartTime, slot.EndTime) {
			return &SlotConflictError{TutorID: tutorID, StartTime: slot.StartTime, ExistingBookingID: b.ID}
		}
	}
	return nil
}
