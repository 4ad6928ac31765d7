/*
sync.go - External side effects: calendar adapter, notifier, outbox tasks

PURPOSE:
  The engine never talks to the calendar or the notification channel while a
  transaction is open. Instead it writes SyncTask rows next to the booking
  change (outbox pattern). The outbox package drains those rows with retry.

ORDERING:
  Tasks carry a ChainID: the ID of the first booking in a reschedule chain.
  The dispatcher processes tasks of one chain strictly in Seq order, so a
  patch or delete never overtakes the push that created the event.

KNOWN GAP:
  A multi-slot reservation pushes only its first slot to the calendar.
  Later slots have no external event; patch/delete for them are no-ops.
*/
package engine

import (
	"context"
	"time"
)

// CalendarAdapter is the tutor's external calendar. Best-effort.
type CalendarAdapter interface {
	PushEvent(ctx context.Context, tutorID AccountID, slot Slot) (string, error)
	PatchEvent(ctx context.Context, tutorID AccountID, eventRef string, slot Slot) error
	DeleteEvent(ctx context.Context, tutorID AccountID, eventRef string) error
}

// Notification is sent to students/tutors after a booking change.
type Notification struct {
	Kind      SyncKind
	BookingID BookingID
	StudentID AccountID
	TutorID   AccountID
	Slot      Slot
}

// Notifier delivers notifications. Best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Waker is poked after commit so pending tasks are picked up without waiting
// for the next tick. Wake must not block.
type Waker interface {
	Wake()
}

// Observer learns about committed booking changes of a tutor. Used to
// invalidate read caches. Must not block for long; errors are its own.
type Observer interface {
	BookingsChanged(ctx context.Context, tutorID AccountID)
}

// =============================================================================
// OUTBOX TASKS
// =============================================================================

type SyncKind string

const (
	SyncCalendarPush      SyncKind = "calendar_push"
	SyncCalendarPatch     SyncKind = "calendar_patch"
	SyncCalendarDelete    SyncKind = "calendar_delete"
	SyncNotifyReserved    SyncKind = "notify_reserved"
	SyncNotifyCancelled   SyncKind = "notify_cancelled"
	SyncNotifyRescheduled SyncKind = "notify_rescheduled"
)

// IsCalendar reports whether the task targets the calendar adapter.
func (k SyncKind) IsCalendar() bool {
	switch k {
	case SyncCalendarPush, SyncCalendarPatch, SyncCalendarDelete:
		return true
	}
	return false
}

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncDone    SyncStatus = "done"
	SyncDead    SyncStatus = "dead"
)

// SyncTask is one outbox row.
type SyncTask struct {
	ID        string
	Seq       int64 // assigned by the store, monotonically increasing
	Kind      SyncKind
	ChainID   BookingID
	BookingID BookingID
	TutorID   AccountID
	StudentID AccountID
	Slot      Slot

	Status        SyncStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time

	// EventRef is the calendar reference returned by a push whose booking
	// update has not committed yet. A retry records it instead of pushing
	// again.
	EventRef string
}

// Due reports whether the task may be attempted at now.
func (t SyncTask) Due(now time.Time) bool {
	return !t.NextAttemptAt.After(now)
}
