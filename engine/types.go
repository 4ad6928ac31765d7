/*
Package engine provides the booking transaction engine for lesson credits.

PURPOSE:
  Converts a student's prepaid credit balance into confirmed, conflict-free
  tutor bookings, and reverses that conversion under the cancellation and
  reschedule policies. The external calendar is kept in sync through an
  outbox that is written in the same transaction as the booking change.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: a credit holder or tutor with a non-negative balance
  - Booking: a reservation of a tutor's time with a one-way lifecycle
  - PurchaseRecord: an immutable audit row for a credit purchase
  - Package: the value object a purchase is priced from
  - LedgerEntry: an append-only row for every balance change
  - Slot: a requested (subject, start, end, time zone) window

BOOKING LIFECYCLE:
              ┌──────────────▶ cancelled   (Cancel)
              │
  upcoming ───┼──────────────▶ rescheduled (Reschedule, creates successor)
              │
              └──────────────▶ completed   (CompleteElapsed)

  All three targets are terminal. A rescheduled booking points forward to
  its successor (RescheduledToID) and the successor points back
  (PreviousBookingID). Both are IDs resolved through the store.

SEE ALSO:
  - store.go: persistence interfaces and the WithTx primitive
  - ledger.go: the single choke point for balance mutation
  - reserve.go, cancel.go, reschedule.go: the three booking operations
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string

type BookingID string

// =============================================================================
// ACCOUNT
// =============================================================================

// Role is the closed set of account kinds.
type Role string

const (
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTutor, RoleAdmin:
		return true
	}
	return false
}

// Account is any platform user acting as a credit holder or tutor.
// CreditBalance is only ever changed through Ledger.Adjust.
type Account struct {
	ID            AccountID
	Role          Role
	CreditBalance int
	CreatedAt     time.Time
}

// =============================================================================
// BOOKING
// =============================================================================

type BookingStatus string

const (
	BookingUpcoming    BookingStatus = "upcoming"
	BookingCompleted   BookingStatus = "completed"
	BookingCancelled   BookingStatus = "cancelled"
	BookingRescheduled BookingStatus = "rescheduled"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingUpcoming, BookingCompleted, BookingCancelled, BookingRescheduled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s BookingStatus) Terminal() bool { return s != BookingUpcoming }

// Booking is a reservation of a tutor's time.
type Booking struct {
	ID        BookingID
	StudentID AccountID
	TutorID   AccountID
	Subject   string
	StartTime time.Time
	EndTime   time.Time
	TimeZone  string
	Status    BookingStatus

	// Opaque reference of the event in the tutor's external calendar.
	// Inherited by reschedule successors.
	ExternalEventRef string

	// Reschedule lineage
	PreviousBookingID BookingID
	RescheduledToID   BookingID

	CancellationDate *time.Time
	Refunded         bool
	CreatedAt        time.Time
}

// Slot returns the booked window as a Slot.
func (b Booking) Slot() Slot {
	return Slot{
		Subject:   b.Subject,
		StartTime: b.StartTime,
		EndTime:   b.EndTime,
		TimeZone:  b.TimeZone,
	}
}

// Overlaps reports whether [start, end) intersects the booking's window.
func (b Booking) Overlaps(start, end time.Time) bool {
	return start.Before(b.EndTime) && b.StartTime.Before(end)
}

// Slot is a requested window with a tutor.
type Slot struct {
	Subject   string
	StartTime time.Time
	EndTime   time.Time
	TimeZone  string
}

func (s Slot) Duration() time.Duration { return s.EndTime.Sub(s.StartTime) }

// =============================================================================
// PURCHASES
// =============================================================================

// Package is supplied by the tutor's catalog. Price is per credit.
type Package struct {
	ID       string
	Name     string
	Duration time.Duration
	Price    decimal.Decimal
	Credits  int
}

// Total is Price × Credits.
func (p Package) Total() decimal.Decimal {
	return p.Price.Mul(decimal.NewFromInt(int64(p.Credits)))
}

type PurchaseStatus string

const (
	PurchasePaid    PurchaseStatus = "paid"
	PurchasePending PurchaseStatus = "pending"
	PurchaseFailed  PurchaseStatus = "failed"
)

// PurchaseRecord is write-once: stores expose no update or delete.
type PurchaseRecord struct {
	ID               string
	StudentID        AccountID
	TutorID          AccountID
	PackageID        string
	PackageName      string
	CreditsPurchased int
	PricePerCredit   decimal.Decimal
	TotalAmount      decimal.Decimal
	PurchaseDate     time.Time
	Status           PurchaseStatus
	IdempotencyKey   string
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

type EntryReason string

const (
	ReasonPurchase    EntryReason = "purchase"
	ReasonReservation EntryReason = "reservation"
	ReasonRefund      EntryReason = "refund"
	ReasonAdjustment  EntryReason = "adjustment"
)

// LedgerEntry records one balance change. Append-only.
type LedgerEntry struct {
	ID           string
	AccountID    AccountID
	Delta        int
	BalanceAfter int
	Reason       EntryReason
	ReferenceID  string // booking, purchase or adjustment this change belongs to
	Note         string
	CreatedAt    time.Time
}
