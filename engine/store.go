/*
store.go - Persistence interfaces for accounts, bookings, purchases and the outbox

PURPOSE:
  Defines the boundary between the engine and the database. All writes go
  through Store.WithTx; the Tx view handed to the callback reads and writes
  inside the same atomic transaction, so balance checks, conflict checks,
  booking inserts and outbox rows commit or roll back together.

KEY INTERFACES:
  Reader:      lookups shared by Store and Tx
  Tx:          the transactional view (reads + writes)
  Store:       WithTx plus non-transactional read models
  OutboxStore: pending sync task access for the dispatcher

WRITE-ONCE CONTRACT:
  - purchases and ledger_entries: insert only
  - bookings: insert, then status transitions via UpdateBooking
  - accounts: balance only through Tx.SetBalance (called by Ledger.Adjust)

CONFLICT BACKSTOP:
  SQL implementations carry a partial unique index on
  (tutor_id, start_time) WHERE status = 'upcoming'. A violation surfaces from
  InsertBooking as an error wrapping ErrSlotConflict, so a race the engine
  check cannot see still fails closed.

IMPLEMENTATIONS:
  - engine/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (SERIALIZABLE with retry)
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// READ INTERFACE
// =============================================================================

// Reader holds lookups shared by Store and Tx. Missing rows are reported with
// an error wrapping ErrNotFound.
type Reader interface {
	GetAccount(ctx context.Context, id AccountID) (*Account, error)
	GetBooking(ctx context.Context, id BookingID) (*Booking, error)

	// UpcomingOverlapping returns the tutor's upcoming bookings whose window
	// intersects [start, end). Both conflict modes filter this set.
	UpcomingOverlapping(ctx context.Context, tutorID AccountID, start, end time.Time) ([]Booking, error)

	// FindPurchase looks a purchase up by idempotency key.
	FindPurchase(ctx context.Context, studentID AccountID, idempotencyKey string) (*PurchaseRecord, bool, error)
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// Tx is valid only inside the WithTx callback.
type Tx interface {
	Reader

	SetBalance(ctx context.Context, id AccountID, balance int) error
	AppendLedgerEntry(ctx context.Context, entry LedgerEntry) error
	InsertPurchase(ctx context.Context, record PurchaseRecord) error

	InsertBooking(ctx context.Context, b Booking) error
	UpdateBooking(ctx context.Context, b Booking) error

	EnqueueSync(ctx context.Context, task SyncTask) error
}

// =============================================================================
// STORE
// =============================================================================

// BookingFilter narrows ListBookings. Zero fields are ignored.
type BookingFilter struct {
	StudentID      AccountID
	TutorID        AccountID
	Status         BookingStatus
	StartsFrom     time.Time // StartTime >= StartsFrom
	StartsBefore   time.Time // StartTime <  StartsBefore
	EndsAtOrBefore time.Time // EndTime <= EndsAtOrBefore
	Limit          int
}

// Store is the engine's persistence dependency.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	// Implementations may re-run fn on serialization failures, so fn must
	// only touch the Tx it is given.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// SaveAccount registers an account or updates its role. It never
	// touches CreditBalance of an existing account.
	SaveAccount(ctx context.Context, a Account) error

	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
	ListPurchases(ctx context.Context, studentID AccountID) ([]PurchaseRecord, error)
	LedgerEntries(ctx context.Context, accountID AccountID) ([]LedgerEntry, error)
}

// OutboxStore is implemented by every Store; the dispatcher depends on it.
type OutboxStore interface {
	Store

	// DueSyncTasks returns up to limit pending tasks ordered by Seq that may
	// run at now. A task is left out when it is not due yet, or when an
	// earlier pending task of the same chain is not due yet. Chains waiting
	// on a backoff therefore never take room from other chains.
	DueSyncTasks(ctx context.Context, now time.Time, limit int) ([]SyncTask, error)

	// UpdateSyncTask persists status, attempts, next attempt, last error and
	// the event reference obtained so far.
	UpdateSyncTask(ctx context.Context, task SyncTask) error
}
