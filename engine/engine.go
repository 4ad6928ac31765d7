package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRefundWindow is how long before the lesson start a cancellation
// still earns the credit back.
const DefaultRefundWindow = 24 * time.Hour

// ScheduleCache keeps a tutor's upcoming bookings close to the API. Misses
// and failures fall back to the store.
type ScheduleCache interface {
	// GetSchedule returns the cached schedule, or on a miss the version the
	// caller passes to PutSchedule once it has read the store.
	GetSchedule(ctx context.Context, tutorID AccountID) (bookings []Booking, version int64, ok bool)

	// PutSchedule must not make bookings visible if the tutor's schedule
	// changed after the GetSchedule that returned version.
	PutSchedule(ctx context.Context, tutorID AccountID, version int64, bookings []Booking)
}

// NoScheduleVersion tells PutSchedule to skip the write.
const NoScheduleVersion int64 = -1

// Engine runs the booking operations. Each operation opens exactly one
// Store.WithTx transaction and triggers side effects only after commit.
type Engine struct {
	store        Store
	ledger       *Ledger
	clock        Clock
	log          *zap.Logger
	mode         ConflictMode
	refundWindow time.Duration
	newID        func() string

	waker     Waker
	observers []Observer
	schedules ScheduleCache
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func WithConflictMode(m ConflictMode) Option { return func(e *Engine) { e.mode = m } }

func WithRefundWindow(d time.Duration) Option { return func(e *Engine) { e.refundWindow = d } }

// WithIDs replaces the UUID generator, mostly for tests.
func WithIDs(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// WithWaker registers the outbox dispatcher to poke after commits.
func WithWaker(w Waker) Option { return func(e *Engine) { e.waker = w } }

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithScheduleCache serves TutorSchedule from c and registers c as an observer
// when it implements Observer.
func WithScheduleCache(c ScheduleCache) Option {
	return func(e *Engine) {
		e.schedules = c
		if o, ok := c.(Observer); ok {
			e.observers = append(e.observers, o)
		}
	}
}

func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		clock:        SystemClock{},
		log:          zap.NewNop(),
		mode:         ConflictExact,
		refundWindow: DefaultRefundWindow,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = NewLedger(e.clock, e.newID)
	return e
}

func (e *Engine) Store() Store { return e.store }

// afterCommit runs post-commit side effects. Nothing here can fail the
// operation that triggered it.
func (e *Engine) afterCommit(ctx context.Context, tutorIDs ...AccountID) {
	if e.waker != nil {
		e.waker.Wake()
	}
	for _, id := range tutorIDs {
		for _, o := range e.observers {
			o.BookingsChanged(ctx, id)
		}
	}
}

// chainRoot walks PreviousBookingID back to the first booking of a
// reschedule chain.
func chainRoot(ctx context.Context, r Reader, b *Booking) (BookingID, error) {
	root := b.ID
	prev := b.PreviousBookingID
	for prev != "" {
		p, err := r.GetBooking(ctx, prev)
		if err != nil {
			return "", fmt.Errorf("failed to resolve reschedule chain of %s: %w", b.ID, err)
		}
		root = p.ID
		prev = p.PreviousBookingID
	}
	return root, nil
}

func (e *Engine) syncTask(kind SyncKind, chain BookingID, b Booking) SyncTask {
	now := e.clock.Now()
	return SyncTask{
		ID:            e.newID(),
		Kind:          kind,
		ChainID:       chain,
		BookingID:     b.ID,
		TutorID:       b.TutorID,
		StudentID:     b.StudentID,
		Slot:          b.Slot(),
		Status:        SyncPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}

// =============================================================================
// PURCHASES AND ADJUSTMENTS
// =============================================================================

type PurchaseRequest struct {
	StudentID      AccountID
	TutorID        AccountID
	Package        Package
	IdempotencyKey string
}

type PurchaseResult struct {
	NewBalance int
	Record     PurchaseRecord
	Replayed   bool // true when IdempotencyKey matched an earlier purchase
}

// Purchase credits a student from a package. A repeated IdempotencyKey for
// the same student returns the original record without crediting again.
func (e *Engine) Purchase(ctx context.Context, caller Caller, req PurchaseRequest) (*PurchaseResult, error) {
	if err := Authorize(caller, ActionPurchase, req.StudentID); err != nil {
		return nil, err
	}
	if req.StudentID == "" {
		return nil, invalid("studentId", "is required")
	}
	if req.TutorID == "" {
		return nil, invalid("tutorId", "is required")
	}
	if err := validatePackage(req.Package); err != nil {
		return nil, err
	}

	var result PurchaseResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		result = PurchaseResult{}

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

		if req.IdempotencyKey != "" {
			prior, found, err := tx.FindPurchase(ctx, req.StudentID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				result = PurchaseResult{NewBalance: student.CreditBalance, Record: *prior, Replayed: true}
				return nil
			}
		}

		record, balance, err := e.ledger.Purchase(ctx, tx, req)
		if err != nil {
			return err
		}
		result = PurchaseResult{NewBalance: balance, Record: record}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("credits purchased",
		zap.String("student_id", string(req.StudentID)),
		zap.String("purchase_id", result.Record.ID),
		zap.Int("credits", result.Record.CreditsPurchased),
		zap.Int("balance", result.NewBalance),
		zap.Bool("replayed", result.Replayed),
	)
	return &result, nil
}

// AdjustCredits is an admin correction through the same ledger choke point.
func (e *Engine) AdjustCredits(ctx context.Context, caller Caller, accountID AccountID, delta int, reason string) (*LedgerEntry, error) {
	if err := Authorize(caller, ActionAdjustCredits, accountID); err != nil {
		return nil, err
	}
	if delta == 0 {
		return nil, invalid("delta", "must not be zero")
	}
	if reason == "" {
		return nil, invalid("reason", "is required")
	}

	var entry LedgerEntry
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		entry, err = e.ledger.adjust(ctx, tx, accountID, delta, ReasonAdjustment, e.newID(), reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("credits adjusted",
		zap.String("account_id", string(accountID)),
		zap.String("admin_id", string(caller.ID)),
		zap.Int("delta", delta),
		zap.Int("balance", entry.BalanceAfter),
	)
	return &entry, nil
}

// =============================================================================
// ACCOUNTS AND READ MODELS
// =============================================================================

// RegisterAccount creates an account or changes its role. Admin only.
func (e *Engine) RegisterAccount(ctx context.Context, caller Caller, id AccountID, role Role) (*Account, error) {
	if err := Authorize(caller, ActionManageAccounts, id); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, invalid("id", "is required")
	}
	if !role.Valid() {
		return nil, invalid("role", "unknown role %q", role)
	}
	if err := e.store.SaveAccount(ctx, Account{ID: id, Role: role, CreatedAt: e.clock.Now()}); err != nil {
		return nil, err
	}
	return e.store.GetAccount(ctx, id)
}

func (e *Engine) Account(ctx context.Context, caller Caller, id AccountID) (*Account, error) {
	if err := Authorize(caller, ActionView, id); err != nil {
		return nil, err
	}
	return e.store.GetAccount(ctx, id)
}

// Booking is visible to its student, its tutor and admins.
func (e *Engine) Booking(ctx context.Context, caller Caller, id BookingID) (*Booking, error) {
	b, err := e.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	owner := b.StudentID
	if caller.Role == RoleTutor {
		owner = b.TutorID
	}
	if err := Authorize(caller, ActionView, owner); err != nil {
		return nil, err
	}
	return b, nil
}

func (e *Engine) StudentBookings(ctx context.Context, caller Caller, studentID AccountID, status BookingStatus) ([]Booking, error) {
	if err := Authorize(caller, ActionView, studentID); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, invalid("status", "unknown booking status %q", status)
	}
	return e.store.ListBookings(ctx, BookingFilter{StudentID: studentID, Status: status})
}

func (e *Engine) Purchases(ctx context.Context, caller Caller, studentID AccountID) ([]PurchaseRecord, error) {
	if err := Authorize(caller, ActionView, studentID); err != nil {
		return nil, err
	}
	return e.store.ListPurchases(ctx, studentID)
}

func (e *Engine) LedgerEntries(ctx context.Context, caller Caller, accountID AccountID) ([]LedgerEntry, error) {
	if err := Authorize(caller, ActionView, accountID); err != nil {
		return nil, err
	}
	return e.store.LedgerEntries(ctx, accountID)
}

// TutorSchedule returns the tutor's upcoming bookings ordered by start time.
func (e *Engine) TutorSchedule(ctx context.Context, caller Caller, tutorID AccountID) ([]Booking, error) {
	if err := Authorize(caller, ActionViewSchedule, tutorID); err != nil {
		return nil, err
	}
	version := NoScheduleVersion
	if e.schedules != nil {
		cached, v, ok := e.schedules.GetSchedule(ctx, tutorID)
		if ok {
			return cached, nil
		}
		version = v
	}

	bookings, err := e.store.ListBookings(ctx, BookingFilter{TutorID: tutorID, Status: BookingUpcoming})
	if err != nil {
		return nil, err
	}
	if e.schedules != nil {
		e.schedules.PutSchedule(ctx, tutorID, version, bookings)
	}
	return bookings, nil
}
