// Package store provides the in-memory engine.Store implementation.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/lesson-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	accounts  map[engine.AccountID]engine.Account
	bookings  map[engine.BookingID]engine.Booking
	purchases []engine.PurchaseRecord
	ledger    []engine.LedgerEntry
	tasks     []engine.SyncTask
	seq       int64

	// upcoming mirrors the SQL partial unique index on (tutor, start).
	upcoming map[slotKey]engine.BookingID
}

type slotKey struct {
	TutorID engine.AccountID
	Start   int64
}

func keyOf(b engine.Booking) slotKey {
	return slotKey{TutorID: b.TutorID, Start: b.StartTime.Unix()}
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[engine.AccountID]engine.Account),
		bookings: make(map[engine.BookingID]engine.Booking),
		upcoming: make(map[slotKey]engine.BookingID),
	}
}

// SaveAccount registers an account or updates its role.
func (m *Memory) SaveAccount(_ context.Context, a engine.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.accounts[a.ID]; ok {
		existing.Role = a.Role
		m.accounts[a.ID] = existing
		return nil
	}
	a.CreditBalance = 0
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id engine.AccountID) (*engine.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(id)
}

func (m *Memory) getAccountLocked(id engine.AccountID) (*engine.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, &engine.NotFoundError{Kind: "account", ID: string(id)}
	}
	return &a, nil
}

func (m *Memory) GetBooking(_ context.Context, id engine.BookingID) (*engine.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBookingLocked(id)
}

func (m *Memory) getBookingLocked(id engine.BookingID) (*engine.Booking, error) {
	b, ok := m.bookings[id]
	if !ok {
		return nil, &engine.NotFoundError{Kind: "booking", ID: string(id)}
	}
	return &b, nil
}

func (m *Memory) UpcomingOverlapping(_ context.Context, tutorID engine.AccountID, start, end time.Time) ([]engine.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.upcomingOverlappingLocked(tutorID, start, end), nil
}

func (m *Memory) upcomingOverlappingLocked(tutorID engine.AccountID, start, end time.Time) []engine.Booking {
	var result []engine.Booking
	for _, b := range m.bookings {
		if b.TutorID == tutorID && b.Status == engine.BookingUpcoming && b.Overlaps(start, end) {
			result = append(result, b)
		}
	}
	sortBookings(result)
	return result
}

func (m *Memory) FindPurchase(_ context.Context, studentID engine.AccountID, key string) (*engine.PurchaseRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.findPurchaseLocked(studentID, key)
	return p, ok, nil
}

func (m *Memory) findPurchaseLocked(studentID engine.AccountID, key string) (*engine.PurchaseRecord, bool) {
	if key == "" {
		return nil, false
	}
	for _, p := range m.purchases {
		if p.StudentID == studentID && p.IdempotencyKey == key {
			p := p
			return &p, true
		}
	}
	return nil, false
}

func (m *Memory) ListBookings(_ context.Context, f engine.BookingFilter) ([]engine.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.Booking
	for _, b := range m.bookings {
		if matches(b, f) {
			result = append(result, b)
		}
	}
	sortBookings(result)
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func matches(b engine.Booking, f engine.BookingFilter) bool {
	switch {
	case f.StudentID != "" && b.StudentID != f.StudentID:
		return false
	case f.TutorID != "" && b.TutorID != f.TutorID:
		return false
	case f.Status != "" && b.Status != f.Status:
		return false
	case !f.StartsFrom.IsZero() && b.StartTime.Before(f.StartsFrom):
		return false
	case !f.StartsBefore.IsZero() && !b.StartTime.Before(f.StartsBefore):
		return false
	case !f.EndsAtOrBefore.IsZero() && b.EndTime.After(f.EndsAtOrBefore):
		return false
	}
	return true
}

func sortBookings(bs []engine.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].StartTime.Equal(bs[j].StartTime) {
			return bs[i].StartTime.Before(bs[j].StartTime)
		}
		return strings.Compare(string(bs[i].ID), string(bs[j].ID)) < 0
	})
}

func (m *Memory) ListPurchases(_ context.Context, studentID engine.AccountID) ([]engine.PurchaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.PurchaseRecord
	for _, p := range m.purchases {
		if p.StudentID == studentID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *Memory) LedgerEntries(_ context.Context, accountID engine.AccountID) ([]engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.LedgerEntry
	for _, e := range m.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

// DueSyncTasks returns pending tasks runnable at now, in Seq order.
func (m *Memory) DueSyncTasks(_ context.Context, now time.Time, limit int) ([]engine.SyncTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	waiting := make(map[engine.BookingID]bool)
	var result []engine.SyncTask
	for _, t := range m.tasks {
		if t.Status != engine.SyncPending || waiting[t.ChainID] {
			continue
		}
		if !t.Due(now) {
			waiting[t.ChainID] = true
			continue
		}
		result = append(result, t)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) UpdateSyncTask(_ context.Context, task engine.SyncTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.tasks {
		if m.tasks[i].ID == task.ID {
			m.tasks[i].Status = task.Status
			m.tasks[i].Attempts = task.Attempts
			m.tasks[i].NextAttemptAt = task.NextAttemptAt
			m.tasks[i].LastError = task.LastError
			m.tasks[i].EventRef = task.EventRef
			return nil
		}
	}
	return &engine.NotFoundError{Kind: "sync task", ID: task.ID}
}

// SyncTasks returns every task regardless of status, for inspection.
func (m *Memory) SyncTasks() []engine.SyncTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engine.SyncTask(nil), m.tasks...)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole callback, so transactions are
// serialized.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Snapshot current state
	snap := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm}); err != nil {
		// Rollback
		tm.restore(snap)
		return err
	}

	// Commit (already done via direct writes)
	return nil
}

type memorySnapshot struct {
	accounts  map[engine.AccountID]engine.Account
	bookings  map[engine.BookingID]engine.Booking
	upcoming  map[slotKey]engine.BookingID
	purchases int
	ledger    int
	tasks     int
	seq       int64
}

// snapshot copies the mutable maps. The slices are append-only inside a
// transaction, so their lengths are enough to roll back.
func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:  make(map[engine.AccountID]engine.Account, len(tm.accounts)),
		bookings:  make(map[engine.BookingID]engine.Booking, len(tm.bookings)),
		upcoming:  make(map[slotKey]engine.BookingID, len(tm.upcoming)),
		purchases: len(tm.purchases),
		ledger:    len(tm.ledger),
		tasks:     len(tm.tasks),
		seq:       tm.seq,
	}
	for k, v := range tm.accounts {
		s.accounts[k] = v
	}
	for k, v := range tm.bookings {
		s.bookings[k] = v
	}
	for k, v := range tm.upcoming {
		s.upcoming[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.accounts = s.accounts
	tm.bookings = s.bookings
	tm.upcoming = s.upcoming
	tm.purchases = tm.purchases[:s.purchases]
	tm.ledger = tm.ledger[:s.ledger]
	tm.tasks = tm.tasks[:s.tasks]
	tm.seq = s.seq
}

type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetAccount(_ context.Context, id engine.AccountID) (*engine.Account, error) {
	return tv.parent.getAccountLocked(id)
}

func (tv *txMemoryView) GetBooking(_ context.Context, id engine.BookingID) (*engine.Booking, error) {
	return tv.parent.getBookingLocked(id)
}

func (tv *txMemoryView) UpcomingOverlapping(_ context.Context, tutorID engine.AccountID, start, end time.Time) ([]engine.Booking, error) {
	return tv.parent.upcomingOverlappingLocked(tutorID, start, end), nil
}

func (tv *txMemoryView) FindPurchase(_ context.Context, studentID engine.AccountID, key string) (*engine.PurchaseRecord, bool, error) {
	p, ok := tv.parent.findPurchaseLocked(studentID, key)
	return p, ok, nil
}

func (tv *txMemoryView) SetBalance(_ context.Context, id engine.AccountID, balance int) error {
	a, ok := tv.parent.accounts[id]
	if !ok {
		return &engine.NotFoundError{Kind: "account", ID: string(id)}
	}
	if balance < 0 {
		return &engine.InsufficientCreditsError{AccountID: id, Available: a.CreditBalance, Requested: a.CreditBalance - balance}
	}
	a.CreditBalance = balance
	tv.parent.accounts[id] = a
	return nil
}

func (tv *txMemoryView) AppendLedgerEntry(_ context.Context, e engine.LedgerEntry) error {
	tv.parent.ledger = append(tv.parent.ledger, e)
	return nil
}

func (tv *txMemoryView) InsertPurchase(_ context.Context, p engine.PurchaseRecord) error {
	if _, dup := tv.parent.findPurchaseLocked(p.StudentID, p.IdempotencyKey); dup {
		return engine.ErrDuplicateIdempotencyKey
	}
	tv.parent.purchases = append(tv.parent.purchases, p)
	return nil
}

func (tv *txMemoryView) InsertBooking(_ context.Context, b engine.Booking) error {
	if _, exists := tv.parent.bookings[b.ID]; exists {
		return fmt.Errorf("%w: booking %s already exists", engine.ErrInternal, b.ID)
	}
	if b.Status == engine.BookingUpcoming {
		if holder, taken := tv.parent.upcoming[keyOf(b)]; taken {
			return &engine.SlotConflictError{TutorID: b.TutorID, StartTime: b.StartTime, ExistingBookingID: holder}
		}
		tv.parent.upcoming[keyOf(b)] = b.ID
	}
	tv.parent.bookings[b.ID] = b
	return nil
}

func (tv *txMemoryView) UpdateBooking(_ context.Context, b engine.Booking) error {
	old, ok := tv.parent.bookings[b.ID]
	if !ok {
		return &engine.NotFoundError{Kind: "booking", ID: string(b.ID)}
	}
	if old.Status == engine.BookingUpcoming {
		delete(tv.parent.upcoming, keyOf(old))
	}
	if b.Status == engine.BookingUpcoming {
		if holder, taken := tv.parent.upcoming[keyOf(b)]; taken && holder != b.ID {
			return &engine.SlotConflictError{TutorID: b.TutorID, StartTime: b.StartTime, ExistingBookingID: holder}
		}
		tv.parent.upcoming[keyOf(b)] = b.ID
	}
	tv.parent.bookings[b.ID] = b
	return nil
}

func (tv *txMemoryView) EnqueueSync(_ context.Context, t engine.SyncTask) error {
	tv.parent.seq++
	t.Seq = tv.parent.seq
	tv.parent.tasks = append(tv.parent.tasks, t)
	return nil
}
