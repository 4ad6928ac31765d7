/*
Package sqlite provides a SQLite-backed implementation of engine.Store.

PURPOSE:
  Persists accounts, bookings, purchases, ledger entries and outbox tasks in
  SQLite. The PostgreSQL store (store/postgres) follows the same schema with
  dialect differences only.

INTERFACES IMPLEMENTED:
  engine.Store:       WithTx + read models
  engine.OutboxStore: pending sync tasks for the dispatcher

WRITE-ONCE ENFORCEMENT:
  - No UPDATE or DELETE statements on purchases or ledger_entries
  - bookings are only updated by status transitions and the event ref back-fill

KEY TABLES:
  accounts:       credit holders and tutors, CHECK (credit_balance >= 0)
  bookings:       reservations with reschedule lineage
  purchases:      immutable purchase records
  ledger_entries: one row per balance change
  sync_tasks:     outbox rows drained by the dispatcher

INDEXES:
  - idx_unique_tutor_upcoming_start: no two upcoming bookings of one tutor
    share a start time. Backstop for the engine's conflict check.
  - idx_unique_purchase_key: one purchase per (student, idempotency key)
  - idx_bookings_tutor_window: conflict lookups (hot path)
  - idx_sync_tasks_chain: per-chain head lookup when loading due tasks

TIME FORMAT:
  Instants are stored as fixed-width UTC strings (timeLayout) so that string
  comparison in SQL matches chronological order.

CONCURRENCY:
  A single connection and a mutex held for the whole transaction serialise
  writers. Reads outside WithTx take the read lock.

USAGE:
  store, err := sqlite.New("./data/lessons.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eng := engine.New(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - engine/store.go: interface definitions
  - engine/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/lesson-engine/engine"
)

const timeLayout = "2006-01-02T15:04:05Z"

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		credit_balance INTEGER NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES accounts(id),
		tutor_id TEXT NOT NULL REFERENCES accounts(id),
		subject TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		time_zone TEXT NOT NULL,
		status TEXT NOT NULL,
		external_event_ref TEXT,
		previous_booking_id TEXT,
		rescheduled_to_id TEXT,
		cancellation_date TEXT,
		refunded INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: a tutor cannot have two upcoming bookings at the same start
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_tutor_upcoming_start
		ON bookings(tutor_id, start_time)
		WHERE status = 'upcoming';

	-- Conflict lookups (hot path)
	CREATE INDEX IF NOT EXISTS idx_bookings_tutor_window
		ON bookings(tutor_id, status, start_time, end_time);

	CREATE INDEX IF NOT EXISTS idx_bookings_student
		ON bookings(student_id, start_time);

	-- Completion sweep
	CREATE INDEX IF NOT EXISTS idx_bookings_status_end
		ON bookings(status, end_time);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES accounts(id),
		tutor_id TEXT NOT NULL,
		package_id TEXT,
		package_name TEXT NOT NULL,
		credits_purchased INTEGER NOT NULL,
		price_per_credit TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		purchase_date TEXT NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_purchase_key
		ON purchases(student_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		delta INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		reason TEXT NOT NULL,
		reference_id TEXT,
		note TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_account
		ON ledger_entries(account_id, created_at);

	CREATE TABLE IF NOT EXISTS sync_tasks (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		chain_id TEXT NOT NULL,
		booking_id TEXT NOT NULL,
		tutor_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		time_zone TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		last_error TEXT,
		event_ref TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_tasks_pending
		ON sync_tasks(status, seq);

	CREATE INDEX IF NOT EXISTS idx_sync_tasks_chain
		ON sync_tasks(chain_id, status, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// SaveAccount registers an account or updates its role.
func (s *Store) SaveAccount(ctx context.Context, a engine.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO accounts (id, role, credit_balance, created_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET role = excluded.role
	`
	_, err := s.db.ExecContext(ctx, query, a.ID, a.Role, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id engine.AccountID) (*engine.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, q querier, id engine.AccountID) (*engine.Account, error) {
	var (
		a         engine.Account
		createdAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, role, credit_balance, created_at FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Role, &a.CreditBalance, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Kind: "account", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func setBalance(ctx context.Context, q querier, id engine.AccountID, balance int) error {
	res, err := q.ExecContext(ctx, `UPDATE accounts SET credit_balance = ? WHERE id = ?`, balance, id)
	if err != nil {
		return classify(err, "failed to update balance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Kind: "account", ID: string(id)}
	}
	return nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, student_id, tutor_id, subject, start_time, end_time, time_zone, status,
	external_event_ref, previous_booking_id, rescheduled_to_id, cancellation_date, refunded, created_at`

func (s *Store) GetBooking(ctx context.Context, id engine.BookingID) (*engine.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBooking(ctx, s.db, id)
}

func getBooking(ctx context.Context, q querier, id engine.BookingID) (*engine.Booking, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	bookings, err := scanBookings(rows)
	if err != nil {
		return nil, err
	}
	if len(bookings) == 0 {
		return nil, &engine.NotFoundError{Kind: "booking", ID: string(id)}
	}
	return &bookings[0], nil
}

func (s *Store) UpcomingOverlapping(ctx context.Context, tutorID engine.AccountID, start, end time.Time) ([]engine.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return upcomingOverlapping(ctx, s.db, tutorID, start, end)
}

func upcomingOverlapping(ctx context.Context, q querier, tutorID engine.AccountID, start, end time.Time) ([]engine.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
		WHERE tutor_id = ? AND status = 'upcoming'
		  AND start_time < ? AND end_time > ?
		ORDER BY start_time ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, tutorID, formatTime(end), formatTime(start))
	if err != nil {
		return nil, fmt.Errorf("failed to query tutor bookings: %w", err)
	}
	return scanBookings(rows)
}

// ListBookings returns bookings matching the filter ordered by start time.
func (s *Store) ListBookings(ctx context.Context, f engine.BookingFilter) ([]engine.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.StudentID != "" {
		where = append(where, "student_id = ?")
		args = append(args, f.StudentID)
	}
	if f.TutorID != "" {
		where = append(where, "tutor_id = ?")
		args = append(args, f.TutorID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.StartsFrom.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, formatTime(f.StartsFrom))
	}
	if !f.StartsBefore.IsZero() {
		where = append(where, "start_time < ?")
		args = append(args, formatTime(f.StartsBefore))
	}
	if !f.EndsAtOrBefore.IsZero() {
		where = append(where, "end_time <= ?")
		args = append(args, formatTime(f.EndsAtOrBefore))
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_time ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return scanBookings(rows)
}

func insertBooking(ctx context.Context, q querier, b engine.Booking) error {
	query := `INSERT INTO bookings (` + bookingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query, bookingArgs(b)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &engine.SlotConflictError{TutorID: b.TutorID, StartTime: b.StartTime}
		}
		return classify(err, "failed to insert booking")
	}
	return nil
}

func updateBooking(ctx context.Context, q querier, b engine.Booking) error {
	query := `
		UPDATE bookings SET
			status = ?, external_event_ref = ?, rescheduled_to_id = ?,
			cancellation_date = ?, refunded = ?
		WHERE id = ?
	`
	res, err := q.ExecContext(ctx, query,
		b.Status,
		nullString(b.ExternalEventRef),
		nullString(string(b.RescheduledToID)),
		nullTime(b.CancellationDate),
		b.Refunded,
		b.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &engine.SlotConflictError{TutorID: b.TutorID, StartTime: b.StartTime}
		}
		return classify(err, "failed to update booking")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Kind: "booking", ID: string(b.ID)}
	}
	return nil
}

func bookingArgs(b engine.Booking) []any {
	return []any{
		b.ID, b.StudentID, b.TutorID, b.Subject,
		formatTime(b.StartTime), formatTime(b.EndTime), b.TimeZone, b.Status,
		nullString(b.ExternalEventRef),
		nullString(string(b.PreviousBookingID)),
		nullString(string(b.RescheduledToID)),
		nullTime(b.CancellationDate),
		b.Refunded,
		formatTime(b.CreatedAt),
	}
}

func scanBookings(rows *sql.Rows) ([]engine.Booking, error) {
	defer rows.Close()

	var bookings []engine.Booking
	for rows.Next() {
		var (
			b                                      engine.Booking
			start, end, createdAt                  string
			eventRef, prev, next, cancellationDate sql.NullString
		)
		if err := rows.Scan(
			&b.ID, &b.StudentID, &b.TutorID, &b.Subject, &start, &end, &b.TimeZone, &b.Status,
			&eventRef, &prev, &next, &cancellationDate, &b.Refunded, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		b.StartTime = parseTime(start)
		b.EndTime = parseTime(end)
		b.CreatedAt = parseTime(createdAt)
		b.ExternalEventRef = eventRef.String
		b.PreviousBookingID = engine.BookingID(prev.String)
		b.RescheduledToID = engine.BookingID(next.String)
		if cancellationDate.Valid {
			t := parseTime(cancellationDate.String)
			b.CancellationDate = &t
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// =============================================================================
// PURCHASES
// =============================================================================

const purchaseColumns = `id, student_id, tutor_id, package_id, package_name, credits_purchased,
	price_per_credit, total_amount, purchase_date, status, idempotency_key`

func (s *Store) FindPurchase(ctx context.Context, studentID engine.AccountID, key string) (*engine.PurchaseRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findPurchase(ctx, s.db, studentID, key)
}

func findPurchase(ctx context.Context, q querier, studentID engine.AccountID, key string) (*engine.PurchaseRecord, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE student_id = ? AND idempotency_key = ?`,
		studentID, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find purchase: %w", err)
	}
	records, err := scanPurchases(rows)
	if err != nil || len(records) == 0 {
		return nil, false, err
	}
	return &records[0], true, nil
}

func (s *Store) ListPurchases(ctx context.Context, studentID engine.AccountID) ([]engine.PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE student_id = ? ORDER BY purchase_date ASC, id ASC`,
		studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	return scanPurchases(rows)
}

func insertPurchase(ctx context.Context, q querier, p engine.PurchaseRecord) error {
	query := `INSERT INTO purchases (` + purchaseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		p.ID, p.StudentID, p.TutorID, nullString(p.PackageID), p.PackageName, p.CreditsPurchased,
		p.PricePerCredit.String(), p.TotalAmount.String(),
		formatTime(p.PurchaseDate), p.Status, nullString(p.IdempotencyKey),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateIdempotencyKey
		}
		return classify(err, "failed to insert purchase")
	}
	return nil
}

func scanPurchases(rows *sql.Rows) ([]engine.PurchaseRecord, error) {
	defer rows.Close()

	var records []engine.PurchaseRecord
	for rows.Next() {
		var (
			p                 engine.PurchaseRecord
			packageID, key    sql.NullString
			price, total, day string
		)
		if err := rows.Scan(
			&p.ID, &p.StudentID, &p.TutorID, &packageID, &p.PackageName, &p.CreditsPurchased,
			&price, &total, &day, &p.Status, &key,
		); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		p.PackageID = packageID.String
		p.IdempotencyKey = key.String
		p.PurchaseDate = parseTime(day)
		p.PricePerCredit = decimal.RequireFromString(price)
		p.TotalAmount = decimal.RequireFromString(total)
		records = append(records, p)
	}
	return records, rows.Err()
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (s *Store) LedgerEntries(ctx context.Context, accountID engine.AccountID) ([]engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, delta, balance_after, reason, reference_id, note, created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY rowid ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []engine.LedgerEntry
	for rows.Next() {
		var (
			e         engine.LedgerEntry
			ref, note sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.BalanceAfter, &e.Reason, &ref, &note, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ReferenceID = ref.String
		e.Note = note.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func appendLedgerEntry(ctx context.Context, q querier, e engine.LedgerEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, delta, balance_after, reason, reference_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Delta, e.BalanceAfter, e.Reason,
		nullString(e.ReferenceID), nullString(e.Note), formatTime(e.CreatedAt),
	)
	return classify(err, "failed to append ledger entry")
}

// =============================================================================
// SYNC TASKS (engine.OutboxStore)
// =============================================================================

func enqueueSync(ctx context.Context, q querier, t engine.SyncTask) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_tasks (id, kind, chain_id, booking_id, tutor_id, student_id,
			subject, start_time, end_time, time_zone, status, attempts, next_attempt_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.ChainID, t.BookingID, t.TutorID, t.StudentID,
		t.Slot.Subject, formatTime(t.Slot.StartTime), formatTime(t.Slot.EndTime), t.Slot.TimeZone,
		t.Status, t.Attempts, formatTime(t.NextAttemptAt), nullString(t.LastError), formatTime(t.CreatedAt),
	)
	return classify(err, "failed to enqueue sync task")
}

// DueSyncTasks returns up to limit pending tasks runnable at now, in Seq
// order. Tasks queued behind a backing-off task of their chain are skipped.
func (s *Store) DueSyncTasks(ctx context.Context, now time.Time, limit int) ([]engine.SyncTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT t.seq, t.id, t.kind, t.chain_id, t.booking_id, t.tutor_id, t.student_id,
			t.subject, t.start_time, t.end_time, t.time_zone, t.status, t.attempts,
			t.next_attempt_at, t.last_error, t.event_ref, t.created_at
		FROM sync_tasks t
		WHERE t.status = 'pending'
			AND t.next_attempt_at <= ?
			AND NOT EXISTS (
				SELECT 1 FROM sync_tasks p
				WHERE p.chain_id = t.chain_id
					AND p.status = 'pending'
					AND p.seq < t.seq
					AND p.next_attempt_at > ?
			)
		ORDER BY t.seq ASC`
	at := formatTime(now)
	args := []any{at, at}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync tasks: %w", err)
	}
	defer rows.Close()

	var tasks []engine.SyncTask
	for rows.Next() {
		var (
			t                           engine.SyncTask
			start, end, next, createdAt string
			lastError, eventRef         sql.NullString
		)
		if err := rows.Scan(
			&t.Seq, &t.ID, &t.Kind, &t.ChainID, &t.BookingID, &t.TutorID, &t.StudentID,
			&t.Slot.Subject, &start, &end, &t.Slot.TimeZone, &t.Status, &t.Attempts,
			&next, &lastError, &eventRef, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}
		t.Slot.StartTime = parseTime(start)
		t.Slot.EndTime = parseTime(end)
		t.NextAttemptAt = parseTime(next)
		t.CreatedAt = parseTime(createdAt)
		t.LastError = lastError.String
		t.EventRef = eventRef.String
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateSyncTask(ctx context.Context, t engine.SyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_tasks SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?, event_ref = ?
		WHERE id = ?`,
		t.Status, t.Attempts, formatTime(t.NextAttemptAt), nullString(t.LastError), nullString(t.EventRef), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Kind: "sync task", ID: t.ID}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore reads and writes only through the open transaction; the parent
// lock is already held.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetAccount(ctx context.Context, id engine.AccountID) (*engine.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) GetBooking(ctx context.Context, id engine.BookingID) (*engine.Booking, error) {
	return getBooking(ctx, ts.tx, id)
}

func (ts *txStore) UpcomingOverlapping(ctx context.Context, tutorID engine.AccountID, start, end time.Time) ([]engine.Booking, error) {
	return upcomingOverlapping(ctx, ts.tx, tutorID, start, end)
}

func (ts *txStore) FindPurchase(ctx context.Context, studentID engine.AccountID, key string) (*engine.PurchaseRecord, bool, error) {
	return findPurchase(ctx, ts.tx, studentID, key)
}

func (ts *txStore) SetBalance(ctx context.Context, id engine.AccountID, balance int) error {
	return setBalance(ctx, ts.tx, id, balance)
}

func (ts *txStore) AppendLedgerEntry(ctx context.Context, e engine.LedgerEntry) error {
	return appendLedgerEntry(ctx, ts.tx, e)
}

func (ts *txStore) InsertPurchase(ctx context.Context, p engine.PurchaseRecord) error {
	return insertPurchase(ctx, ts.tx, p)
}

func (ts *txStore) InsertBooking(ctx context.Context, b engine.Booking) error {
	return insertBooking(ctx, ts.tx, b)
}

func (ts *txStore) UpdateBooking(ctx context.Context, b engine.Booking) error {
	return updateBooking(ctx, ts.tx, b)
}

func (ts *txStore) EnqueueSync(ctx context.Context, t engine.SyncTask) error {
	return enqueueSync(ctx, ts.tx, t)
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isCheckConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck
}

// classify wraps err with msg, mapping the balance CHECK constraint to
// ErrInsufficientCredits. A nil err stays nil.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isCheckConstraintError(err) {
		return fmt.Errorf("%s: %w", msg, engine.ErrInsufficientCredits)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
