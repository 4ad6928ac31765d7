/*
Package postgres provides a PostgreSQL-backed implementation of engine.Store.

PURPOSE:
  Same schema and contract as store/sqlite, for deployments with more than
  one engine process. Concurrency control is left to the database.

CONCURRENCY:
  Every WithTx runs at SERIALIZABLE isolation. Serialization failures
  (40001) and deadlocks (40P01) roll back and re-run the callback, up to
  maxTxAttempts times. The callback therefore must not keep state between
  runs other than through the Tx it is given.

CONSTRAINT MAPPING:
  23505 on idx_unique_tutor_upcoming_start -> engine.SlotConflictError
  23505 on idx_unique_purchase_key         -> engine.ErrDuplicateIdempotencyKey
  23514 (balance CHECK)                    -> engine.ErrInsufficientCredits

MONEY:
  NUMERIC(12,2) columns, read back through ::text and parsed with
  shopspring/decimal so no float ever touches an amount.
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/warp/lesson-engine/engine"
)

const maxTxAttempts = 5

type Store struct {
	database *sql.DB
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := &Store{database: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.database.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			credit_balance INTEGER NOT NULL DEFAULT 0 CONSTRAINT accounts_balance_non_negative CHECK (credit_balance >= 0),
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL REFERENCES accounts(id),
			tutor_id TEXT NOT NULL REFERENCES accounts(id),
			subject TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			time_zone TEXT NOT NULL,
			status TEXT NOT NULL,
			external_event_ref TEXT,
			previous_booking_id TEXT,
			rescheduled_to_id TEXT,
			cancellation_date TIMESTAMPTZ,
			refunded BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_tutor_upcoming_start
			ON bookings(tutor_id, start_time) WHERE status = 'upcoming'`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_tutor_window
			ON bookings(tutor_id, status, start_time, end_time)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_student ON bookings(student_id, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status_end ON bookings(status, end_time)`,
		`CREATE TABLE IF NOT EXISTS purchases (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL REFERENCES accounts(id),
			tutor_id TEXT NOT NULL,
			package_id TEXT,
			package_name TEXT NOT NULL,
			credits_purchased INTEGER NOT NULL,
			price_per_credit NUMERIC(12,2) NOT NULL,
			total_amount NUMERIC(12,2) NOT NULL,
			purchase_date TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_purchase_key
			ON purchases(student_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			delta INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			reason TEXT NOT NULL,
			reference_id TEXT,
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, seq)`,
		`CREATE TABLE IF NOT EXISTS sync_tasks (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			chain_id TEXT NOT NULL,
			booking_id TEXT NOT NULL,
			tutor_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			subject TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			time_zone TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			last_error TEXT,
			event_ref TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_tasks_pending ON sync_tasks(status, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_tasks_chain ON sync_tasks(chain_id, status, seq)`,
	}
	for _, stmt := range statements {
		if _, err := s.database.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a SERIALIZABLE transaction, retrying on serialization
// failures.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !engine.IsRetryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		time.Sleep(time.Duration(attempt*attempt) * 5 * time.Millisecond)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(engine.Tx) error) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "failed to commit transaction")
	}
	return nil
}

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
	res, err := ts.tx.ExecContext(ctx, `UPDATE accounts SET credit_balance = $1 WHERE id = $2`, balance, id)
	if err != nil {
		return classify(err, "failed to update balance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Kind: "account", ID: string(id)}
	}
	return nil
}

func (ts *txStore) AppendLedgerEntry(ctx context.Context, e engine.LedgerEntry) error {
	_, err := ts.tx.ExecContext(ctx,
		"INSERT INTO ledger_entries (id, account_id, delta, balance_after, reason, reference_id, note, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		e.ID, e.AccountID, e.Delta, e.BalanceAfter, e.Reason,
		nullString(e.ReferenceID), nullString(e.Note), e.CreatedAt)
	return classify(err, "failed to append ledger entry")
}

func (ts *txStore) InsertPurchase(ctx context.Context, p engine.PurchaseRecord) error {
	_, err := ts.tx.ExecContext(ctx,
		"INSERT INTO purchases (id, student_id, tutor_id, package_id, package_name, credits_purchased,"+
			" price_per_credit, total_amount, purchase_date, status, idempotency_key)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11)",
		p.ID, p.StudentID, p.TutorID, nullString(p.PackageID), p.PackageName, p.CreditsPurchased,
		p.PricePerCredit.String(), p.TotalAmount.String(), p.PurchaseDate, p.Status, nullString(p.IdempotencyKey))
	return classify(err, "failed to insert purchase")
}

func (ts *txStore) InsertBooking(ctx context.Context, b engine.Booking) error {
	_, err := ts.tx.ExecContext(ctx,
		"INSERT INTO bookings ("+bookingColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)",
		b.ID, b.StudentID, b.TutorID, b.Subject, b.StartTime, b.EndTime, b.TimeZone, b.Status,
		nullString(b.ExternalEventRef), nullString(string(b.PreviousBookingID)),
		nullString(string(b.RescheduledToID)), nullTime(b.CancellationDate), b.Refunded, b.CreatedAt)
	if err != nil {
		if isConstraint(err, "idx_unique_tutor_upcoming_start") {
			return &engine.SlotConflictError{TutorID: b.TutorID, StartTime: b.StartTime}
		}
		return classify(err, "failed to insert booking")
	}
	return nil
}

func (ts *txStore) UpdateBooking(ctx context.Context, b engine.Booking) error {
	return updateBooking(ctx, ts.tx, b)
}

func (ts *txStore) EnqueueSync(ctx context.Context, t engine.SyncTask) error {
	_, err := ts.tx.ExecContext(ctx,
		"INSERT INTO sync_tasks (id, kind, chain_id, booking_id, tutor_id, student_id,"+
			" subject, start_time, end_time, time_zone, status, attempts, next_attempt_at, last_error, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)",
		t.ID, t.Kind, t.ChainID, t.BookingID, t.TutorID, t.StudentID,
		t.Slot.Subject, t.Slot.StartTime, t.Slot.EndTime, t.Slot.TimeZone,
		t.Status, t.Attempts, t.NextAttemptAt, nullString(t.LastError), t.CreatedAt)
	return classify(err, "failed to enqueue sync task")
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) SaveAccount(ctx context.Context, a engine.Account) error {
	_, err := s.database.ExecContext(ctx,
		"INSERT INTO accounts (id, role, credit_balance, created_at)"+
			" VALUES ($1, $2, 0, $3)"+
			" ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role",
		a.ID, a.Role, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id engine.AccountID) (*engine.Account, error) {
	return getAccount(ctx, s.database, id)
}

func getAccount(ctx context.Context, q querier, id engine.AccountID) (*engine.Account, error) {
	var a engine.Account
	err := q.QueryRowContext(ctx,
		"SELECT id, role, credit_balance, created_at FROM accounts WHERE id = $1", id,
	).Scan(&a.ID, &a.Role, &a.CreditBalance, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.NotFoundError{Kind: "account", ID: string(id)}
	}
	if err != nil {
		return nil, classify(err, "failed to get account")
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = "id, student_id, tutor_id, subject, start_time, end_time, time_zone, status," +
	" external_event_ref, previous_booking_id, rescheduled_to_id, cancellation_date, refunded, created_at"

func (s *Store) GetBooking(ctx context.Context, id engine.BookingID) (*engine.Booking, error) {
	return getBooking(ctx, s.database, id)
}

func getBooking(ctx context.Context, q querier, id engine.BookingID) (*engine.Booking, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = $1", id)
	if err != nil {
		return nil, classify(err, "failed to get booking")
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
	return upcomingOverlapping(ctx, s.database, tutorID, start, end)
}

func upcomingOverlapping(ctx context.Context, q querier, tutorID engine.AccountID, start, end time.Time) ([]engine.Booking, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+bookingColumns+" FROM bookings"+
			" WHERE tutor_id = $1 AND status = 'upcoming'"+
			"   AND start_time < $2 AND end_time > $3"+
			" ORDER BY start_time, id",
		tutorID, end, start)
	if err != nil {
		return nil, classify(err, "failed to query tutor bookings")
	}
	return scanBookings(rows)
}

func (s *Store) ListBookings(ctx context.Context, f engine.BookingFilter) ([]engine.Booking, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.StudentID != "" {
		add("student_id = $%d", f.StudentID)
	}
	if f.TutorID != "" {
		add("tutor_id = $%d", f.TutorID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.StartsFrom.IsZero() {
		add("start_time >= $%d", f.StartsFrom)
	}
	if !f.StartsBefore.IsZero() {
		add("start_time < $%d", f.StartsBefore)
	}
	if !f.EndsAtOrBefore.IsZero() {
		add("end_time <= $%d", f.EndsAtOrBefore)
	}

	query := "SELECT " + bookingColumns + " FROM bookings"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return scanBookings(rows)
}

func updateBooking(ctx context.Context, q querier, b engine.Booking) error {
	res, err := q.ExecContext(ctx,
		"UPDATE bookings SET status = $1, external_event_ref = $2, rescheduled_to_id = $3,"+
			" cancellation_date = $4, refunded = $5"+
			" WHERE id = $6",
		b.Status, nullString(b.ExternalEventRef), nullString(string(b.RescheduledToID)),
		nullTime(b.CancellationDate), b.Refunded, b.ID)
	if err != nil {
		if isConstraint(err, "idx_unique_tutor_upcoming_start") {
			return &engine.SlotConflictError{TutorID: b.TutorID, StartTime: b.StartTime}
		}
		return classify(err, "failed to update booking")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Kind: "booking", ID: string(b.ID)}
	}
	return nil
}

func scanBookings(rows *sql.Rows) ([]engine.Booking, error) {
	defer rows.Close()

	var bookings []engine.Booking
	for rows.Next() {
		var (
			b                    engine.Booking
			eventRef, prev, next sql.NullString
			cancelled            sql.NullTime
		)
		if err := rows.Scan(
			&b.ID, &b.StudentID, &b.TutorID, &b.Subject, &b.StartTime, &b.EndTime, &b.TimeZone, &b.Status,
			&eventRef, &prev, &next, &cancelled, &b.Refunded, &b.CreatedAt,
		); err != nil {
			return nil, classify(err, "failed to scan booking")
		}
		b.StartTime = b.StartTime.UTC()
		b.EndTime = b.EndTime.UTC()
		b.CreatedAt = b.CreatedAt.UTC()
		b.ExternalEventRef = eventRef.String
		b.PreviousBookingID = engine.BookingID(prev.String)
		b.RescheduledToID = engine.BookingID(next.String)
		if cancelled.Valid {
			t := cancelled.Time.UTC()
			b.CancellationDate = &t
		}
		bookings = append(bookings, b)
	}
	return bookings, classify(rows.Err(), "failed to read bookings")
}

// =============================================================================
// PURCHASES AND LEDGER
// =============================================================================

const purchaseColumns = "id, student_id, tutor_id, package_id, package_name, credits_purchased," +
	" price_per_credit::text, total_amount::text, purchase_date, status, idempotency_key"

func (s *Store) FindPurchase(ctx context.Context, studentID engine.AccountID, key string) (*engine.PurchaseRecord, bool, error) {
	return findPurchase(ctx, s.database, studentID, key)
}

func findPurchase(ctx context.Context, q querier, studentID engine.AccountID, key string) (*engine.PurchaseRecord, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	rows, err := q.QueryContext(ctx,
		"SELECT "+purchaseColumns+" FROM purchases WHERE student_id = $1 AND idempotency_key = $2",
		studentID, key)
	if err != nil {
		return nil, false, classify(err, "failed to find purchase")
	}
	records, err := scanPurchases(rows)
	if err != nil || len(records) == 0 {
		return nil, false, err
	}
	return &records[0], true, nil
}

func (s *Store) ListPurchases(ctx context.Context, studentID engine.AccountID) ([]engine.PurchaseRecord, error) {
	rows, err := s.database.QueryContext(ctx,
		"SELECT "+purchaseColumns+" FROM purchases WHERE student_id = $1 ORDER BY purchase_date, id",
		studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	return scanPurchases(rows)
}

func scanPurchases(rows *sql.Rows) ([]engine.PurchaseRecord, error) {
	defer rows.Close()

	var records []engine.PurchaseRecord
	for rows.Next() {
		var (
			p              engine.PurchaseRecord
			packageID, key sql.NullString
			price, total   string
		)
		if err := rows.Scan(
			&p.ID, &p.StudentID, &p.TutorID, &packageID, &p.PackageName, &p.CreditsPurchased,
			&price, &total, &p.PurchaseDate, &p.Status, &key,
		); err != nil {
			return nil, classify(err, "failed to scan purchase")
		}
		var err error
		if p.PricePerCredit, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("bad price_per_credit %q: %w", price, err)
		}
		if p.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("bad total_amount %q: %w", total, err)
		}
		p.PackageID = packageID.String
		p.IdempotencyKey = key.String
		p.PurchaseDate = p.PurchaseDate.UTC()
		records = append(records, p)
	}
	return records, classify(rows.Err(), "failed to read purchases")
}

func (s *Store) LedgerEntries(ctx context.Context, accountID engine.AccountID) ([]engine.LedgerEntry, error) {
	rows, err := s.database.QueryContext(ctx,
		"SELECT id, account_id, delta, balance_after, reason, reference_id, note, created_at"+
			" FROM ledger_entries WHERE account_id = $1 ORDER BY seq",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []engine.LedgerEntry
	for rows.Next() {
		var (
			e         engine.LedgerEntry
			ref, note sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.BalanceAfter, &e.Reason, &ref, &note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ReferenceID = ref.String
		e.Note = note.String
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SYNC TASKS
// =============================================================================

// DueSyncTasks skips every task of a chain whose earliest pending task is
// still backing off.
func (s *Store) DueSyncTasks(ctx context.Context, now time.Time, limit int) ([]engine.SyncTask, error) {
	query := "SELECT t.seq, t.id, t.kind, t.chain_id, t.booking_id, t.tutor_id, t.student_id," +
		" t.subject, t.start_time, t.end_time, t.time_zone, t.status, t.attempts, t.next_attempt_at," +
		" t.last_error, t.event_ref, t.created_at" +
		" FROM sync_tasks t" +
		" WHERE t.status = 'pending' AND t.next_attempt_at <= $1" +
		" AND NOT EXISTS (SELECT 1 FROM sync_tasks p WHERE p.chain_id = t.chain_id" +
		" AND p.status = 'pending' AND p.seq < t.seq AND p.next_attempt_at > $1)" +
		" ORDER BY t.seq"
	args := []any{now.UTC()}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync tasks: %w", err)
	}
	defer rows.Close()

	var tasks []engine.SyncTask
	for rows.Next() {
		var (
			t         engine.SyncTask
			lastError sql.NullString
			eventRef  sql.NullString
		)
		if err := rows.Scan(
			&t.Seq, &t.ID, &t.Kind, &t.ChainID, &t.BookingID, &t.TutorID, &t.StudentID,
			&t.Slot.Subject, &t.Slot.StartTime, &t.Slot.EndTime, &t.Slot.TimeZone,
			&t.Status, &t.Attempts, &t.NextAttemptAt, &lastError, &eventRef, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}
		t.Slot.StartTime = t.Slot.StartTime.UTC()
		t.Slot.EndTime = t.Slot.EndTime.UTC()
		t.NextAttemptAt = t.NextAttemptAt.UTC()
		t.CreatedAt = t.CreatedAt.UTC()
		t.LastError = lastError.String
		t.EventRef = eventRef.String
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateSyncTask(ctx context.Context, t engine.SyncTask) error {
	res, err := s.database.ExecContext(ctx,
		"UPDATE sync_tasks SET status = $1, attempts = $2, next_attempt_at = $3, last_error = $4,"+
			" event_ref = $5 WHERE id = $6",
		t.Status, t.Attempts, t.NextAttemptAt, nullString(t.LastError), nullString(t.EventRef), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update sync task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Kind: "sync task", ID: t.ID}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isConstraint(err error, name string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == name
}

// classify wraps err with msg and maps PostgreSQL error codes onto engine
// sentinels. A nil err stays nil.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w: %s", msg, engine.ErrTxConflict, pgErr.Message)
		case "23514":
			return fmt.Errorf("%s: %w", msg, engine.ErrInsufficientCredits)
		case "23505":
			if pgErr.ConstraintName == "idx_unique_purchase_key" {
				return engine.ErrDuplicateIdempotencyKey
			}
			if pgErr.ConstraintName == "idx_unique_tutor_upcoming_start" {
				return fmt.Errorf("%s: %w", msg, engine.ErrSlotConflict)
			}
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
