package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-engine/engine"
)

var _ engine.OutboxStore = (*Store)(nil)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001", Message: "could not serialize"}, engine.ErrTxConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, engine.ErrTxConflict},
		{"balance check", &pgconn.PgError{Code: "23514", ConstraintName: "accounts_credit_balance_check"}, engine.ErrInsufficientCredits},
		{"purchase key", &pgconn.PgError{Code: "23505", ConstraintName: "idx_unique_purchase_key"}, engine.ErrDuplicateIdempotencyKey},
		{"tutor start", &pgconn.PgError{Code: "23505", ConstraintName: "idx_unique_tutor_upcoming_start"}, engine.ErrSlotConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(fmt.Errorf("exec: %w", tt.err), "failed")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	assert.NoError(t, classify(nil, "ignored"))

	plain := errors.New("connection reset")
	err := classify(plain, "failed to insert booking")
	require.ErrorIs(t, err, plain)
	assert.Equal(t, "failed to insert booking: connection reset", err.Error())

	// Unknown unique index stays a plain error
	other := &pgconn.PgError{Code: "23505", ConstraintName: "accounts_pkey"}
	err = classify(other, "failed")
	assert.False(t, errors.Is(err, engine.ErrSlotConflict))
	assert.False(t, errors.Is(err, engine.ErrDuplicateIdempotencyKey))
}

func TestClassify_TxConflictIsRetryable(t *testing.T) {
	err := classify(&pgconn.PgError{Code: "40001"}, "failed to commit transaction")
	assert.True(t, engine.IsRetryable(err))

	err = classify(&pgconn.PgError{Code: "23514"}, "failed")
	assert.False(t, engine.IsRetryable(err))
}

func TestIsConstraint(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505", ConstraintName: "idx_unique_tutor_upcoming_start"})
	assert.True(t, isConstraint(err, "idx_unique_tutor_upcoming_start"))
	assert.False(t, isConstraint(err, "idx_unique_purchase_key"))
	assert.False(t, isConstraint(errors.New("nope"), "idx_unique_tutor_upcoming_start"))
}

// =============================================================================
// INTEGRATION (needs LESSONS_TEST_POSTGRES_DSN)
// =============================================================================

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LESSONS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LESSONS_TEST_POSTGRES_DSN not set")
	}
	s, err := New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIntegration_UniqueUpcomingStart(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	suffix := uuid.NewString()
	student := engine.AccountID("student-" + suffix)
	tutor := engine.AccountID("tutor-" + suffix)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.SaveAccount(ctx, engine.Account{ID: student, Role: engine.RoleStudent, CreatedAt: now}))
	require.NoError(t, s.SaveAccount(ctx, engine.Account{ID: tutor, Role: engine.RoleTutor, CreatedAt: now}))

	start := now.Add(48 * time.Hour)
	mk := func() engine.Booking {
		return engine.Booking{
			ID: engine.BookingID(uuid.NewString()), StudentID: student, TutorID: tutor,
			Subject: "maths", StartTime: start, EndTime: start.Add(time.Hour), TimeZone: "UTC",
			Status: engine.BookingUpcoming, CreatedAt: now,
		}
	}
	insert := func(b engine.Booking) error {
		return s.WithTx(ctx, func(tx engine.Tx) error { return tx.InsertBooking(ctx, b) })
	}

	first := mk()
	require.NoError(t, insert(first))
	require.ErrorIs(t, insert(mk()), engine.ErrSlotConflict)

	got, err := s.GetBooking(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(start))

	err = s.WithTx(ctx, func(tx engine.Tx) error { return tx.SetBalance(ctx, student, -1) })
	require.ErrorIs(t, err, engine.ErrInsufficientCredits)
}
