/*
handlers_test.go - HTTP tests for the booking API

Tests for:
- Bearer authentication and the health endpoint
- Reserve / cancel / reschedule through the router
- Error mapping (status, code, details)
- Purchase idempotency via the Idempotency-Key header
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-engine/auth"
	"github.com/warp/lesson-engine/engine"
	memstore "github.com/warp/lesson-engine/engine/store"
)

var (
	t0     = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	admin  = engine.Caller{ID: "admin", Role: engine.RoleAdmin}
	alice  = engine.Caller{ID: "student-alice", Role: engine.RoleStudent}
	bob    = engine.Caller{ID: "student-bob", Role: engine.RoleStudent}
	tutor  = engine.Caller{ID: "tutor-1", Role: engine.RoleTutor}
	secret = "test-secret"
)

type apiFixture struct {
	router http.Handler
	eng    *engine.Engine
	issuer *auth.Issuer
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	eng := engine.New(memstore.NewTxMemory(), engine.WithClock(engine.NewManualClock(t0)))
	issuer := auth.NewIssuer(secret)
	f := &apiFixture{
		router: NewRouter(NewHandler(eng, nil), issuer, []string{"http://localhost:3000"}, nil),
		eng:    eng,
		issuer: issuer,
	}
	return f
}

// seed registers alice, bob and the tutor and gives alice credits.
func (f *apiFixture) seed(t *testing.T, aliceCredits int) {
	t.Helper()
	for _, c := range []engine.Caller{alice, bob, tutor} {
		rec := f.do(t, &admin, http.MethodPost, "/api/accounts", RegisterAccountRequest{ID: string(c.ID), Role: string(c.Role)})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	if aliceCredits > 0 {
		rec := f.do(t, &admin, http.MethodPost, "/api/accounts/student-alice/adjustments", AdjustmentRequest{Delta: aliceCredits, Reason: "seed"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

func (f *apiFixture) do(t *testing.T, caller *engine.Caller, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		token, err := f.issuer.Issue(*caller, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func rfc(h int) string {
	return t0.Add(time.Duration(h) * time.Hour).Format(time.RFC3339)
}

func reserveBody(student engine.Caller, hours ...int) ReserveRequest {
	req := ReserveRequest{StudentID: string(student.ID), TutorID: string(tutor.ID)}
	for _, h := range hours {
		req.Slots = append(req.Slots, SlotRequest{
			Subject: "maths", StartTime: rfc(h), EndTime: rfc(h + 1), TimeZone: "Europe/Paris",
		})
	}
	return req
}

// =============================================================================
// AUTH AND HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, nil, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, rec)["status"])
}

func TestBearer_RejectsMissingAndInvalidTokens(t *testing.T) {
	f := newAPIFixture(t)

	// No header
	rec := f.do(t, nil, http.MethodGet, "/api/accounts/student-alice", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody[ErrorResponse](t, rec).Code)

	// Token signed with another secret
	other, err := auth.NewIssuer("other").Issue(alice, time.Hour)
	require.NoError(t, err)
	rec = f.do(t, nil, http.MethodGet, "/api/accounts/student-alice", nil, "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong scheme
	rec = f.do(t, nil, http.MethodGet, "/api/accounts/student-alice", nil, "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallerFrom_Unauthenticated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, engine.Caller{}, CallerFrom(req.Context()))
	assert.Equal(t, alice, CallerFrom(WithCaller(req.Context(), alice)))
}

// =============================================================================
// BOOKING FLOW
// =============================================================================

func TestReserveCancelFlow(t *testing.T) {
	// GIVEN: alice with 2 credits
	f := newAPIFixture(t)
	f.seed(t, 2)

	// WHEN: she reserves two slots
	rec := f.do(t, &alice, http.MethodPost, "/api/bookings", reserveBody(alice, 48, 50))

	// THEN: 201 with both bookings and no credits left
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reserved := decodeBody[ReserveResponse](t, rec)
	assert.Equal(t, 0, reserved.RemainingCredits)
	require.Len(t, reserved.Bookings, 2)
	assert.Equal(t, "upcoming", reserved.Bookings[0].Status)
	assert.Equal(t, rfc(48), reserved.Bookings[0].StartTime)
	assert.Equal(t, "Europe/Paris", reserved.Bookings[0].TimeZone)

	// AND: the tutor sees them on the schedule
	rec = f.do(t, &tutor, http.MethodGet, "/api/tutors/tutor-1/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]BookingDTO](t, rec), 2)

	// AND: the tutor may read one of the bookings
	id := reserved.Bookings[0].ID
	rec = f.do(t, &tutor, http.MethodGet, "/api/bookings/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: she cancels 48h ahead
	rec = f.do(t, &alice, http.MethodPost, "/api/bookings/"+id+"/cancel", nil)

	// THEN: refunded
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decodeBody[CancelResponse](t, rec)
	assert.True(t, cancelled.Refunded)
	assert.Equal(t, 1, cancelled.CreditBalance)

	rec = f.do(t, &alice, http.MethodGet, "/api/bookings/"+id, nil)
	booking := decodeBody[BookingDTO](t, rec)
	assert.Equal(t, "cancelled", booking.Status)
	require.NotNil(t, booking.CancellationDate)
	assert.Equal(t, t0.Format(time.RFC3339), *booking.CancellationDate)

	// AND: the status filter finds it
	rec = f.do(t, &alice, http.MethodGet, "/api/accounts/student-alice/bookings?status=cancelled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]BookingDTO](t, rec), 1)

	// AND: cancelling again is a 409
	rec = f.do(t, &alice, http.MethodPost, "/api/bookings/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decodeBody[ErrorResponse](t, rec).Code)
}

func TestReschedule(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, 1)
	rec := f.do(t, &alice, http.MethodPost, "/api/bookings", reserveBody(alice, 48))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[ReserveResponse](t, rec).Bookings[0].ID

	rec = f.do(t, &alice, http.MethodPost, "/api/bookings/"+id+"/reschedule",
		RescheduleRequest{NewStartTime: rfc(72), NewEndTime: rfc(73)})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[RescheduleResponse](t, rec)
	assert.Equal(t, res.NewBookingID, res.Booking.ID)
	assert.Equal(t, id, res.Booking.PreviousBookingID)
	assert.Equal(t, rfc(72), res.Booking.StartTime)

	rec = f.do(t, &alice, http.MethodGet, "/api/bookings/"+id, nil)
	old := decodeBody[BookingDTO](t, rec)
	assert.Equal(t, "rescheduled", old.Status)
	assert.Equal(t, res.NewBookingID, old.RescheduledToID)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestReserve_ErrorResponses(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, 1)
	rec := f.do(t, &alice, http.MethodPost, "/api/bookings", reserveBody(alice, 48))
	require.Equal(t, http.StatusCreated, rec.Code)
	existing := decodeBody[ReserveResponse](t, rec).Bookings[0].ID

	t.Run("insufficient credits", func(t *testing.T) {
		rec := f.do(t, &alice, http.MethodPost, "/api/bookings", reserveBody(alice, 96))
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		body := decodeBody[ErrorResponse](t, rec)
		assert.Equal(t, "insufficient_credits", body.Code)
		details := body.Details.(map[string]any)
		assert.Equal(t, float64(0), details["available"])
		assert.Equal(t, float64(1), details["requested"])
	})

	t.Run("slot conflict", func(t *testing.T) {
		_, err := f.eng.AdjustCredits(context.Background(), admin, bob.ID, 1, "seed")
		require.NoError(t, err)
		rec := f.do(t, &bob, http.MethodPost, "/api/bookings", reserveBody(bob, 48))
		assert.Equal(t, http.StatusConflict, rec.Code)
		body := decodeBody[ErrorResponse](t, rec)
		assert.Equal(t, "slot_conflict", body.Code)
		assert.Equal(t, existing, body.Details.(map[string]any)["existing_booking_id"])
	})

	t.Run("forbidden", func(t *testing.T) {
		rec := f.do(t, &bob, http.MethodPost, "/api/bookings", reserveBody(alice, 120))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "forbidden", decodeBody[ErrorResponse](t, rec).Code)
	})

	t.Run("bad json", func(t *testing.T) {
		rec := f.do(t, &alice, http.MethodPost, "/api/bookings", "{not json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation", decodeBody[ErrorResponse](t, rec).Code)
	})

	t.Run("bad time", func(t *testing.T) {
		body := reserveBody(alice, 120)
		body.Slots[0].StartTime = "next tuesday"
		rec := f.do(t, &alice, http.MethodPost, "/api/bookings", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeBody[ErrorResponse](t, rec)
		assert.Equal(t, "slots.start_time", resp.Details.(map[string]any)["field"])
	})

	t.Run("not found", func(t *testing.T) {
		rec := f.do(t, &alice, http.MethodGet, "/api/bookings/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		resp := decodeBody[ErrorResponse](t, rec)
		assert.Equal(t, "not_found", resp.Code)
		assert.Equal(t, "booking", resp.Details.(map[string]any)["kind"])
	})
}

func TestGetAccount_Ownership(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, 3)

	rec := f.do(t, &alice, http.MethodGet, "/api/accounts/student-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acc := decodeBody[AccountDTO](t, rec)
	assert.Equal(t, 3, acc.CreditBalance)
	assert.Equal(t, "student", acc.Role)

	rec = f.do(t, &bob, http.MethodGet, "/api/accounts/student-alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, &alice, http.MethodGet, "/api/accounts/student-alice/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]LedgerEntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "adjustment", entries[0].Reason)
	assert.Equal(t, 3, entries[0].BalanceAfter)
}

func TestAdjustCredits_AdminOnly(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, 0)

	rec := f.do(t, &alice, http.MethodPost, "/api/accounts/student-alice/adjustments", AdjustmentRequest{Delta: 5, Reason: "free"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{engine.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{engine.ErrForbidden, http.StatusForbidden, "forbidden"},
		{&engine.ValidationError{Field: "slots", Message: "empty"}, http.StatusBadRequest, "validation"},
		{&engine.InsufficientCreditsError{AccountID: "a", Available: 0, Requested: 1}, http.StatusPaymentRequired, "insufficient_credits"},
		{&engine.SlotConflictError{TutorID: "t", StartTime: t0}, http.StatusConflict, "slot_conflict"},
		{&engine.NotFoundError{Kind: "booking", ID: "x"}, http.StatusNotFound, "not_found"},
		{&engine.InvalidStateError{BookingID: "x", Status: engine.BookingCancelled}, http.StatusConflict, "invalid_state"},
		{engine.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_idempotency_key"},
		{fmt.Errorf("wrapped: %w", engine.ErrNotFound), http.StatusNotFound, "not_found"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
		{fmt.Errorf("commit: %w", engine.ErrTxConflict), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestWriteError_HidesInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()

	writeError(rec, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "internal error", body.Error)
	assert.Nil(t, body.Details)
}

// =============================================================================
// PURCHASES
// =============================================================================

func TestPurchase_IdempotencyKeyHeader(t *testing.T) {
	// GIVEN: alice without credits
	f := newAPIFixture(t)
	f.seed(t, 0)
	body := `{"tutor_id":"tutor-1","package":{"id":"pkg-5","name":"Five lessons","minutes":60,"price":"12.35","credits":5}}`

	// WHEN: the same purchase is posted twice with one key
	first := f.do(t, &alice, http.MethodPost, "/api/accounts/student-alice/purchases", body, "Idempotency-Key", "order-1")
	second := f.do(t, &alice, http.MethodPost, "/api/accounts/student-alice/purchases", body, "Idempotency-Key", "order-1")

	// THEN: 201 then 200 replayed, credited once
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	r1 := decodeBody[PurchaseResponse](t, first)
	r2 := decodeBody[PurchaseResponse](t, second)
	assert.False(t, r1.Replayed)
	assert.True(t, r2.Replayed)
	assert.Equal(t, r1.Record.ID, r2.Record.ID)
	assert.Equal(t, 5, r2.NewBalance)
	assert.Equal(t, "order-1", r1.Record.IdempotencyKey)
	assert.Equal(t, "61.75", r1.Record.TotalAmount.StringFixed(2))

	rec := f.do(t, &alice, http.MethodGet, "/api/accounts/student-alice/purchases", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]PurchaseDTO](t, rec), 1)
}
