/*
handlers.go - HTTP API handlers for the booking engine

PURPOSE:
  Exposes the booking engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to engine.Engine.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                    Register account (admin)
    GET    /api/accounts/{id}               Account with balance
    GET    /api/accounts/{id}/ledger        Ledger entries
    GET    /api/accounts/{id}/bookings      Student bookings (?status=)
    GET    /api/accounts/{id}/purchases     Purchase records
    POST   /api/accounts/{id}/purchases     Buy a package (Idempotency-Key)
    POST   /api/accounts/{id}/adjustments   Credit adjustment (admin)

  Bookings:
    POST   /api/bookings                    Reserve one or more slots
    GET    /api/bookings/{id}               Booking details
    POST   /api/bookings/{id}/cancel        Cancel, refund inside policy
    POST   /api/bookings/{id}/reschedule    Move to a new slot

  Tutors:
    GET    /api/tutors/{id}/schedule        Upcoming bookings (cached)

REQUEST FLOW:
  1. Caller comes from the Bearer middleware
  2. Decode and shape-check the body
  3. Call the engine
  4. Serialize response, or map the error

ERROR HANDLING:
  Errors are returned as {"error","code","details"} with:
  - 400: Validation
  - 401: Unauthorized
  - 402: Insufficient credits
  - 403: Forbidden
  - 404: Not found
  - 409: Slot conflict, invalid state, duplicate idempotency key
  - 500: Everything else (message hidden, logged)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/lesson-engine/engine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	log    *zap.Logger
}

func NewHandler(e *engine.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: e, log: log}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterAccountRequest
	if !decode(w, r, &req) {
		return
	}

	acc, err := h.Engine.RegisterAccount(r.Context(), CallerFrom(r.Context()),
		engine.AccountID(req.ID), engine.Role(req.Role))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(*acc))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Engine.Account(r.Context(), CallerFrom(r.Context()), accountParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*acc))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.LedgerEntries(r.Context(), CallerFrom(r.Context()), accountParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListStudentBookings(w http.ResponseWriter, r *http.Request) {
	status := engine.BookingStatus(r.URL.Query().Get("status"))
	bookings, err := h.Engine.StudentBookings(r.Context(), CallerFrom(r.Context()), accountParam(r), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTOs(bookings))
}

func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	records, err := h.Engine.Purchases(r.Context(), CallerFrom(r.Context()), accountParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]PurchaseDTO, len(records))
	for i, p := range records {
		dtos[i] = toPurchaseDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	key := req.IdempotencyKey
	if hdr := r.Header.Get("Idempotency-Key"); hdr != "" {
		key = hdr
	}

	res, err := h.Engine.Purchase(r.Context(), CallerFrom(r.Context()), engine.PurchaseRequest{
		StudentID: accountParam(r),
		TutorID:   engine.AccountID(req.TutorID),
		Package: engine.Package{
			ID:       req.Package.ID,
			Name:     req.Package.Name,
			Duration: time.Duration(req.Package.Minutes) * time.Minute,
			Price:    req.Package.Price,
			Credits:  req.Package.Credits,
		},
		IdempotencyKey: key,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, PurchaseResponse{
		NewBalance: res.NewBalance,
		Record:     toPurchaseDTO(res.Record),
		Replayed:   res.Replayed,
	})
}

func (h *Handler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}

	entry, err := h.Engine.AdjustCredits(r.Context(), CallerFrom(r.Context()), accountParam(r), req.Delta, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(*entry))
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decode(w, r, &req) {
		return
	}

	slots := make([]engine.Slot, len(req.Slots))
	for i, s := range req.Slots {
		start, err := parseTime("slots.start_time", s.StartTime)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		end, err := parseTime("slots.end_time", s.EndTime)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		slots[i] = engine.Slot{Subject: s.Subject, StartTime: start, EndTime: end, TimeZone: s.TimeZone}
	}

	res, err := h.Engine.Reserve(r.Context(), CallerFrom(r.Context()), engine.ReserveRequest{
		StudentID: engine.AccountID(req.StudentID),
		TutorID:   engine.AccountID(req.TutorID),
		Slots:     slots,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReserveResponse{
		RemainingCredits: res.RemainingCredits,
		Bookings:         toBookingDTOs(res.Bookings),
	})
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Engine.Booking(r.Context(), CallerFrom(r.Context()), bookingParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Cancel(r.Context(), CallerFrom(r.Context()), bookingParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{
		BookingID:     string(res.BookingID),
		Refunded:      res.Refunded,
		CreditBalance: res.CreditBalance,
	})
}

func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req RescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	start, err := parseTime("new_start_time", req.NewStartTime)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	end, err := parseTime("new_end_time", req.NewEndTime)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Engine.Reschedule(r.Context(), CallerFrom(r.Context()), engine.RescheduleRequest{
		BookingID:    bookingParam(r),
		NewStartTime: start,
		NewEndTime:   end,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RescheduleResponse{
		NewBookingID: string(res.NewBookingID),
		Booking:      toBookingDTO(res.Booking),
	})
}

// =============================================================================
// TUTOR HANDLERS
// =============================================================================

func (h *Handler) TutorSchedule(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.Engine.TutorSchedule(r.Context(), CallerFrom(r.Context()), accountParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTOs(bookings))
}

// =============================================================================
// HELPERS
// =============================================================================

func accountParam(r *http.Request) engine.AccountID {
	return engine.AccountID(chi.URLParam(r, "id"))
}

func bookingParam(r *http.Request) engine.BookingID {
	return engine.BookingID(chi.URLParam(r, "id"))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, &engine.ValidationError{Message: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// parseTime accepts RFC 3339; an empty value is left for the engine to reject.
func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &engine.ValidationError{Field: field, Message: "must be an RFC 3339 timestamp"}
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// fail logs server-side failures before writing the error response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := classify(err); status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code, Details: details(err)}
	if status >= http.StatusInternalServerError {
		resp = ErrorResponse{Error: "internal error", Code: code}
	}
	writeJSON(w, status, resp)
}

// classify maps engine errors to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case engine.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case !engine.IsClientError(err):
		return http.StatusInternalServerError, "internal"
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, engine.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, engine.ErrSlotConflict):
		return http.StatusConflict, "slot_conflict"
	case errors.Is(err, engine.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, engine.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate_idempotency_key"
	}
	return http.StatusInternalServerError, "internal"
}

func details(err error) any {
	var (
		ve *engine.ValidationError
		ie *engine.InsufficientCreditsError
		se *engine.SlotConflictError
		st *engine.InvalidStateError
		nf *engine.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		if ve.Field == "" {
			return nil
		}
		return map[string]any{"field": ve.Field}
	case errors.As(err, &ie):
		return map[string]any{"account_id": ie.AccountID, "available": ie.Available, "requested": ie.Requested}
	case errors.As(err, &se):
		return map[string]any{
			"tutor_id":            se.TutorID,
			"start_time":          formatTime(se.StartTime),
			"existing_booking_id": se.ExistingBookingID,
			"in_batch":            se.InBatch,
		}
	case errors.As(err, &st):
		return map[string]any{"booking_id": st.BookingID, "status": st.Status}
	case errors.As(err, &nf):
		return map[string]any{"kind": nf.Kind, "id": nf.ID}
	}
	return nil
}
