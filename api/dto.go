/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TIMES AND MONEY:
  Times are RFC 3339 strings in UTC. Money is a decimal string ("10.00")
  so clients never see float rounding.

VALIDATION:
  Shape errors (bad JSON, unparsable times) are caught in handlers; every
  domain rule is enforced by the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lesson-engine/engine"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RegisterAccountRequest creates an account or changes its role.
type RegisterAccountRequest struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type SlotRequest struct {
	Subject   string `json:"subject"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	TimeZone  string `json:"time_zone"`
}

// ReserveRequest books one or more slots with the same tutor.
type ReserveRequest struct {
	StudentID string        `json:"student_id"`
	TutorID   string        `json:"tutor_id"`
	Slots     []SlotRequest `json:"slots"`
}

type RescheduleRequest struct {
	NewStartTime string `json:"new_start_time"`
	NewEndTime   string `json:"new_end_time"`
}

type PackageRequest struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Minutes int             `json:"minutes"`
	Price   decimal.Decimal `json:"price"` // per credit
	Credits int             `json:"credits"`
}

// PurchaseRequest buys a package. The idempotency key may come from the
// body or the Idempotency-Key header; the header wins.
type PurchaseRequest struct {
	TutorID        string         `json:"tutor_id"`
	Package        PackageRequest `json:"package"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type AdjustmentRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type AccountDTO struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	CreditBalance int    `json:"credit_balance"`
	CreatedAt     string `json:"created_at,omitempty"`
}

type BookingDTO struct {
	ID                string  `json:"id"`
	StudentID         string  `json:"student_id"`
	TutorID           string  `json:"tutor_id"`
	Subject           string  `json:"subject"`
	StartTime         string  `json:"start_time"`
	EndTime           string  `json:"end_time"`
	TimeZone          string  `json:"time_zone"`
	Status            string  `json:"status"`
	ExternalEventRef  string  `json:"external_event_ref,omitempty"`
	PreviousBookingID string  `json:"previous_booking_id,omitempty"`
	RescheduledToID   string  `json:"rescheduled_to_id,omitempty"`
	CancellationDate  *string `json:"cancellation_date,omitempty"`
	Refunded          bool    `json:"refunded"`
	CreatedAt         string  `json:"created_at,omitempty"`
}

type ReserveResponse struct {
	RemainingCredits int          `json:"remaining_credits"`
	Bookings         []BookingDTO `json:"bookings"`
}

type CancelResponse struct {
	BookingID     string `json:"booking_id"`
	Refunded      bool   `json:"refunded"`
	CreditBalance int    `json:"credit_balance"`
}

type RescheduleResponse struct {
	NewBookingID string     `json:"new_booking_id"`
	Booking      BookingDTO `json:"booking"`
}

type PurchaseDTO struct {
	ID               string          `json:"id"`
	StudentID        string          `json:"student_id"`
	TutorID          string          `json:"tutor_id"`
	PackageID        string          `json:"package_id,omitempty"`
	PackageName      string          `json:"package_name"`
	CreditsPurchased int             `json:"credits_purchased"`
	PricePerCredit   decimal.Decimal `json:"price_per_credit"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	PurchaseDate     string          `json:"purchase_date"`
	Status           string          `json:"status"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
}

type PurchaseResponse struct {
	NewBalance int         `json:"new_balance"`
	Record     PurchaseDTO `json:"record"`
	Replayed   bool        `json:"replayed"`
}

type LedgerEntryDTO struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Delta        int    `json:"delta"`
	BalanceAfter int    `json:"balance_after"`
	Reason       string `json:"reason"`
	ReferenceID  string `json:"reference_id,omitempty"`
	Note         string `json:"note,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toAccountDTO(a engine.Account) AccountDTO {
	return AccountDTO{
		ID:            string(a.ID),
		Role:          string(a.Role),
		CreditBalance: a.CreditBalance,
		CreatedAt:     formatTime(a.CreatedAt),
	}
}

func toBookingDTO(b engine.Booking) BookingDTO {
	dto := BookingDTO{
		ID:                string(b.ID),
		StudentID:         string(b.StudentID),
		TutorID:           string(b.TutorID),
		Subject:           b.Subject,
		StartTime:         formatTime(b.StartTime),
		EndTime:           formatTime(b.EndTime),
		TimeZone:          b.TimeZone,
		Status:            string(b.Status),
		ExternalEventRef:  b.ExternalEventRef,
		PreviousBookingID: string(b.PreviousBookingID),
		RescheduledToID:   string(b.RescheduledToID),
		Refunded:          b.Refunded,
		CreatedAt:         formatTime(b.CreatedAt),
	}
	if b.CancellationDate != nil {
		s := formatTime(*b.CancellationDate)
		dto.CancellationDate = &s
	}
	return dto
}

func toBookingDTOs(bs []engine.Booking) []BookingDTO {
	dtos := make([]BookingDTO, len(bs))
	for i, b := range bs {
		dtos[i] = toBookingDTO(b)
	}
	return dtos
}

func toPurchaseDTO(p engine.PurchaseRecord) PurchaseDTO {
	return PurchaseDTO{
		ID:               p.ID,
		StudentID:        string(p.StudentID),
		TutorID:          string(p.TutorID),
		PackageID:        p.PackageID,
		PackageName:      p.PackageName,
		CreditsPurchased: p.CreditsPurchased,
		PricePerCredit:   p.PricePerCredit,
		TotalAmount:      p.TotalAmount,
		PurchaseDate:     formatTime(p.PurchaseDate),
		Status:           string(p.Status),
		IdempotencyKey:   p.IdempotencyKey,
	}
}

func toLedgerEntryDTO(e engine.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:           e.ID,
		AccountID:    string(e.AccountID),
		Delta:        e.Delta,
		BalanceAfter: e.BalanceAfter,
		Reason:       string(e.Reason),
		ReferenceID:  e.ReferenceID,
		Note:         e.Note,
		CreatedAt:    formatTime(e.CreatedAt),
	}
}
