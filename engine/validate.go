package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// validateSlot checks one requested window and returns it normalised to the
// storage grid. field prefixes error messages, e.g. "slots[2]".
func validateSlot(field string, s Slot, now time.Time) (Slot, error) {
	if strings.TrimSpace(s.Subject) == "" {
		return Slot{}, invalid(field+".subject", "is required")
	}
	if s.StartTime.IsZero() || s.EndTime.IsZero() {
		return Slot{}, invalid(field, "start and end time are required")
	}
	if err := validateTimeZone(field+".timeZone", s.TimeZone); err != nil {
		return Slot{}, err
	}

	s.Subject = strings.TrimSpace(s.Subject)
	s.StartTime = normalize(s.StartTime)
	s.EndTime = normalize(s.EndTime)

	if s.Duration() <= 0 {
		return Slot{}, invalid(field, "end time %s must be after start time %s",
			s.EndTime.Format(time.RFC3339), s.StartTime.Format(time.RFC3339))
	}
	if s.StartTime.Before(now) {
		return Slot{}, invalid(field, "start time %s is in the past", s.StartTime.Format(time.RFC3339))
	}
	return s, nil
}

func validateTimeZone(field, tz string) error {
	if tz == "" {
		return invalid(field, "is required")
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return invalid(field, "unknown time zone %q", tz)
	}
	return nil
}

func validateReserve(req ReserveRequest, now time.Time) ([]Slot, error) {
	if req.StudentID == "" {
		return nil, invalid("studentId", "is required")
	}
	if req.TutorID == "" {
		return nil, invalid("tutorId", "is required")
	}
	if req.StudentID == req.TutorID {
		return nil, invalid("tutorId", "student cannot book themselves")
	}
	if len(req.Slots) == 0 {
		return nil, invalid("slots", "at least one slot is required")
	}

	slots := make([]Slot, len(req.Slots))
	for i, s := range req.Slots {
		v, err := validateSlot(fmt.Sprintf("slots[%d]", i), s, now)
		if err != nil {
			return nil, err
		}
		slots[i] = v
	}
	return slots, nil
}

func validatePackage(p Package) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("package.name", "is required")
	}
	if p.Credits < 1 {
		return invalid("package.credits", "must be at least 1, got %d", p.Credits)
	}
	if p.Price.LessThan(decimal.Zero) {
		return invalid("package.price", "must not be negative, got %s", p.Price)
	}
	return nil
}

// requireRole checks the role of an already loaded account.
func requireRole(field string, a *Account, role Role) error {
	if a.Role != role {
		return invalid(field, "account %s is a %s, not a %s", a.ID, a.Role, role)
	}
	return nil
}
