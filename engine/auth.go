package engine

import "fmt"

// Caller is the verified identity an operation runs on behalf of. The API
// layer builds it from a token; the engine never parses credentials itself.
type Caller struct {
	ID   AccountID
	Role Role
}

// Action names what the caller wants to do to an owner's resources.
type Action string

const (
	ActionReserve        Action = "reserve"
	ActionCancel         Action = "cancel"
	ActionReschedule     Action = "reschedule"
	ActionPurchase       Action = "purchase"
	ActionView           Action = "view"
	ActionViewSchedule   Action = "view_schedule"
	ActionAdjustCredits  Action = "adjust_credits"
	ActionManageAccounts Action = "manage_accounts"
)

// Authorize decides whether caller may perform action on resources owned by
// owner. Admins may do everything. Students act only on their own account.
// Tutors may only look at their own account and schedule.
func Authorize(caller Caller, action Action, owner AccountID) error {
	if caller.ID == "" || !caller.Role.Valid() {
		return fmt.Errorf("%w: missing or unusable caller identity", ErrUnauthorized)
	}

	switch caller.Role {
	case RoleAdmin:
		return nil

	case RoleStudent:
		switch action {
		case ActionReserve, ActionCancel, ActionReschedule, ActionPurchase, ActionView:
			if caller.ID == owner {
				return nil
			}
		}

	case RoleTutor:
		switch action {
		case ActionView, ActionViewSchedule:
			if caller.ID == owner {
				return nil
			}
		}
	}

	return fmt.Errorf("%w: %s %s may not %s for %s", ErrForbidden, caller.Role, caller.ID, action, owner)
}
