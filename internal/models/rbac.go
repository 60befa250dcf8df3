package models

// Action names a capability gated by role.
type Action string

const (
	ActionBorrow        Action = "borrow"
	ActionReturn        Action = "return"
	ActionManageCatalog Action = "catalog.manage"
	ActionMarkLost      Action = "copy.mark_lost"
	ActionRunSync       Action = "roster.sync"
	ActionViewAudit     Action = "audit.view"
)

// CanPerform is the single capability check evaluated at operation entry.
// Role gates eligibility, never ownership of a loan.
func CanPerform(role Role, action Action) bool {
	switch role {
	case RoleAdmin, RoleLibrarian:
		return true
	case RoleModerator:
		return action == ActionBorrow || action == ActionReturn || action == ActionViewAudit
	case RoleStudent:
		return action == ActionBorrow
	default:
		return false
	}
}
