package roles

import "errors"

// ErrWrongRole is returned when a caller lacks the role an operation
// requires. Not retryable with the same identity.
var ErrWrongRole = errors.New("caller does not hold the required role")

// Role is a bitmask of protocol capabilities.
type Role uint8

const (
	Admin Role = 1 << iota
	Relayer
	Guardian
	EmergencyAdmin
	StrategyManager
)

func (r Role) String() string {
	switch r {
	case Admin:
		return "admin"
	case Relayer:
		return "relayer"
	case Guardian:
		return "guardian"
	case EmergencyAdmin:
		return "emergency_admin"
	case StrategyManager:
		return "strategy_manager"
	default:
		return "unknown"
	}
}

// ParseRole parses a role name.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "admin":
		return Admin, true
	case "relayer":
		return Relayer, true
	case "guardian":
		return Guardian, true
	case "emergency_admin":
		return EmergencyAdmin, true
	case "strategy_manager":
		return StrategyManager, true
	default:
		return 0, false
	}
}

// Authorizer answers role checks for the core. The settlement core only
// consumes this capability; granting and revoking live behind it.
type Authorizer interface {
	IsAuthorized(role Role, caller string) bool
}
