package grade

import "strings"

// Roles, as supplied by the identity collaborator. Prefix-matched so that
// "admin:principal" satisfies "admin:".
const (
	// Admin
	RoleAdmin          = "admin:"
	RoleAdminOwner     = "admin:owner"
	RoleAdminPrincipal = "admin:principal"

	// Teacher
	RoleTeacher = "teacher:"
)

// Actor is the authenticated caller of a mutation. The core trusts it as-is;
// authentication happens upstream.
type Actor struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

func (a Actor) RoleStartsWith(prefix string) bool {
	for _, role := range a.Roles {
		if strings.HasPrefix(role, prefix) {
			return true
		}
	}
	return false
}

func (a Actor) IsAdmin() bool   { return a.RoleStartsWith(RoleAdmin) }
func (a Actor) IsTeacher() bool { return a.RoleStartsWith(RoleTeacher) }

// RoleGate maps each action to the role prefixes allowed to perform it.
// Consulted exactly once per transition.
var RoleGate = map[string][]string{
	ActionCreated:        {RoleTeacher, RoleAdmin},
	ActionScoresUpdated:  {RoleTeacher, RoleAdmin},
	ActionSubmitted:      {RoleTeacher, RoleAdmin},
	ActionApprovedTxDk:   {RoleAdmin},
	ActionFinalEntered:   {RoleTeacher, RoleAdmin},
	ActionFinalized:      {RoleAdmin},
	ActionRejected:       {RoleAdmin},
	ActionLocked:         {RoleTeacher, RoleAdmin},
	ActionUnlocked:       {RoleTeacher, RoleAdmin}, // holder release; force requires admin
	ActionReverted:       {RoleAdmin},
	ActionRetakePromoted: {RoleAdmin},
}

// Allowed reports whether the actor's roles pass the gate for action.
func Allowed(action string, actor Actor) bool {
	for _, prefix := range RoleGate[action] {
		if actor.RoleStartsWith(prefix) {
			return true
		}
	}
	return false
}
