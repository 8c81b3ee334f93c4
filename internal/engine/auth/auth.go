package auth

import (
	"fmt"

	"snagline/internal/domain"
)

// ForbiddenError indicates the caller's role may not perform an action.
type ForbiddenError struct {
	Role   domain.Role
	Action string
	Field  string
}

func (e ForbiddenError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("role %s may not modify field %s", e.Role, e.Field)
	}
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

const (
	ActionCreateSnag   = "create snags"
	ActionDeleteSnag   = "delete snags"
	ActionRegisterUser = "register users"
	ActionReadHistory  = "read snag history"
	ActionUpdateSnag   = "update snags not assigned to them"
)

var actionRoles = map[string][]domain.Role{
	ActionCreateSnag:   {domain.RoleManager, domain.RoleInspector},
	ActionDeleteSnag:   {domain.RoleManager},
	ActionRegisterUser: {domain.RoleManager},
	ActionReadHistory:  {domain.RoleManager, domain.RoleInspector},
}

// Can reports whether role may perform action.
func Can(role domain.Role, action string) bool {
	for _, r := range actionRoles[action] {
		if r == role {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless role may perform action.
func Require(role domain.Role, action string) error {
	if Can(role, action) {
		return nil
	}
	return ForbiddenError{Role: role, Action: action}
}
