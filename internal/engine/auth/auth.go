// Package auth holds the role model and the authorization guard. Every call
// site delegates here; the role conditions are written exactly once.
package auth

import (
	"errors"
	"fmt"
)

const (
	RoleAdmin    = "admin"
	RolePM       = "pm"
	RoleEngineer = "engineer"
	RoleViewer   = "viewer"
)

// ErrUnauthenticated indicates a request with no resolvable identity.
var ErrUnauthenticated = errors.New("authentication required")

// ForbiddenError indicates the actor's role does not allow the action.
type ForbiddenError struct {
	Action string
	Role   string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

// Identity is the resolved (user, account, role) triple. Downstream code
// trusts it; nothing below the resolver re-validates the session.
type Identity struct {
	UserID    string
	AccountID string
	Role      string
}

func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RolePM, RoleEngineer, RoleViewer:
		return true
	}
	return false
}

// CanProposeTransition is true for every account member except viewers.
func CanProposeTransition(role string) bool {
	return ValidRole(role) && role != RoleViewer
}

// CanApplyTransitionDirectly is true for the approval authorities. They
// bypass the proposal queue: requiring them to approve their own edits would
// be circular.
func CanApplyTransitionDirectly(role string) bool {
	return role == RolePM || role == RoleAdmin
}

// CanResolveProposal is checked against the resolver's role at resolution
// time, never against proposer identity, so a proposer promoted to pm can
// resolve proposals they filed as an engineer.
func CanResolveProposal(role string) bool {
	return role == RolePM || role == RoleAdmin
}

// CanManageTickets gates ticket and project creation.
func CanManageTickets(role string) bool {
	return role == RolePM || role == RoleAdmin
}
