package auth

import "strings"

type Role string

const (
	RolePhotographer Role = "photographer"
	RoleListingAgent Role = "listing_agent"
	RoleAdmin        Role = "admin"
)

// ParseRole normalises a role string, rejecting unknown roles.
func ParseRole(v string) (Role, bool) {
	role := Role(strings.TrimSpace(strings.ToLower(v)))
	return role, isValidRole(role)
}

// Identity is the authenticated actor attached to a request. Photographers
// act as workers on the claim operations; their user id is the worker id.
type Identity struct {
	UserID string
	Role   Role
}

// Can reports whether the identity holds one of the given roles. Admins
// pass every check.
func (i Identity) Can(roles ...Role) bool {
	if i.Role == RoleAdmin {
		return true
	}
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

func isValidRole(role Role) bool {
	switch role {
	case RolePhotographer, RoleListingAgent, RoleAdmin:
		return true
	default:
		return false
	}
}
