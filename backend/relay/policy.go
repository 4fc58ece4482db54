package relay

import "github.com/supportchat/relay/backend/models"

// CanAddress reports whether a viewer of the given role may observe or
// message a candidate of the given role. Admins address both other roles,
// sub-admins address only end users, end users address staff. Same-role
// pairs are always denied, so the policy never permits user-to-user
// traffic.
func CanAddress(viewer, candidate models.Role) bool {
	if viewer == candidate {
		return false
	}
	switch viewer {
	case models.RoleAdmin:
		return candidate == models.RoleUser || candidate == models.RoleSubAdmin
	case models.RoleSubAdmin:
		return candidate == models.RoleUser
	case models.RoleUser:
		return candidate == models.RoleAdmin || candidate == models.RoleSubAdmin
	default:
		return false
	}
}
