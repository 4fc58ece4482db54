package models

// Role is the position of a participant in the support hierarchy.
type Role string

const (
	RoleUser     Role = "user"
	RoleSubAdmin Role = "sub_admin"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleSubAdmin, RoleAdmin:
		return true
	}
	return false
}

// Identity is the caller-supplied participant reference. The relay trusts
// these claims as-is; issuing and verifying them happens upstream.
type Identity struct {
	ID          string `json:"id" bson:"identity_id"`
	DisplayName string `json:"display_name" bson:"display_name"`
	Role        Role   `json:"role" bson:"role"`
	Email       string `json:"email,omitempty" bson:"email,omitempty"`
}
