package models

// UserRole is an opaque role label carried in access tokens.
type UserRole string

const (
	RoleSuperAdmin UserRole = "superadmin"
	RoleAdmin      UserRole = "admin"
	RoleOwner      UserRole = "owner"
	RoleTenant     UserRole = "tenant"
)

// UserStatus is the slice of the user record the session core needs to decide
// whether a session may keep rotating.
type UserStatus struct {
	ID     string   `db:"id"`
	Role   UserRole `db:"role"`
	Active bool     `db:"active"`
}
