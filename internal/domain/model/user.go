package model

import "time"

type UserRole string

const (
	UserRoleMember UserRole = "member"
	UserRoleAdmin  UserRole = "admin"
)

// User is the account owning batches and a credit balance. The balance is
// never stored on the row; it is always the sum of the user's ledger entries.
type User struct {
	ID        string
	Username  string
	Role      UserRole
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u *User) IsAdmin() bool { return u.Role == UserRoleAdmin }
