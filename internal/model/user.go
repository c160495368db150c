package model

import "time"

type Role string

const (
	RoleCustomer   Role = "CUSTOMER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// ElevatedRoles 接收支付通知的角色。
var ElevatedRoles = []Role{RoleAdmin, RoleSuperAdmin}

// User is read-only here; accounts are issued elsewhere.
type User struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name  string `gorm:"size:128" json:"name"`
	Email string `gorm:"size:255;uniqueIndex" json:"email"`
	Role  Role   `gorm:"size:16;not null;default:CUSTOMER;index" json:"role"`
}

func (User) TableName() string { return "users" }

// DisplayName prefers the name and falls back to the email.
func (u *User) DisplayName() string {
	if u == nil {
		return "Unknown customer"
	}
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}
