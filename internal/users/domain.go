package users

import "time"

// User represents a user account for management.
type User struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	IsActive    bool       `json:"is_active"`
	RoleID      *int64     `json:"role_id,omitempty"`
	RoleName    string     `json:"role_name,omitempty"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RegisterInput carries the fields of a new account.
type RegisterInput struct {
	Username string `validate:"required,min=3,max=64,excludesall= "`
	Password string `validate:"required,min=8,max=128"`
	RoleID   *int64
}
