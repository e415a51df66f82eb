package auth

import (
	"time"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
)

// User represents an authenticated user account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsActive     bool
	RoleID       *int64
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	User      *User
	Principal *rbac.Principal
	// Landing is where the browser goes next, decided once at login.
	Landing string
}

// LockoutEvent describes a login attempt rejected by the throttle.
type LockoutEvent struct {
	Username   string        `json:"username"`
	IP         string        `json:"ip"`
	Attempts   int           `json:"attempts"`
	RetryAfter time.Duration `json:"retry_after"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Login outcomes reported to the LoginObserver.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeLocked  = "locked"
)
