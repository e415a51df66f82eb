package shared

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure. It never distinguishes an
	// unknown username from a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimited indicates the throttle key is locked out.
	ErrRateLimited = errors.New("too many login attempts")
	// ErrUnauthenticated indicates the request carries no valid session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNoRoleAssigned indicates an authenticated user without a role.
	ErrNoRoleAssigned = errors.New("no role assigned")
	// ErrPermissionDenied indicates the role lacks the required grant.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRoleInUse blocks deleting a role that users still reference.
	ErrRoleInUse = errors.New("role is assigned to users")
	// ErrReservedRole blocks structural edits on system roles.
	ErrReservedRole = errors.New("role is reserved")
	// ErrDuplicateName indicates a role name or slug already exists.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrDuplicateGrant indicates the role/entity/permission triple already exists.
	ErrDuplicateGrant = errors.New("duplicate grant")
	// ErrSelfDeletion blocks users from deleting their own account.
	ErrSelfDeletion = errors.New("cannot delete own account")
	// ErrValidation marks malformed client input.
	ErrValidation = errors.New("validation failed")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// RateLimitedError carries the remaining lockout for a throttled login.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrRateLimited.Error(), e.RetryAfterSeconds())
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// RetryAfterSeconds rounds the lockout up to whole seconds, never below one.
func (e *RateLimitedError) RetryAfterSeconds() int {
	if e == nil || e.RetryAfter <= 0 {
		return 1
	}
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// UserSafeMessage maps domain errors to messages that can be shown in flashes.
func UserSafeMessage(err error) string {
	var limited *RateLimitedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &limited):
		return fmt.Sprintf("Too many login attempts. Please try again in %d seconds.", limited.RetryAfterSeconds())
	case errors.Is(err, ErrInvalidCredentials):
		return "These credentials do not match our records."
	case errors.Is(err, ErrUnauthenticated):
		return "Your session has expired. Please log in again."
	case errors.Is(err, ErrNoRoleAssigned):
		return "Your account has no role assigned."
	case errors.Is(err, ErrPermissionDenied):
		return "You are not authorized for this operation."
	case errors.Is(err, ErrRoleInUse):
		return "This role is still assigned to users and cannot be deleted."
	case errors.Is(err, ErrReservedRole):
		return "System roles cannot be changed this way."
	case errors.Is(err, ErrDuplicateName):
		return "A role with this name already exists."
	case errors.Is(err, ErrDuplicateGrant):
		return "This permission is already granted."
	case errors.Is(err, ErrSelfDeletion):
		return "You cannot delete your own account."
	case errors.Is(err, ErrNotFound):
		return "The requested record was not found."
	case errors.Is(err, ErrValidation):
		return err.Error()
	default:
		return "Something went wrong. Please try again."
	}
}
