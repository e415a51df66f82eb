package rbac

import (
	"context"
	"net/http"

	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

// Pipeline stages reported to the DecisionObserver.
const (
	StageSession    = "session"
	StageRole       = "role"
	StagePermission = "permission"
	StageAccess     = "access"
)

// DecisionObserver records authorization outcomes, typically as metrics.
type DecisionObserver interface {
	ObserveDecision(stage, outcome string)
}

// Decision is the result of one authorization stage. A denied decision
// carries the error class, the status for structured responses and, for
// browser requests, the redirect target and flash message.
type Decision struct {
	Allowed  bool
	Err      error
	Status   int
	Redirect string
	Message  string
}

// Outcome names the decision for logs and metrics.
func (d Decision) Outcome() string {
	switch {
	case d.Allowed:
		return "allow"
	case d.Err == shared.ErrUnauthenticated:
		return "unauthenticated"
	case d.Err == shared.ErrNoRoleAssigned:
		return "no_role"
	default:
		return "deny"
	}
}

func allow() Decision {
	return Decision{Allowed: true, Status: http.StatusOK}
}

// Authorizer evaluates the authorization stages against a Service and a
// landing Policy.
type Authorizer struct {
	service  *Service
	policy   Policy
	observer DecisionObserver
}

// NewAuthorizer constructs an Authorizer. observer may be nil.
func NewAuthorizer(service *Service, policy Policy, observer DecisionObserver) *Authorizer {
	return &Authorizer{service: service, policy: policy, observer: observer}
}

// Service exposes the underlying role service.
func (a *Authorizer) Service() *Service {
	return a.service
}

// Policy exposes the landing policy.
func (a *Authorizer) Policy() Policy {
	return a.policy
}

// CheckAuthenticated denies requests without a principal.
func (a *Authorizer) CheckAuthenticated(p *Principal) Decision {
	return a.observe(StageSession, a.authenticated(p))
}

// CheckRole is the coarse stage: it compares the principal's role with
// identifier and never consults grants. A missing principal is sent to login;
// a principal without a role is sent to the default landing page.
func (a *Authorizer) CheckRole(p *Principal, identifier string) Decision {
	return a.observe(StageRole, a.role(p, identifier))
}

// CheckPermission is the fine stage. Universal roles pass before the grant
// store is consulted. A non-nil error is an infrastructure failure.
func (a *Authorizer) CheckPermission(ctx context.Context, p *Principal, permSlug, entitySlug string) (Decision, error) {
	if d, done := a.roleRequired(p); done {
		return a.observe(StagePermission, d), nil
	}
	if p.Role.IsUniversal() {
		return a.observe(StagePermission, allow()), nil
	}
	ok, err := a.service.RoleHasPermission(ctx, p.Role, permSlug, entitySlug)
	if err != nil {
		a.record(StagePermission, "error")
		return Decision{}, err
	}
	if ok {
		return a.observe(StagePermission, allow()), nil
	}
	return a.observe(StagePermission, a.denied(p.Role)), nil
}

// CheckAccess is the visibility stage: any grant on the entity suffices. It
// is only suitable for read-only routes.
func (a *Authorizer) CheckAccess(ctx context.Context, p *Principal, entitySlug string) (Decision, error) {
	if d, done := a.roleRequired(p); done {
		return a.observe(StageAccess, d), nil
	}
	ok, err := a.service.CanAccess(ctx, p, entitySlug)
	if err != nil {
		a.record(StageAccess, "error")
		return Decision{}, err
	}
	if ok {
		return a.observe(StageAccess, allow()), nil
	}
	return a.observe(StageAccess, a.denied(p.Role)), nil
}

func (a *Authorizer) authenticated(p *Principal) Decision {
	if p != nil {
		return allow()
	}
	return Decision{
		Err:      shared.ErrUnauthenticated,
		Status:   http.StatusUnauthorized,
		Redirect: a.policy.LoginPath,
		Message:  shared.UserSafeMessage(shared.ErrUnauthenticated),
	}
}

func (a *Authorizer) role(p *Principal, identifier string) Decision {
	if p == nil {
		return a.authenticated(nil)
	}
	if p.Role == nil {
		return a.denied(nil)
	}
	if a.service.HasRole(p, identifier) {
		return allow()
	}
	return a.denied(p.Role)
}

// roleRequired resolves the states shared by every stage that needs a role.
func (a *Authorizer) roleRequired(p *Principal) (Decision, bool) {
	if p == nil {
		return a.authenticated(nil), true
	}
	if p.Role == nil {
		return Decision{
			Err:     shared.ErrNoRoleAssigned,
			Status:  http.StatusForbidden,
			Message: shared.UserSafeMessage(shared.ErrNoRoleAssigned),
		}, true
	}
	return Decision{}, false
}

func (a *Authorizer) denied(role *Role) Decision {
	return Decision{
		Err:      shared.ErrPermissionDenied,
		Status:   http.StatusForbidden,
		Redirect: a.policy.LandingFor(role),
		Message:  shared.UserSafeMessage(shared.ErrPermissionDenied),
	}
}

func (a *Authorizer) observe(stage string, d Decision) Decision {
	a.record(stage, d.Outcome())
	return d
}

func (a *Authorizer) record(stage, outcome string) {
	if a.observer != nil {
		a.observer.ObserveDecision(stage, outcome)
	}
}
