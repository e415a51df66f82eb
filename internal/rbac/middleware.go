package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-admin/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

// PrincipalLoader resolves the principal for a session's user id. A deleted
// user yields shared.ErrNotFound.
type PrincipalLoader interface {
	LoadPrincipal(ctx context.Context, userID int64) (*Principal, error)
}

// Middleware wires the authorization pipeline into HTTP handlers. Every stage
// shares the same deny responder so redirects and structured errors stay
// consistent.
type Middleware struct {
	Authorizer *Authorizer
	Principals PrincipalLoader
	Logger     *slog.Logger
}

// Authenticate loads the principal of the session user into the request
// context. Anonymous requests pass through without one.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		userID, ok := sess.UserID()
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := m.Principals.LoadPrincipal(r.Context(), userID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				sess.ClearUser()
				next.ServeHTTP(w, r)
				return
			}
			m.log().Error("rbac load principal", slog.Int64("user_id", userID), slog.Any("error", err))
			m.fail(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// RequireSession is the session-expiry guard. Authenticated responses are
// marked uncacheable so back-navigation after logout cannot replay them.
func (m Middleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := m.Authorizer.CheckAuthenticated(PrincipalFromContext(r.Context()))
		httpx.NoStore(w)
		if !decision.Allowed {
			m.deny(w, r, StageSession, decision)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole is the coarse stage gating a route group on one role.
func (m Middleware) RequireRole(identifier string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := m.Authorizer.CheckRole(PrincipalFromContext(r.Context()), identifier)
			if !decision.Allowed {
				m.deny(w, r, StageRole, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission is the fine stage gating a route on one grant.
func (m Middleware) RequirePermission(permSlug, entitySlug string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := m.Authorizer.CheckPermission(r.Context(), PrincipalFromContext(r.Context()), permSlug, entitySlug)
			if err != nil {
				m.log().Error("rbac require permission", slog.String("permission", permSlug), slog.String("entity", entitySlug), slog.Any("error", err))
				m.fail(w, r)
				return
			}
			if !decision.Allowed {
				m.deny(w, r, StagePermission, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAccess admits principals holding any grant on the entity. Use it on
// read-only routes only.
func (m Middleware) RequireAccess(entitySlug string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := m.Authorizer.CheckAccess(r.Context(), PrincipalFromContext(r.Context()), entitySlug)
			if err != nil {
				m.log().Error("rbac require access", slog.String("entity", entitySlug), slog.Any("error", err))
				m.fail(w, r)
				return
			}
			if !decision.Allowed {
				m.deny(w, r, StageAccess, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, stage string, d Decision) {
	attrs := []any{slog.String("stage", stage), slog.String("outcome", d.Outcome()), slog.String("path", r.URL.Path)}
	if p := PrincipalFromContext(r.Context()); p != nil {
		attrs = append(attrs, slog.Int64("user_id", p.UserID))
	}
	m.log().Info("rbac denied", attrs...)

	if shared.WantsJSON(r) {
		httpx.Problem(w, d.Status, http.StatusText(d.Status), d.Message)
		return
	}
	if d.Redirect == "" {
		http.Error(w, d.Message, d.Status)
		return
	}
	shared.Flash(r.Context(), shared.FlashError, d.Message)
	http.Redirect(w, r, d.Redirect, http.StatusFound)
}

func (m Middleware) fail(w http.ResponseWriter, r *http.Request) {
	if shared.WantsJSON(r) {
		httpx.Problem(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), "")
		return
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (m Middleware) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
