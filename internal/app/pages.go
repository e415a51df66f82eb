package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/odyssey-erp/odyssey-admin/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
	"github.com/odyssey-erp/odyssey-admin/internal/view"
)

// Counters reports record totals for the administration landing page.
type Counters struct {
	Roles    func(ctx context.Context) (int, error)
	Users    func(ctx context.Context) (int, error)
	Products func(ctx context.Context) (int, error)
}

// Pages serves the landing pages every role is redirected to.
type Pages struct {
	logger     *slog.Logger
	templates  *view.Engine
	csrf       *shared.CSRFManager
	authorizer *rbac.Authorizer
	counters   Counters
}

// NewPages constructs the landing page handlers.
func NewPages(logger *slog.Logger, templates *view.Engine, csrf *shared.CSRFManager, authorizer *rbac.Authorizer, counters Counters) *Pages {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pages{logger: logger, templates: templates, csrf: csrf, authorizer: authorizer, counters: counters}
}

// Root sends signed-in users to their landing page and anonymous visitors to
// the login form.
func (p *Pages) Root(w http.ResponseWriter, r *http.Request) {
	policy := p.authorizer.Policy()
	principal := rbac.PrincipalFromContext(r.Context())
	if principal == nil {
		http.Redirect(w, r, policy.LoginPath, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, policy.LandingFor(principal.Role), http.StatusSeeOther)
}

type adminData struct {
	Roles    int
	Users    int
	Products int
}

// Admin renders the universal-role landing page.
func (p *Pages) Admin(w http.ResponseWriter, r *http.Request) {
	var data adminData
	for _, c := range []struct {
		count func(ctx context.Context) (int, error)
		dst   *int
		name  string
	}{
		{p.counters.Roles, &data.Roles, "roles"},
		{p.counters.Users, &data.Users, "users"},
		{p.counters.Products, &data.Products, "products"},
	} {
		if c.count == nil {
			continue
		}
		n, err := c.count(r.Context())
		if err != nil {
			p.logger.Error("count records", slog.String("kind", c.name), slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		*c.dst = n
	}
	p.render(w, r, "pages/admin.html", "Administration", data)
}

type dashboardData struct {
	LastLoginAt *time.Time
	Matrix      []rbac.EntityPermissions
}

// Dashboard renders the restricted-role landing page with the caller's
// permission matrix.
func (p *Pages) Dashboard(w http.ResponseWriter, r *http.Request) {
	principal := rbac.PrincipalFromContext(r.Context())
	matrix, err := p.authorizer.Service().Matrix(r.Context(), principal.Role)
	if err != nil {
		p.logger.Error("load permission matrix", slog.Int64("user_id", principal.UserID), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	p.render(w, r, "pages/dashboard.html", "Dashboard", dashboardData{LastLoginAt: principal.LastLoginAt, Matrix: matrix})
}

// Home renders the default landing page.
func (p *Pages) Home(w http.ResponseWriter, r *http.Request) {
	p.render(w, r, "pages/home.html", "Home", nil)
}

type meResponse struct {
	ID       int64                    `json:"id"`
	Username string                   `json:"username"`
	Role     *rbac.Role               `json:"role"`
	Landing  string                   `json:"landing"`
	Matrix   []rbac.EntityPermissions `json:"permissions"`
}

// Me returns the caller's identity and permission matrix as JSON.
func (p *Pages) Me(w http.ResponseWriter, r *http.Request) {
	principal := rbac.PrincipalFromContext(r.Context())
	matrix, err := p.authorizer.Service().Matrix(r.Context(), principal.Role)
	if err != nil {
		p.logger.Error("load permission matrix", slog.Int64("user_id", principal.UserID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if matrix == nil {
		matrix = []rbac.EntityPermissions{}
	}
	httpx.JSON(w, http.StatusOK, meResponse{
		ID:       principal.UserID,
		Username: principal.Username,
		Role:     principal.Role,
		Landing:  p.authorizer.Policy().LandingFor(principal.Role),
		Matrix:   matrix,
	})
}

// Navigator builds the menu from the sections the principal can reach.
func (p *Pages) Navigator() view.Navigator {
	return func(r *http.Request) []view.NavItem {
		principal := rbac.PrincipalFromContext(r.Context())
		if principal == nil {
			return nil
		}
		ctx := r.Context()
		svc := p.authorizer.Service()
		policy := p.authorizer.Policy()
		landing := policy.LandingFor(principal.Role)

		items := []view.NavItem{{Label: "Home", Href: landing}}
		if svc.UserHasAccess(ctx, principal, rbac.EntityUsers) {
			items = append(items, view.NavItem{Label: "Users", Href: "/users"})
		}
		if principal.HasRole(rbac.SlugSuperadmin) {
			items = append(items, view.NavItem{Label: "Roles", Href: "/roles"})
			items = append(items, view.NavItem{Label: "Audit log", Href: "/admin/audit"})
		}
		if svc.UserHasAccess(ctx, principal, rbac.EntityProducts) {
			items = append(items, view.NavItem{Label: "Products", Href: "/products"})
		}
		if svc.UserCan(ctx, principal, rbac.PermViewReports, rbac.EntityProducts) {
			items = append(items, view.NavItem{Label: "Reports", Href: "/products/reports"})
		}
		for i := range items {
			items[i].Active = items[i].Href == r.URL.Path
		}
		return items
	}
}

func (p *Pages) render(w http.ResponseWriter, r *http.Request, name, title string, data any) {
	td := p.templates.Page(r, p.csrf, title, data)
	if err := p.templates.Render(w, name, td); err != nil {
		p.logger.Error("render page", slog.String("template", name), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
