package roles

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-admin/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
	"github.com/odyssey-erp/odyssey-admin/internal/view"
)

// Handler manages role management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	templates *view.Engine
	csrf      *shared.CSRFManager
	rbac      rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, csrf *shared.CSRFManager, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, templates: templates, csrf: csrf, rbac: rbac}
}

// MountRoutes registers role routes. The whole group is restricted to the
// superadmin role.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.rbac.RequireRole(rbac.SlugSuperadmin))
	r.Get("/", h.listRoles)
	r.Get("/catalog", h.showCatalog)
	r.Get("/new", h.showCreateRoleForm)
	r.Post("/", h.createRole)
	r.Get("/{id}/edit", h.showEditRoleForm)
	r.Post("/{id}", h.updateRole)
	r.Post("/{id}/delete", h.deleteRole)
}

type formErrors map[string]string

type listData struct {
	Roles []RoleSummary
}

type formData struct {
	Action      string
	Role        *rbac.Role
	Name        string
	Entities    []rbac.Entity
	Permissions []rbac.Permission
	Selected    rbac.GrantSet
	Errors      formErrors
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("list roles failed", slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	if shared.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
		return
	}
	h.render(w, r, "pages/roles/list.html", "Roles", listData{Roles: roles}, http.StatusOK)
}

func (h *Handler) showCatalog(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.service.Catalog(r.Context())
	if err != nil {
		h.logger.Error("load catalog failed", slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	if shared.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, catalog)
		return
	}
	h.render(w, r, "pages/roles/catalog.html", "Catalog", catalog, http.StatusOK)
}

func (h *Handler) showCreateRoleForm(w http.ResponseWriter, r *http.Request) {
	h.renderForm(w, r, formData{Action: "/roles", Selected: rbac.GrantSet{}, Errors: formErrors{}}, http.StatusOK)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(r.PostFormValue("name"))
	grants := parseGrants(r)
	role, err := h.service.Create(r.Context(), actorID(r), name, grants)
	if err != nil {
		if msg, ok := formMessage(err); ok {
			field := "general"
			if errors.Is(err, rbac.ErrRoleNameRequired) || errors.Is(err, rbac.ErrRoleNameInvalid) || errors.Is(err, shared.ErrDuplicateName) {
				field = "Name"
			}
			h.renderForm(w, r, formData{Action: "/roles", Name: name, Selected: grants, Errors: formErrors{field: msg}}, statusFor(err))
			return
		}
		h.logger.Error("create role failed", slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	h.redirectWithFlash(w, r, "/roles", shared.FlashSuccess, "Role "+role.Name+" created.")
}

func (h *Handler) showEditRoleForm(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	role, grants, err := h.service.Grants(r.Context(), id)
	if err != nil {
		h.handleLookupError(w, r, id, err)
		return
	}
	if role.IsUniversal() {
		h.redirectWithFlash(w, r, "/roles", shared.FlashError, shared.UserSafeMessage(shared.ErrReservedRole))
		return
	}
	h.renderForm(w, r, formData{Action: "/roles/" + strconv.FormatInt(role.ID, 10), Role: &role, Selected: grants, Errors: formErrors{}}, http.StatusOK)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	grants := parseGrants(r)
	if err := h.service.UpdatePermissions(r.Context(), actorID(r), id, grants); err != nil {
		switch {
		case errors.Is(err, shared.ErrNotFound):
			h.handleLookupError(w, r, id, err)
		case errors.Is(err, shared.ErrReservedRole):
			h.respondFlash(w, r, err)
		default:
			if msg, ok := formMessage(err); ok {
				role, _, lookupErr := h.service.Grants(r.Context(), id)
				if lookupErr != nil {
					h.handleLookupError(w, r, id, lookupErr)
					return
				}
				h.renderForm(w, r, formData{Action: "/roles/" + strconv.FormatInt(id, 10), Role: &role, Selected: grants, Errors: formErrors{"general": msg}}, statusFor(err))
				return
			}
			h.logger.Error("update role failed", slog.Int64("role_id", id), slog.Any("error", err))
			h.fail(w, r, err)
		}
		return
	}
	if shared.WantsJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.redirectWithFlash(w, r, "/roles", shared.FlashSuccess, "Permissions updated.")
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := roleID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), actorID(r), id); err != nil {
		switch {
		case errors.Is(err, shared.ErrRoleInUse), errors.Is(err, shared.ErrReservedRole), errors.Is(err, shared.ErrNotFound):
			h.respondFlash(w, r, err)
		default:
			h.logger.Error("delete role failed", slog.Int64("role_id", id), slog.Any("error", err))
			h.fail(w, r, err)
		}
		return
	}
	if shared.WantsJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.redirectWithFlash(w, r, "/roles", shared.FlashSuccess, "Role deleted.")
}

func (h *Handler) handleLookupError(w http.ResponseWriter, r *http.Request, id int64, err error) {
	if errors.Is(err, shared.ErrNotFound) {
		if shared.WantsJSON(r) {
			httpx.RespondError(w, err)
			return
		}
		http.NotFound(w, r)
		return
	}
	h.logger.Error("load role failed", slog.Int64("role_id", id), slog.Any("error", err))
	h.fail(w, r, err)
}

// respondFlash reports a business rule violation back on the role list.
func (h *Handler) respondFlash(w http.ResponseWriter, r *http.Request, err error) {
	if shared.WantsJSON(r) {
		httpx.RespondError(w, err)
		return
	}
	h.redirectWithFlash(w, r, "/roles", shared.FlashError, shared.UserSafeMessage(err))
}

func (h *Handler) renderForm(w http.ResponseWriter, r *http.Request, data formData, status int) {
	if shared.WantsJSON(r) && status != http.StatusOK {
		httpx.Problem(w, status, http.StatusText(status), firstMessage(data.Errors))
		return
	}
	catalog, err := h.service.Catalog(r.Context())
	if err != nil {
		h.logger.Error("load catalog failed", slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	data.Entities = catalog.Entities
	data.Permissions = catalog.Permissions
	title := "New role"
	if data.Role != nil {
		title = "Edit " + data.Role.Name
	}
	h.render(w, r, "pages/roles/form.html", title, data, status)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template, title string, data any, status int) {
	viewData := h.templates.Page(r, h.csrf, title, data)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, template, viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if shared.WantsJSON(r) {
		httpx.RespondError(w, err)
		return
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (h *Handler) redirectWithFlash(w http.ResponseWriter, r *http.Request, location, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

// parseGrants reads the permission matrix. Every entity rendered in the form
// is posted in "entities" so unchecked rows clear their grants.
func parseGrants(r *http.Request) rbac.GrantSet {
	grants := make(rbac.GrantSet)
	for _, entity := range r.PostForm["entities"] {
		entity = strings.TrimSpace(entity)
		if entity == "" {
			continue
		}
		grants[entity] = append([]string{}, r.PostForm["grant."+entity]...)
	}
	return grants
}

func formMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, rbac.ErrRoleNameRequired):
		return "Name is required.", true
	case errors.Is(err, rbac.ErrRoleNameInvalid):
		return "Name must contain letters or digits.", true
	case errors.Is(err, shared.ErrDuplicateName), errors.Is(err, shared.ErrDuplicateGrant):
		return shared.UserSafeMessage(err), true
	case errors.Is(err, shared.ErrValidation):
		return err.Error(), true
	}
	return "", false
}

func statusFor(err error) int {
	if errors.Is(err, shared.ErrDuplicateName) || errors.Is(err, shared.ErrDuplicateGrant) {
		return http.StatusConflict
	}
	return http.StatusUnprocessableEntity
}

func firstMessage(errs formErrors) string {
	for _, msg := range errs {
		return msg
	}
	return ""
}

func roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.NotFound(w, r)
		return 0, false
	}
	return id, true
}

func actorID(r *http.Request) int64 {
	if p := rbac.PrincipalFromContext(r.Context()); p != nil {
		return p.UserID
	}
	return 0
}
