package users

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

// Handler manages user management endpoints.
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

// MountRoutes registers user routes. Listing needs any grant on users; every
// write needs its exact grant.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAccess(rbac.EntityUsers))
		r.Get("/", h.listUsers)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(rbac.PermCreate, rbac.EntityUsers))
		r.Get("/new", h.showCreateUserForm)
		r.Post("/", h.createUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(rbac.PermEdit, rbac.EntityUsers))
		r.Get("/{id}/edit", h.showEditUserForm)
		r.Post("/{id}", h.updateUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(rbac.PermDelete, rbac.EntityUsers))
		r.Post("/{id}/delete", h.deleteUser)
	})
}

type formErrors map[string]string

type listData struct {
	Users     []User
	CanCreate bool
	CanEdit   bool
	CanDelete bool
}

type formData struct {
	Action   string
	User     *User
	Username string
	RoleID   int64
	Roles    []rbac.Role
	Errors   formErrors
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("list users failed", slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	if shared.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, map[string]any{"users": users})
		return
	}
	principal := rbac.PrincipalFromContext(r.Context())
	authz := h.rbac.Authorizer.Service()
	h.render(w, r, "pages/users/list.html", "Users", listData{
		Users:     users,
		CanCreate: authz.UserCan(r.Context(), principal, rbac.PermCreate, rbac.EntityUsers),
		CanEdit:   authz.UserCan(r.Context(), principal, rbac.PermEdit, rbac.EntityUsers),
		CanDelete: authz.UserCan(r.Context(), principal, rbac.PermDelete, rbac.EntityUsers),
	}, http.StatusOK)
}

func (h *Handler) showCreateUserForm(w http.ResponseWriter, r *http.Request) {
	h.renderForm(w, r, formData{Action: "/users", Errors: formErrors{}}, http.StatusOK)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	roleID, ok := parseRoleID(r.PostFormValue("role_id"))
	if !ok {
		h.renderForm(w, r, formData{Action: "/users", Username: r.PostFormValue("username"), Errors: formErrors{"RoleID": "role is invalid"}}, http.StatusUnprocessableEntity)
		return
	}
	input := RegisterInput{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
		RoleID:   roleID,
	}
	user, err := h.service.Register(r.Context(), actorID(r), input)
	if err != nil {
		var fields shared.FieldErrors
		if errors.As(err, &fields) {
			data := formData{Action: "/users", Username: input.Username, Errors: formErrors(fields)}
			if roleID != nil {
				data.RoleID = *roleID
			}
			h.renderForm(w, r, data, http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create user failed", slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	h.redirectWithFlash(w, r, "/users", shared.FlashSuccess, "User "+user.Username+" created.")
}

func (h *Handler) showEditUserForm(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	data := formData{Action: "/users/" + strconv.FormatInt(user.ID, 10), User: &user, Errors: formErrors{}}
	if user.RoleID != nil {
		data.RoleID = *user.RoleID
	}
	h.renderForm(w, r, data, http.StatusOK)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	roleID, valid := parseRoleID(r.PostFormValue("role_id"))
	var err error
	if !valid {
		err = shared.FieldErrors{"RoleID": "role is invalid"}
	} else {
		err = h.service.AssignRole(r.Context(), actorID(r), user.ID, roleID)
	}
	if err != nil {
		var fields shared.FieldErrors
		if errors.As(err, &fields) {
			h.renderForm(w, r, formData{Action: "/users/" + strconv.FormatInt(user.ID, 10), User: &user, Errors: formErrors(fields)}, http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("assign role failed", slog.Int64("user_id", user.ID), slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	h.redirectWithFlash(w, r, "/users", shared.FlashSuccess, "Role of "+user.Username+" updated.")
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := h.service.Delete(r.Context(), actorID(r), id); err != nil {
		switch {
		case errors.Is(err, shared.ErrSelfDeletion), errors.Is(err, shared.ErrNotFound):
			if shared.WantsJSON(r) {
				httpx.RespondError(w, err)
				return
			}
			h.redirectWithFlash(w, r, "/users", shared.FlashError, shared.UserSafeMessage(err))
		default:
			h.logger.Error("delete user failed", slog.Int64("user_id", id), slog.Any("error", err))
			h.fail(w, r, err)
		}
		return
	}
	if shared.WantsJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.redirectWithFlash(w, r, "/users", shared.FlashSuccess, "User deleted.")
}

func (h *Handler) loadUser(w http.ResponseWriter, r *http.Request) (User, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return User{}, false
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			http.NotFound(w, r)
			return User{}, false
		}
		h.logger.Error("get user failed", slog.Int64("user_id", id), slog.Any("error", err))
		h.fail(w, r, err)
		return User{}, false
	}
	return user, true
}

func (h *Handler) renderForm(w http.ResponseWriter, r *http.Request, data formData, status int) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("list roles failed", slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	data.Roles = roles
	title := "New user"
	if data.User != nil {
		title = "Edit user"
	}
	h.render(w, r, "pages/users/form.html", title, data, status)
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

func actorID(r *http.Request) int64 {
	if p := rbac.PrincipalFromContext(r.Context()); p != nil {
		return p.UserID
	}
	return 0
}

// parseRoleID reads the role select; an empty value means no role.
func parseRoleID(raw string) (*int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, false
	}
	return &id, true
}
