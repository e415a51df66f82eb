package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-admin/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
	"github.com/odyssey-erp/odyssey-admin/internal/view"
)

// blockedUntilKey holds the unix time until which the login page shows the
// lockout notice.
const blockedUntilKey = "login_blocked_until"

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	templates      *view.Engine
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		templates:      templates,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

type loginForm struct {
	Username string `validate:"required,max=64"`
	Password string `validate:"required,max=128"`
}

type loginPageData struct {
	Form       loginForm
	Errors     map[string]string
	Blocked    bool
	RetryAfter int
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	if p := rbac.PrincipalFromContext(r.Context()); p != nil {
		http.Redirect(w, r, h.service.Policy().LoginLanding(p.Role), http.StatusSeeOther)
		return
	}
	h.renderLogin(w, r, loginPageData{}, http.StatusOK)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	sess := shared.SessionFromContext(r.Context())
	form := loginForm{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				errs[fieldErr.Field()] = fieldErr.Error()
			}
		}
	}
	if len(errs) > 0 {
		if shared.WantsJSON(r) {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "username and password are required")
			return
		}
		h.renderLogin(w, r, loginPageData{Form: loginForm{Username: form.Username}, Errors: errs}, http.StatusUnprocessableEntity)
		return
	}

	result, err := h.service.Login(r.Context(), form.Username, form.Password, shared.ClientIP(r))
	if err != nil {
		var limited *shared.RateLimitedError
		switch {
		case errors.As(err, &limited):
			if sess != nil {
				sess.Set(blockedUntilKey, strconv.FormatInt(time.Now().Add(limited.RetryAfter).Unix(), 10))
			}
			if shared.WantsJSON(r) {
				httpx.RespondError(w, err)
				return
			}
			shared.Flash(r.Context(), shared.FlashError, shared.UserSafeMessage(err))
			http.Redirect(w, r, h.service.Policy().LoginPath, http.StatusSeeOther)
		case errors.Is(err, shared.ErrInvalidCredentials):
			if shared.WantsJSON(r) {
				httpx.RespondError(w, err)
				return
			}
			errs["general"] = shared.UserSafeMessage(err)
			h.renderLogin(w, r, loginPageData{Form: loginForm{Username: form.Username}, Errors: errs}, http.StatusBadRequest)
		default:
			h.logger.Error("login", slog.Any("error", err))
			if shared.WantsJSON(r) {
				httpx.RespondError(w, err)
				return
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	if sess == nil {
		h.logger.Error("session missing during login")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	sess.Regenerate()
	sess.SetUser(result.User.ID)
	sess.Delete(blockedUntilKey)
	if _, err := h.csrfManager.Rotate(r.Context(), sess); err != nil {
		h.logger.Warn("rotate csrf token", slog.Any("error", err))
	}
	expiresAt := time.Now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, result.User.ID, expiresAt, shared.ClientIP(r), r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}

	if shared.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, map[string]any{
			"redirect": result.Landing,
			"user":     map[string]any{"id": result.User.ID, "username": result.User.Username},
		})
		return
	}
	sess.AddFlash(shared.FlashMessage{Kind: shared.FlashSuccess, Message: "Welcome back, " + result.User.Username + "."})
	http.Redirect(w, r, result.Landing, http.StatusSeeOther)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	httpx.NoStore(w)
	if shared.WantsJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, h.service.Policy().LoginPath, http.StatusSeeOther)
}

func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, data loginPageData, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrfManager.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
		if raw := sess.Get(blockedUntilKey); raw != "" {
			until, _ := strconv.ParseInt(raw, 10, 64)
			if remaining := time.Until(time.Unix(until, 0)); remaining > 0 {
				data.Blocked = true
				data.RetryAfter = (&shared.RateLimitedError{RetryAfter: remaining}).RetryAfterSeconds()
			} else {
				sess.Delete(blockedUntilKey)
			}
		}
	}
	viewData := view.TemplateData{
		Title:       "Sign in",
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	httpx.NoStore(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, "pages/login.html", viewData); err != nil {
		h.logger.Error("render login", slog.Any("error", err))
	}
}

// ShowLoginForTest exposes the GET handler for tests.
func (h *Handler) ShowLoginForTest(w http.ResponseWriter, r *http.Request) {
	h.showLogin(w, r)
}

// HandleLoginForTest exposes the POST handler for tests.
func (h *Handler) HandleLoginForTest(w http.ResponseWriter, r *http.Request) {
	h.handleLogin(w, r)
}

// HandleLogoutForTest exposes the logout handler for tests.
func (h *Handler) HandleLogoutForTest(w http.ResponseWriter, r *http.Request) {
	h.handleLogout(w, r)
}
