package products

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

const perPage = 20

// Handler manages product endpoints.
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

// MountRoutes registers product routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAccess(rbac.EntityProducts))
		r.Get("/", h.listProducts)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(rbac.PermViewReports, rbac.EntityProducts))
		r.Get("/reports", h.showReport)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(rbac.PermCreate, rbac.EntityProducts))
		r.Get("/new", h.showCreateForm)
		r.Post("/", h.createProduct)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(rbac.PermEdit, rbac.EntityProducts))
		r.Get("/{id}/edit", h.showEditForm)
		r.Post("/{id}", h.updateProduct)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(rbac.PermDelete, rbac.EntityProducts))
		r.Post("/{id}/delete", h.deleteProduct)
	})
}

type formErrors map[string]string

type productForm struct {
	Code       string
	Name       string
	PriceCents string
	IsActive   bool
}

type listData struct {
	Products   []Product
	Pagination shared.Pagination
	CanCreate  bool
	CanEdit    bool
	CanDelete  bool
	CanReport  bool
}

type formData struct {
	Action string
	ID     int64
	Form   productForm
	Errors formErrors
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	result, err := h.service.List(r.Context(), page, perPage)
	if err != nil {
		h.logger.Error("list products failed", slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	if shared.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, map[string]any{"products": result.Products, "pagination": result.Pagination})
		return
	}
	principal := rbac.PrincipalFromContext(r.Context())
	authz := h.rbac.Authorizer.Service()
	h.render(w, r, "pages/products/list.html", "Products", listData{
		Products:   result.Products,
		Pagination: result.Pagination,
		CanCreate:  authz.UserCan(r.Context(), principal, rbac.PermCreate, rbac.EntityProducts),
		CanEdit:    authz.UserCan(r.Context(), principal, rbac.PermEdit, rbac.EntityProducts),
		CanDelete:  authz.UserCan(r.Context(), principal, rbac.PermDelete, rbac.EntityProducts),
		CanReport:  authz.UserCan(r.Context(), principal, rbac.PermViewReports, rbac.EntityProducts),
	}, http.StatusOK)
}

func (h *Handler) showReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Report(r.Context())
	if err != nil {
		h.logger.Error("product report failed", slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	if shared.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, report)
		return
	}
	h.render(w, r, "pages/products/reports.html", "Product report", report, http.StatusOK)
}

func (h *Handler) showCreateForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/products/form.html", "New product", formData{Action: "/products", Form: productForm{IsActive: true, PriceCents: "0"}, Errors: formErrors{}}, http.StatusOK)
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	form, in, errs, ok := parseForm(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	data := formData{Action: "/products", Form: form, Errors: errs}
	if len(errs) > 0 {
		h.renderInvalid(w, r, data, shared.FieldErrors(errs))
		return
	}
	product, err := h.service.Create(r.Context(), actorID(r), in)
	if err != nil {
		h.handleWriteError(w, r, data, err)
		return
	}
	h.redirectWithFlash(w, r, "/products", shared.FlashSuccess, "Product "+product.Code+" created.")
}

func (h *Handler) showEditForm(w http.ResponseWriter, r *http.Request) {
	product, ok := h.loadProduct(w, r)
	if !ok {
		return
	}
	form := productForm{
		Code:       product.Code,
		Name:       product.Name,
		PriceCents: strconv.FormatInt(product.PriceCents, 10),
		IsActive:   product.IsActive,
	}
	h.render(w, r, "pages/products/form.html", "Edit product", formData{Action: productPath(product.ID), ID: product.ID, Form: form, Errors: formErrors{}}, http.StatusOK)
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	form, in, errs, ok := parseForm(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	data := formData{Action: productPath(id), ID: id, Form: form, Errors: errs}
	if len(errs) > 0 {
		h.renderInvalid(w, r, data, shared.FieldErrors(errs))
		return
	}
	product, err := h.service.Update(r.Context(), actorID(r), id, in)
	if err != nil {
		h.handleWriteError(w, r, data, err)
		return
	}
	h.redirectWithFlash(w, r, "/products", shared.FlashSuccess, "Product "+product.Code+" updated.")
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := h.service.Delete(r.Context(), actorID(r), id); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			if shared.WantsJSON(r) {
				httpx.RespondError(w, err)
				return
			}
			h.redirectWithFlash(w, r, "/products", shared.FlashError, shared.UserSafeMessage(err))
			return
		}
		h.logger.Error("delete product failed", slog.Int64("product_id", id), slog.Any("error", err))
		h.fail(w, r, err)
		return
	}
	if shared.WantsJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.redirectWithFlash(w, r, "/products", shared.FlashSuccess, "Product deleted.")
}

func (h *Handler) loadProduct(w http.ResponseWriter, r *http.Request) (Product, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return Product{}, false
	}
	product, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			http.NotFound(w, r)
			return Product{}, false
		}
		h.logger.Error("get product failed", slog.Int64("product_id", id), slog.Any("error", err))
		h.fail(w, r, err)
		return Product{}, false
	}
	return product, true
}

func (h *Handler) handleWriteError(w http.ResponseWriter, r *http.Request, data formData, err error) {
	var fields shared.FieldErrors
	switch {
	case errors.As(err, &fields):
		data.Errors = formErrors(fields)
		h.renderInvalid(w, r, data, fields)
	case errors.Is(err, shared.ErrNotFound):
		http.NotFound(w, r)
	default:
		h.logger.Error("save product failed", slog.Any("error", err))
		h.fail(w, r, err)
	}
}

func (h *Handler) renderInvalid(w http.ResponseWriter, r *http.Request, data formData, fields shared.FieldErrors) {
	if shared.WantsJSON(r) {
		httpx.RespondError(w, fields)
		return
	}
	title := "New product"
	if data.ID != 0 {
		title = "Edit product"
	}
	h.render(w, r, "pages/products/form.html", title, data, http.StatusUnprocessableEntity)
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

// parseForm reads the product form. errs holds fields that could not be
// converted; ok is false when the body itself is malformed.
func parseForm(r *http.Request) (productForm, Input, formErrors, bool) {
	if err := r.ParseForm(); err != nil {
		return productForm{}, Input{}, nil, false
	}
	form := productForm{
		Code:       r.PostFormValue("code"),
		Name:       r.PostFormValue("name"),
		PriceCents: strings.TrimSpace(r.PostFormValue("price_cents")),
		IsActive:   r.PostFormValue("is_active") != "",
	}
	in := Input{Code: form.Code, Name: form.Name, IsActive: form.IsActive}
	errs := formErrors{}
	if form.PriceCents != "" {
		cents, err := strconv.ParseInt(form.PriceCents, 10, 64)
		if err != nil {
			errs["PriceCents"] = "must be a whole number of cents"
		}
		in.PriceCents = cents
	}
	return form, in, errs, true
}

func productPath(id int64) string {
	return "/products/" + strconv.FormatInt(id, 10)
}

func actorID(r *http.Request) int64 {
	if p := rbac.PrincipalFromContext(r.Context()); p != nil {
		return p.UserID
	}
	return 0
}
