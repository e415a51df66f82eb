package view

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
	"github.com/odyssey-erp/odyssey-admin/web"
)

// Engine renders HTML templates.
type Engine struct {
	templates *template.Template
	navigator Navigator
}

// NavItem is one entry of the main navigation.
type NavItem struct {
	Label  string
	Href   string
	Active bool
}

// Navigator builds the navigation visible to the current request.
type Navigator func(r *http.Request) []NavItem

// Viewer describes the signed-in user for the layout.
type Viewer struct {
	Username string
	RoleName string
	Admin    bool
}

// TemplateData contains values shared across templates.
type TemplateData struct {
	Title       string
	CSRFToken   string
	Flash       *shared.FlashMessage
	CurrentPath string
	Viewer      *Viewer
	Nav         []NavItem
	Data        any
}

// NewEngine parses templates at build-time.
func NewEngine() (*Engine, error) {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02 Jan 2006 15:04")
		},
		"formatDatePtr": func(t *time.Time) string {
			if t == nil || t.IsZero() {
				return "never"
			}
			return t.Format("02 Jan 2006 15:04")
		},
		"hasString": func(list []string, v string) bool {
			for _, s := range list {
				if s == v {
					return true
				}
			}
			return false
		},
		"join": strings.Join,
		"add":  func(a, b int) int { return a + b },
	}
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates,
		"templates/layouts/*.html",
		"templates/partials/*.html",
		"templates/pages/*.html",
		"templates/pages/*/*.html",
	)
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl}, nil
}

// WithNavigator installs the navigation builder used by Page.
func (e *Engine) WithNavigator(nav Navigator) *Engine {
	if e != nil {
		e.navigator = nav
	}
	return e
}

// Page assembles the layout data for r: flash, CSRF token, viewer and
// navigation.
func (e *Engine) Page(r *http.Request, csrf *shared.CSRFManager, title string, data any) TemplateData {
	sess := shared.SessionFromContext(r.Context())
	td := TemplateData{Title: title, CurrentPath: r.URL.Path, Data: data}
	if sess != nil {
		if csrf != nil {
			td.CSRFToken, _ = csrf.EnsureToken(r.Context(), sess)
		}
		td.Flash = sess.PopFlash()
	}
	if p := rbac.PrincipalFromContext(r.Context()); p != nil {
		v := &Viewer{Username: p.Username}
		if p.Role != nil {
			v.RoleName = p.Role.Name
			v.Admin = p.Role.IsUniversal()
		}
		td.Viewer = v
		if e != nil && e.navigator != nil {
			td.Nav = e.navigator(r)
		}
	}
	return td
}

// Render executes a named template with TemplateData.
func (e *Engine) Render(w http.ResponseWriter, name string, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return e.templates.ExecuteTemplate(w, name, data)
}
