package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"expense-manager/internal/auth"
	"expense-manager/internal/expense"
	"expense-manager/internal/logger"
	"expense-manager/internal/storage"

	"github.com/rs/zerolog"
)

const (
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "session"
	// DefaultSessionDuration is how long sessions last (30 days).
	DefaultSessionDuration = 30 * 24 * time.Hour

	listPath  = "/Expense"
	loginPath = "/Account/Login"
)

var views = []string{"login.html", "list.html", "form.html"}

// Options configures Handlers.
type Options struct {
	SecureCookie    bool
	SessionDuration time.Duration
	// Tokens enables bearer token identity when non-nil.
	Tokens *auth.TokenVerifier
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	db              *storage.DB
	expenses        *expense.Service
	tokens          *auth.TokenVerifier
	views           map[string]*template.Template
	secureCookie    bool
	sessionDuration time.Duration
	log             zerolog.Logger
	now             func() time.Time
}

// NewHandlers parses the templates found in templates and creates a Handlers instance.
func NewHandlers(db *storage.DB, svc *expense.Service, templates fs.FS, log zerolog.Logger, opts Options) (*Handlers, error) {
	parsed := make(map[string]*template.Template, len(views))
	for _, name := range views {
		tmpl, err := template.New("base.html").ParseFS(templates, "base.html", name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		parsed[name] = tmpl
	}

	if opts.SessionDuration <= 0 {
		opts.SessionDuration = DefaultSessionDuration
	}

	return &Handlers{
		db:              db,
		expenses:        svc,
		tokens:          opts.Tokens,
		views:           parsed,
		secureCookie:    opts.SecureCookie,
		sessionDuration: opts.SessionDuration,
		log:             log,
		now:             time.Now,
	}, nil
}

// Health reports liveness and database reachability.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger(r).Error().Err(err).Msg("Health check failed")
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// render executes a view. HTMX requests only get the content block.
func (h *Handlers) render(w http.ResponseWriter, r *http.Request, status int, view string, data any) {
	tmpl, ok := h.views[view]
	if !ok {
		h.logger(r).Error().Str("view", view).Msg("Unknown view")
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}

	target := "base.html"
	if isHTMX(r) {
		target = "content"
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, target, data); err != nil {
		h.logger(r).Error().Err(err).Str("view", view).Msg("Template execution error")
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// redirect sends the browser to path, or tells HTMX to swap the content there.
func (h *Handlers) redirect(w http.ResponseWriter, r *http.Request, path string) {
	if isHTMX(r) {
		w.Header().Set("HX-Location", fmt.Sprintf(`{"path":%q, "target":"#content"}`, path))
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, path, http.StatusFound)
}

// serviceError maps expense service outcomes that have no dedicated view.
func (h *Handlers) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, expense.ErrUnauthenticated):
		h.redirectToLogin(w, r)
	case errors.Is(err, expense.ErrNotFound):
		http.Error(w, "Expense not found", http.StatusNotFound)
	case errors.Is(err, expense.ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
	default:
		h.logger(r).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handlers) logger(r *http.Request) *zerolog.Logger {
	l := logger.FromContextOr(r.Context(), h.log)
	return &l
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// localPath reports whether p is a path on this site, safe to redirect to.
func localPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}
