// Package web holds the MVC-style pages behind the sign-in gate and the
// default {controller=Home}/{action=Index}/{id?} route that dispatches to them.
package web

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"sitegate/pkg/authn"
	"sitegate/pkg/middleware"
)

//go:embed templates/*.html
var templateFiles embed.FS

//go:embed wwwroot
var wwwroot embed.FS

// ErrorPath is the page the production exception handler re-executes.
const ErrorPath = "/Home/Error"

// Assets returns the static web root.
func Assets() fs.FS {
	sub, err := fs.Sub(wwwroot, "wwwroot")
	if err != nil {
		panic(err)
	}
	return sub
}

// Action is one controller action. No methods means GET and HEAD.
type Action struct {
	Methods []string
	Handler http.HandlerFunc
}

func (a Action) allows(method string) bool {
	if len(a.Methods) == 0 {
		return method == http.MethodGet || method == http.MethodHead
	}
	for _, m := range a.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Site renders the pages and owns the controller table.
type Site struct {
	log         *zap.SugaredLogger
	appName     string
	pages       map[string]*template.Template
	controllers map[string]map[string]Action
}

// Authenticator is the subset of the authn flows the Account pages call.
type Authenticator interface {
	SignIn(w http.ResponseWriter, r *http.Request)
	SignOut(w http.ResponseWriter, r *http.Request)
}

func New(log *zap.SugaredLogger, appName string, auth Authenticator) (*Site, error) {
	pages, err := parsePages()
	if err != nil {
		return nil, err
	}
	s := &Site{
		log:         log,
		appName:     appName,
		pages:       pages,
		controllers: map[string]map[string]Action{},
	}
	s.Register("Home", map[string]Action{
		"Index":   {Handler: s.homeIndex},
		"Privacy": {Handler: s.homePrivacy},
		"Error":   {Methods: []string{http.MethodGet, http.MethodHead, http.MethodPost}, Handler: s.homeError},
	})
	s.Register("Account", map[string]Action{
		"SignIn":       {Handler: auth.SignIn},
		"SignOut":      {Methods: []string{http.MethodGet, http.MethodPost}, Handler: auth.SignOut},
		"SignedOut":    {Handler: s.accountSignedOut},
		"AccessDenied": {Handler: s.accountAccessDenied},
	})
	return s, nil
}

// Register adds (or extends) a controller. Names are matched ignoring case.
func (s *Site) Register(controller string, actions map[string]Action) {
	key := strings.ToLower(controller)
	if s.controllers[key] == nil {
		s.controllers[key] = map[string]Action{}
	}
	for name, a := range actions {
		s.controllers[key][strings.ToLower(name)] = a
	}
}

// AnonymousPaths lists the pages reachable without signing in.
func AnonymousPaths() []string {
	return []string{ErrorPath, "/Account/SignIn", "/Account/SignOut", "/Account/SignedOut", "/Account/AccessDenied"}
}

// Routes mounts the default controller route.
func (s *Site) Routes(r chi.Router) {
	r.HandleFunc("/", s.dispatch)
	r.HandleFunc("/{controller}", s.dispatch)
	r.HandleFunc("/{controller}/{action}", s.dispatch)
	r.HandleFunc("/{controller}/{action}/{id}", s.dispatch)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.RenderStatus(w, r, http.StatusNotFound, "Page not found")
	})
}

type ctxRouteIDKey struct{}

// RouteID returns the optional {id} segment of the default route.
func RouteID(ctx context.Context) string {
	id, _ := ctx.Value(ctxRouteIDKey{}).(string)
	return id
}

func (s *Site) dispatch(w http.ResponseWriter, r *http.Request) {
	controller := chi.URLParam(r, "controller")
	if controller == "" {
		controller = "Home"
	}
	action := chi.URLParam(r, "action")
	if action == "" {
		action = "Index"
	}
	a, found := s.controllers[strings.ToLower(controller)][strings.ToLower(action)]
	if !found {
		s.RenderStatus(w, r, http.StatusNotFound, "Page not found")
		return
	}
	if !a.allows(r.Method) {
		w.Header().Set("Allow", allowHeader(a))
		s.RenderStatus(w, r, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		r = r.WithContext(context.WithValue(r.Context(), ctxRouteIDKey{}, id))
	}
	a.Handler(w, r)
}

func allowHeader(a Action) string {
	if len(a.Methods) == 0 {
		return "GET, HEAD"
	}
	return strings.Join(a.Methods, ", ")
}

type claimRow struct {
	Name, Value string
}

type pageData struct {
	AppName   string
	Title     string
	User      authn.Principal
	Claims    []claimRow
	RequestID string
	Status    int
	Message   string
}

func (s *Site) data(r *http.Request, title string) pageData {
	return pageData{
		AppName:   s.appName,
		Title:     title,
		User:      authn.PrincipalFrom(r.Context()),
		RequestID: middleware.RequestIDFrom(r.Context()),
	}
}

func (s *Site) render(w http.ResponseWriter, status int, page string, d pageData) {
	t, found := s.pages[page]
	if !found {
		s.log.Errorw("unknown page", "page", page)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := t.ExecuteTemplate(w, "layout", d); err != nil {
		s.log.Errorw("render page", "page", page, "err", err)
	}
}

func (s *Site) homeIndex(w http.ResponseWriter, r *http.Request) {
	d := s.data(r, "Home")
	d.Claims = claimRows(d.User.Claims)
	s.render(w, http.StatusOK, "index", d)
}

func (s *Site) homePrivacy(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "privacy", s.data(r, "Privacy Policy"))
}

// homeError shows the request id and nothing about the failure itself.
func (s *Site) homeError(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	s.render(w, http.StatusOK, "error", s.data(r, "Error"))
}

func (s *Site) accountSignedOut(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "signedout", s.data(r, "Signed out"))
}

func (s *Site) accountAccessDenied(w http.ResponseWriter, r *http.Request) {
	d := s.data(r, "Access denied")
	d.Status = http.StatusForbidden
	d.Message = "You do not have access to this resource."
	s.render(w, http.StatusOK, "status", d)
}

// ErrorHandler is the target the exception handler re-executes.
func (s *Site) ErrorHandler() http.Handler {
	return http.HandlerFunc(s.homeError)
}

// RenderStatus renders a generic status page. It doubles as the
// authenticator's failure renderer.
func (s *Site) RenderStatus(w http.ResponseWriter, r *http.Request, status int, title string) {
	d := s.data(r, title)
	d.Status = status
	s.render(w, status, "status", d)
}

func claimRows(claims map[string]any) []claimRow {
	rows := make([]claimRow, 0, len(claims))
	for k, v := range claims {
		rows = append(rows, claimRow{Name: k, Value: fmt.Sprint(v)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

func parsePages() (map[string]*template.Template, error) {
	layout, err := template.ParseFS(templateFiles, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	pages := map[string]*template.Template{}
	for _, name := range []string{"index", "privacy", "error", "signedout", "status"} {
		t, err := layout.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := t.ParseFS(templateFiles, "templates/"+name+".html"); err != nil {
			return nil, fmt.Errorf("parse page %s: %w", name, err)
		}
		pages[name] = t
	}
	return pages, nil
}
