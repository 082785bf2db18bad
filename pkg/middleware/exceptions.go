package middleware

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type ctxErrorKey struct{}

// HandledError describes a recovered panic for the error page.
type HandledError struct {
	Path  string
	Value any
}

// HandledErrorFrom returns the panic recovered by ExceptionHandler, if any.
func HandledErrorFrom(ctx context.Context) (HandledError, bool) {
	e, ok := ctx.Value(ctxErrorKey{}).(HandledError)
	return e, ok
}

// keptHeaders survive the response reset before the error handler runs.
var keptHeaders = []string{"X-Request-Id", "Strict-Transport-Security", "Set-Cookie"}

// ExceptionHandler recovers panics and re-executes errorHandler as a GET to
// errorPath with status 500. Nothing about the failure reaches the client
// beyond what errorHandler renders.
func ExceptionHandler(log *zap.SugaredLogger, errorPath string, errorHandler http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Errorw("unhandled panic", "err", rec, "method", r.Method, "path", r.URL.Path,
					"request_id", RequestIDFrom(r.Context()), "stack", string(debug.Stack()))
				if ww.Status() != 0 {
					log.Warnw("response already started, cannot run error handler", "path", r.URL.Path)
					return
				}
				resetHeaders(w.Header())
				er := shallowClone(r)
				er.Method = http.MethodGet
				er.URL.Path = errorPath
				er.URL.RawPath = ""
				er.URL.RawQuery = ""
				er = er.WithContext(context.WithValue(r.Context(), ctxErrorKey{}, HandledError{Path: r.URL.Path, Value: rec}))
				errorHandler.ServeHTTP(&statusWriter{ResponseWriter: w, status: http.StatusInternalServerError}, er)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func resetHeaders(h http.Header) {
	kept := map[string][]string{}
	for _, k := range keptHeaders {
		if v := h.Values(k); len(v) > 0 {
			kept[k] = v
		}
	}
	for k := range h {
		delete(h, k)
	}
	for k, v := range kept {
		h[http.CanonicalHeaderKey(k)] = v
	}
}

// statusWriter turns the error handler's implicit 200 into status.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusWriter) WriteHeader(code int) {
	if s.wrote {
		return
	}
	s.wrote = true
	if code == http.StatusOK {
		code = s.status
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if !s.wrote {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

// DeveloperExceptionPage recovers panics and renders the panic value, stack
// and request details. Credentials in headers are masked.
func DeveloperExceptionPage(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				stack := string(debug.Stack())
				log.Errorw("unhandled panic", "err", rec, "method", r.Method, "path", r.URL.Path, "stack", stack)
				if ww.Status() != 0 {
					return
				}
				resetHeaders(w.Header())
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusInternalServerError)
				_ = devPage.Execute(w, devPageData{
					Error:     fmt.Sprint(rec),
					Method:    r.Method,
					URL:       r.URL.String(),
					RequestID: RequestIDFrom(r.Context()),
					Headers:   maskedHeaders(r.Header),
					Stack:     stack,
				})
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

type devPageData struct {
	Error, Method, URL, RequestID string
	Headers                       [][2]string
	Stack                         string
}

var devPage = template.Must(template.New("dev").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Internal Server Error</title></head>
<body>
<h1>An unhandled exception occurred while processing the request.</h1>
<h2>{{.Error}}</h2>
<p>{{.Method}} {{.URL}}{{if .RequestID}} (request {{.RequestID}}){{end}}</p>
<h3>Headers</h3>
<table>{{range .Headers}}<tr><th>{{index . 0}}</th><td>{{index . 1}}</td></tr>{{end}}</table>
<h3>Stack</h3>
<pre>{{.Stack}}</pre>
</body>
</html>`))

var sensitiveHeaders = map[string]bool{"Authorization": true, "Cookie": true, "Proxy-Authorization": true}

func maskedHeaders(h http.Header) [][2]string {
	out := make([][2]string, 0, len(h))
	for k, vs := range h {
		v := strings.Join(vs, ", ")
		if sensitiveHeaders[http.CanonicalHeaderKey(k)] {
			v = "[redacted]"
		}
		out = append(out, [2]string{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
