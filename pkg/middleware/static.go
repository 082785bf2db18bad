package middleware

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// StaticFiles serves files from root for GET and HEAD requests and
// short-circuits the rest of the pipeline. Directories and misses fall
// through to next.
func StaticFiles(root fs.FS) func(http.Handler) http.Handler {
	files := http.FileServerFS(root)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
			if name == "" {
				next.ServeHTTP(w, r)
				return
			}
			info, err := fs.Stat(root, name)
			if err != nil || info.IsDir() {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Cache-Control", "public, max-age=3600")
			files.ServeHTTP(w, r)
		})
	}
}
