package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Scheme reports the effective scheme of r: the value set by ForwardedHeaders
// or ForceScheme, else https for TLS connections, else http.
func Scheme(r *http.Request) string {
	if r.URL != nil && r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// BaseURL returns scheme://host of r as the application sees it.
func BaseURL(r *http.Request) string {
	return Scheme(r) + "://" + r.Host
}

func shallowClone(r *http.Request) *http.Request {
	r2 := new(http.Request)
	*r2 = *r
	u := *r.URL
	r2.URL = &u
	return r2
}

// ForceScheme overwrites the request scheme. A TLS-terminating proxy that
// talks plain http upstream would otherwise make redirect URIs use http.
func ForceScheme(scheme string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r2 := shallowClone(r)
			r2.URL.Scheme = scheme
			next.ServeHTTP(w, r2)
		})
	}
}

// HTTPSRedirection answers plain-http requests with a 307 to the https URL.
func HTTPSRedirection(httpsPort int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Scheme(r) == "https" {
				next.ServeHTTP(w, r)
				return
			}
			host := r.Host
			if h, _, err := net.SplitHostPort(host); err == nil {
				host = h
			}
			host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
			if strings.Contains(host, ":") {
				host = "[" + host + "]"
			}
			if httpsPort != 443 {
				host = host + ":" + strconv.Itoa(httpsPort)
			}
			target := "https://" + host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		})
	}
}

// HSTS sets Strict-Transport-Security on https responses. Loopback hosts are
// excluded so local development is not pinned to https.
func HSTS(maxAge time.Duration, includeSubDomains bool) func(http.Handler) http.Handler {
	value := fmt.Sprintf("max-age=%d", int64(maxAge/time.Second))
	if includeSubDomains {
		value += "; includeSubDomains"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Scheme(r) == "https" && !isLoopbackHost(r.Host) {
				w.Header().Set("Strict-Transport-Security", value)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
