package problems

import (
	"encoding/json"
	"net/http"
	"strings"
)

// base is the prefix of problem type identifiers. It is set once at startup
// from PUBLIC_BASE_URL; the fallback is a non-resolvable example URL.
var base = "https://example.com/problems"

// SetBase configures the problem type base from the public base URL.
func SetBase(publicBaseURL string) {
	if b := strings.TrimRight(publicBaseURL, "/"); b != "" {
		base = b + "/problems"
	}
}

// Base returns the base URL for problem type identifiers.
func Base() string { return base }

// Type builds a full problem type URL for the given slug.
func Type(slug string) string { return Base() + "/" + slug }

// Problem is an RFC 7807 problem document.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Write renders p as application/problem+json.
func Write(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func Unauthorized(detail string) Problem {
	return Problem{Type: Type("unauthorized"), Title: "Authentication required", Status: http.StatusUnauthorized, Detail: detail}
}

func Forbidden(detail string) Problem {
	return Problem{Type: Type("forbidden"), Title: "Access denied", Status: http.StatusForbidden, Detail: detail}
}

func BadRequest(slug, title, detail string) Problem {
	return Problem{Type: Type(slug), Title: title, Status: http.StatusBadRequest, Detail: detail}
}
