// Package middleware provides HTTP middleware for the livepanel API.
package middleware

import (
	"net/http"
	"strings"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, X-Identity, X-Role"
	corsMaxAge  = "600"
)

// OriginSet is a parsed ALLOWED_ORIGINS list. "*" admits any origin but
// never with credentials.
type OriginSet struct {
	any      bool
	explicit map[string]struct{}
}

// ParseOrigins normalizes origins: blanks are dropped and trailing slashes
// trimmed.
func ParseOrigins(origins []string) OriginSet {
	set := OriginSet{explicit: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			set.any = true
		default:
			set.explicit[o] = struct{}{}
		}
	}
	return set
}

// Explicit reports whether origin was listed by name.
func (s OriginSet) Explicit(origin string) bool {
	_, ok := s.explicit[origin]
	return ok
}

// Allows reports whether origin may call the API.
func (s OriginSet) Allows(origin string) bool {
	return origin != "" && (s.any || s.Explicit(origin))
}

// Patterns returns the set in the form websocket.AcceptOptions expects.
func (s OriginSet) Patterns() []string {
	if s.any {
		return []string{"*"}
	}
	out := make([]string, 0, len(s.explicit))
	for o := range s.explicit {
		// Patterns match the host, not the full origin.
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		out = append(out, o)
	}
	return out
}

// CORS sets CORS headers for allowed origins and answers preflight requests.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	origins := ParseOrigins(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")
			if origins.Allows(origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				if origins.Explicit(origin) {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
