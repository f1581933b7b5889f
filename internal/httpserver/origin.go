package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/origin"
)

const preflightMaxAgeSeconds = "600"

// originMiddleware applies ALLOWED_ORIGINS to every browser request and
// answers CORS preflights. Requests without an Origin header (curl, the
// peer tooling) pass through untouched.
func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Origin"))
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowOrigin, ok := origin.Check(header, r.Host, s.cfg.AllowedOrigins)
			if !ok {
				s.log.Warn("origin_rejected", "origin", header, "path", r.URL.Path)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowOrigin)
			h.Set("Access-Control-Expose-Headers", "X-Request-ID")
			h.Add("Vary", "Origin")

			if isPreflight(r) {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				allowHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
				if allowHeaders == "" {
					allowHeaders = "Content-Type"
				}
				h.Set("Access-Control-Allow-Headers", allowHeaders)
				h.Set("Access-Control-Max-Age", preflightMaxAgeSeconds)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}
