package httpserver

import (
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/omasakun/remote-stylus/internal/metrics"
)

// originMiddleware rejects disallowed origins with 403 before routing and
// lets rs/cors answer preflights and set CORS headers for the rest.
func (s *Server) originMiddleware() Middleware {
	c := cors.New(cors.Options{
		AllowOriginRequestFunc: func(r *http.Request, origin string) bool {
			_, ok := s.cfg.AllowedOrigins.Allows(origin, r.Host)
			return ok
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         600,
	})
	return func(next http.Handler) http.Handler {
		withCORS := c.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				if s.cfg.RequireOrigin && !operational(r.URL.Path) {
					s.metrics.Inc(metrics.OriginRejected)
					http.Error(w, "origin required", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := s.cfg.AllowedOrigins.Allows(originHeader, r.Host); !ok {
				s.metrics.Inc(metrics.OriginRejected)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			withCORS.ServeHTTP(w, r)
		})
	}
}

// operational paths are probed by orchestrators and scrapers, which send no
// Origin header.
func operational(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/version", "/metrics":
		return true
	}
	return false
}
