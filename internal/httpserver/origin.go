package httpserver

import (
	"net/http"
	"strings"

	"github.com/driftchat/matchmaker/internal/origin"
)

// WSOriginGuard enforces the origin allow-list on the WebSocket upgrade
// route. Browsers always send Origin on upgrades; requests without the header
// (non-browser clients, tests) pass through. The REST routes rely on the CORS
// layer instead, which cannot protect an upgrade.
func (s *Server) WSOriginGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		normalizedOrigin, originHost, ok := origin.NormalizeHeader(originHeader)
		if !ok || !origin.IsAllowed(normalizedOrigin, originHost, r.Host, s.cfg.AllowedOrigins) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
