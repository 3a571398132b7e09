package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/esbmeter/esbmeter/pkg/log"
)

// authMiddleware requires a bearer ID token when a verifier is configured.
// Without one the endpoints are open, which suits a server only reachable
// from the local network.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			log.Ctx(ctx).WarnContext(ctx, "missing auth header")
			writeJSONError(w, "missing auth header", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}

		idToken, err := s.verifier(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
		if s.allowedSubjects != nil && !s.allowedSubjects[idToken.Subject] {
			log.Ctx(ctx).WarnContext(ctx, "token subject not allowed", slog.String("subject", idToken.Subject))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}

		ctx = log.WithAttrs(ctx, slog.String("subject", idToken.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
