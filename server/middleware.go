package server

import (
	"net/http"
	"strings"

	"worshiproom/core/auth"
	"worshiproom/logger"
)

// AuthMiddleware requires a valid bearer token and stores the caller's
// identity on the request context.
func (s *Server) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeMessage(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeMessage(w, http.StatusUnauthorized, "Invalid authorization header format")
			return
		}

		id, err := s.tokens.Parse(parts[1])
		if err != nil {
			logger.Debug("rejected token", logger.String("path", r.URL.Path), logger.ErrorField(err))
			writeMessage(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	}
}

func identityFrom(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}
