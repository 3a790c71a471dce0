package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/chunkvault/chunkvault/internal/server/auth"
)

type ctxKey string

const userIDKey ctxKey = "userID"

// withAuth verifies the bearer token and stores the user ID in the request
// context.
func (s *Server) withAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			s.writeError(w, r, errMissingToken)
			return
		}

		userID, err := auth.GetUserIDFromToken(token, s.jwtSecret)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
