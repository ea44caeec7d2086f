package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/simpleclaw/fleet/internal/state"
)

type ctxKey int

const ctxUserID ctxKey = iota

// UserID returns the authenticated user id stored by UserAuthMiddleware.
func UserID(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxUserID).(int64)
	return id
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// UserAuthMiddleware resolves the Bearer token to a user and stores the
// user id on the request context. Unknown tokens get 401.
func UserAuthMiddleware(store *state.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed Authorization header")
			return
		}
		userID, err := store.GetUserIDByToken(token)
		if errors.Is(err, state.ErrNotFound) {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		if err != nil {
			writeOpError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUserID, userID)))
	})
}

// AdminAuthMiddleware validates the Bearer token against the static
// admin token.
func AdminAuthMiddleware(adminToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestBodyLimitMiddleware enforces a max request body size for
// downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r != nil && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
