package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/tryout/internal/i18n"
	"github.com/pavelanni/tryout/internal/model"
)

// UserIDHeader is set by the upstream gateway to the authenticated user.
const UserIDHeader = "X-User-ID"

const maxUserIDLength = 128

// requireUser is middleware that stores the upstream user ID in the context.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" || len(userID) > maxUserIDLength {
			unauthorized(w, r)
			return
		}
		ctx := model.ContextWithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin is middleware that checks the bearer token against the
// configured bcrypt hash.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.AdminTokenHash == "" {
			slog.Warn("admin request rejected: no admin token configured", "path", r.URL.Path)
			unauthorized(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			unauthorized(w, r)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(h.config.AdminTokenHash), []byte(token)); err != nil {
			slog.Warn("admin token mismatch", "path", r.URL.Path)
			unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusUnauthorized, errorBody{
		Error:   "unauthorized",
		Message: appI18n.T(r.Context(), "ErrUnauthorized"),
	})
}
