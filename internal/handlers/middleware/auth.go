package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/handlers/render"
	"github.com/nkiryanov/tokenauth/internal/handlers/userctx"
	"github.com/nkiryanov/tokenauth/internal/models"
)

const bearerScheme = "bearer"

type authenticator interface {
	Authenticate(ctx context.Context, access string) (models.User, error)
}

type authLogger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type AuthMiddleware struct {
	auth   authenticator
	logger authLogger
}

func NewAuth(auth authenticator, logger authLogger) *AuthMiddleware {
	return &AuthMiddleware{auth: auth, logger: logger}
}

// Auth requires valid 'Authorization: Bearer <token>' header
// and puts authenticated user to request context
func (m *AuthMiddleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := m.auth.Authenticate(r.Context(), token)
		switch {
		case err == nil:
		case apperrors.IsAuthError(err):
			m.logger.Warn("request not authenticated", "reason", err.Error(), "uri", r.RequestURI)
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		default:
			m.logger.Error("authentication failed", "error", err.Error(), "uri", r.RequestURI)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		ctx := userctx.New(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}

	token = strings.TrimSpace(token)
	return token, token != ""
}
