package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/nkiryanov/tokenauth/internal/handlers/middleware"
	"github.com/nkiryanov/tokenauth/internal/logger"
	"github.com/nkiryanov/tokenauth/internal/models"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	authService authService,
	cookie RefreshCookie,
	logger logger.Logger,
) http.Handler {
	withAuth := middleware.NewAuth(authService, logger).Auth

	api := http.NewServeMux()

	api.Handle("POST /login", handleLogin(authService, cookie, logger))
	api.Handle("POST /refresh-token", handleRefreshToken(authService, cookie, logger))
	api.Handle("POST /revoke", withAuth(handleRevoke(authService, cookie, logger)))
	api.Handle("POST /revoke-all", withAuth(handleRevokeAll(authService, cookie, logger)))
	api.Handle("GET /me", withAuth(handleUserMe()))

	root := http.NewServeMux()
	root.Handle("/authenticate/", http.StripPrefix("/authenticate", api))

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

type authService interface {
	// Login user with username (or email) and password
	// Has to return apperrors.ErrInvalidCredentials if credentials are wrong
	// and apperrors.ErrRateLimited if too many failed attempts
	Login(ctx context.Context, usernameOrEmail string, password string) (models.TokenPair, error)

	// Exchange access and refresh tokens for new pair
	Refresh(ctx context.Context, access string, refresh string) (models.TokenPair, error)

	// Revoke refresh token of the user
	// Has to return apperrors.ErrRefreshTokenNotFound if user has no such token
	Revoke(ctx context.Context, refresh string, userID uuid.UUID) error

	// Revoke every token of the user
	RevokeAll(ctx context.Context, userID uuid.UUID) error

	// Return user the access token issued for
	Authenticate(ctx context.Context, access string) (models.User, error)
}
