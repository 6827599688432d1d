package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/handlers/render"
	"github.com/nkiryanov/tokenauth/internal/handlers/userctx"
	"github.com/nkiryanov/tokenauth/internal/logger"
)

const (
	messageInvalidCredentials = "Invalid credentials"
	messageInvalidToken       = "Invalid token"
	messageInternalError      = "Internal server error"
)

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// Errors caused by client credentials or tokens, not by the server
func handleLogin(as authService, cookie RefreshCookie, l logger.Logger) http.Handler {
	type request struct {
		// Username is accepted here too
		Email    string `json:"email" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := as.Login(r.Context(), data.Email, data.Password)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrRateLimited):
			render.ServiceError(w, "Too many login attempts, try again later", http.StatusTooManyRequests)
			return
		case apperrors.IsAuthError(err):
			render.ServiceErrors(w, messageInvalidCredentials, []string{messageInvalidCredentials}, http.StatusUnauthorized)
			return
		default:
			l.Error("login failed", "error", err.Error())
			render.ServiceError(w, messageInternalError, http.StatusInternalServerError)
			return
		}

		cookie.Set(w, pair.Refresh.Value)
		render.JSON(w, accessTokenResponse{AccessToken: pair.Access.Value})
	})
}

func handleRefreshToken(as authService, cookie RefreshCookie, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access := accessFromHeader(r)
		if access == "" {
			render.ServiceError(w, "Access token is required", http.StatusUnauthorized)
			return
		}

		refresh := refreshFromRequest(r)
		if refresh == "" {
			render.ServiceError(w, "Refresh token is missing", http.StatusUnauthorized)
			return
		}

		pair, err := as.Refresh(r.Context(), access, refresh)
		switch {
		case err == nil:
		case apperrors.IsAuthError(err):
			render.ServiceError(w, messageInvalidToken, http.StatusUnauthorized)
			return
		default:
			l.Error("refresh failed", "error", err.Error())
			render.ServiceError(w, messageInternalError, http.StatusInternalServerError)
			return
		}

		cookie.Set(w, pair.Refresh.Value)
		render.JSON(w, accessTokenResponse{AccessToken: pair.Access.Value})
	})
}

func handleRevoke(as authService, cookie RefreshCookie, l logger.Logger) http.Handler {
	type request struct {
		RefreshToken string `json:"refreshToken"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := userctx.FromContext(r.Context())

		// Body is optional: cookie is used if it is empty
		var data request
		err := json.NewDecoder(r.Body).Decode(&data)
		if err != nil && !errors.Is(err, io.EOF) {
			render.DecodeError(w, err)
			return
		}

		refresh := data.RefreshToken
		if refresh == "" {
			refresh = refreshFromRequest(r)
		}
		if refresh == "" {
			render.ServiceError(w, "Refresh token is missing", http.StatusBadRequest)
			return
		}

		err = as.Revoke(r.Context(), refresh, user.ID)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrRefreshTokenNotFound):
			render.ServiceError(w, "Refresh token not found", http.StatusNotFound)
			return
		default:
			l.Error("revoke failed", "error", err.Error(), "user_id", user.ID.String())
			render.ServiceError(w, messageInternalError, http.StatusInternalServerError)
			return
		}

		cookie.Remove(w)
		w.WriteHeader(http.StatusNoContent)
	})
}

func handleRevokeAll(as authService, cookie RefreshCookie, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := userctx.FromContext(r.Context())

		err := as.RevokeAll(r.Context(), user.ID)
		if err != nil {
			l.Error("revoke all failed", "error", err.Error(), "user_id", user.ID.String())
			render.ServiceError(w, messageInternalError, http.StatusInternalServerError)
			return
		}

		cookie.Remove(w)
		w.WriteHeader(http.StatusNoContent)
	})
}

func handleUserMe() http.Handler {
	type response struct {
		ID       uuid.UUID `json:"id"`
		Username string    `json:"username"`
		Email    string    `json:"email,omitempty"`
		Roles    []string  `json:"roles"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := userctx.FromContext(r.Context())

		roles := user.Roles
		if roles == nil {
			roles = []string{}
		}
		render.JSON(w, response{ID: user.ID, Username: user.Username, Email: user.Email, Roles: roles})
	})
}

// Access token is the last part of Authorization header, so both "Bearer <token>" and "<token>" work
func accessFromHeader(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}
