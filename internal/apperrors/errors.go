package apperrors

import (
	"errors"
)

var (
	ErrConfigurationInvalid = errors.New("configuration invalid")

	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("rate limited")

	ErrTokenInvalid                  = errors.New("access token is invalid")
	ErrTokenMalformed                = errors.New("access token is malformed")
	ErrTokenSignatureInvalid         = errors.New("access token signature is invalid")
	ErrTokenAlgorithmMismatch        = errors.New("access token algorithm mismatch")
	ErrTokenIssuerOrAudienceMismatch = errors.New("access token issuer or audience mismatch")
	ErrTokenExpired                  = errors.New("access token is expired")
	ErrTokenBindingMismatch          = errors.New("refresh token is bound to another access token")
	ErrTokenVersionMismatch          = errors.New("token version mismatch")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenIsUsed   = errors.New("refresh token is used")
	ErrRefreshTokenExpired  = errors.New("refresh token is expired")
	ErrRefreshTokenRevoked  = errors.New("refresh token is revoked")
	ErrRefreshTokenConflict = errors.New("refresh token already exists")
)

// Errors caused by client credentials or tokens, not by the service itself
var authErrors = []error{
	ErrInvalidCredentials,
	ErrTokenInvalid,
	ErrTokenBindingMismatch,
	ErrTokenVersionMismatch,
	ErrRefreshTokenNotFound,
	ErrRefreshTokenIsUsed,
	ErrRefreshTokenExpired,
	ErrRefreshTokenRevoked,
	ErrUserNotFound,
}

// IsAuthError reports whether err means the client is not authenticated
func IsAuthError(err error) bool {
	for _, target := range authErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
