package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/nkiryanov/tokenauth/internal/models"
)

// User repository interface
type UserRepo interface {
	// Create user
	// If user with username or email exists already has to return error apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, user models.User) (models.User, error)

	// Get user by it's id, username or email
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)

	// Increment user token version and return the new one
	// If user not found must return apperrors.ErrUserNotFound
	IncrementTokenVersion(ctx context.Context, userID uuid.UUID) (int, error)
}

// RefreshToken repository interface
type RefreshTokenRepo interface {
	// Add token to repository
	// If token with the same value exists must return apperrors.ErrRefreshTokenConflict
	Add(ctx context.Context, token models.RefreshToken) error

	// Return the token even it is expired, used or revoked
	// If token not exists must return apperrors.ErrRefreshTokenNotFound
	FindByValue(ctx context.Context, tokenString string) (models.RefreshToken, error)

	// Mark token as used with single conditional write
	// If the token is already used, must return apperrors.ErrRefreshTokenIsUsed and keep 'usedAt'
	MarkUsed(ctx context.Context, token models.RefreshToken) (models.RefreshToken, error)

	// Mark 'used' token used and add 'next' as one change: either both or none are stored
	// Errors are the same as of MarkUsed and Add
	Rotate(ctx context.Context, used models.RefreshToken, next models.RefreshToken) error

	// Mark token revoked. Revoking revoked token is not an error
	MarkRevoked(ctx context.Context, token models.RefreshToken) error

	// Revoke every not revoked token of the family or of the user
	// Return number of tokens revoked by the call
	RevokeFamily(ctx context.Context, familyID uuid.UUID) (int64, error)
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
}

type Storage interface {
	User() UserRepo
	Refresh() RefreshTokenRepo

	// Run fn in transaction
	// Commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}
