package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/models"
)

type RefreshTokenRepo struct {
	DB DBTX
}

const refreshColumns = `id, token, jwt_id, user_id, family_id, created_at, expires_at, used_at, revoked_at`

// Conflict is reported with empty result instead of unique violation
// Failed statement would abort the whole transaction otherwise
const addToken = `-- name: Add Refresh Token
INSERT INTO refresh_tokens (id, token, jwt_id, user_id, family_id, created_at, expires_at, used_at, revoked_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (token) DO NOTHING
RETURNING id`

func (r *RefreshTokenRepo) Add(ctx context.Context, t models.RefreshToken) error {
	rows, _ := r.DB.Query(ctx, addToken,
		t.ID, t.Token, t.JwtID, t.UserID, t.FamilyID, t.CreatedAt, t.ExpiresAt, t.UsedAt, t.RevokedAt,
	)
	_, err := pgx.CollectOneRow(rows, pgx.RowTo[uuid.UUID])

	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenConflict)
	case errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation:
		return fmt.Errorf("token owner: %w", apperrors.ErrUserNotFound)
	default:
		return fmt.Errorf("db error: %w", err)
	}
}

const findByValue = `-- name: Find token by string itself
SELECT ` + refreshColumns + `
FROM refresh_tokens
WHERE token = $1
`

// Find token
// It should return result even it expired, used or revoked
func (r *RefreshTokenRepo) FindByValue(ctx context.Context, tokenString string) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, findByValue, tokenString)
	token, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		return token, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	default:
		return token, fmt.Errorf("db error: %w", err)
	}
}

// Concurrent update waits for the row lock and then re-checks 'used_at IS NULL'
// So only one of concurrent callers gets the row back
const markTokenUsed = `-- name: Mark token used if it not used
UPDATE refresh_tokens
SET used_at = $2
WHERE id = $1 AND used_at IS NULL
RETURNING ` + refreshColumns

const tokenExists = `-- name: Check token exists
SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE id = $1)
`

// Mark token as used
// If token is used already it returns error and keeps the first 'usedAt'
func (r *RefreshTokenRepo) MarkUsed(ctx context.Context, t models.RefreshToken) (models.RefreshToken, error) {
	rows, _ := r.DB.Query(ctx, markTokenUsed, t.ID, time.Now())
	token, err := pgx.CollectOneRow(rows, rowToRefreshToken)

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Either used already or not exists at all
		rows, _ := r.DB.Query(ctx, tokenExists, t.ID)
		exists, err := pgx.CollectOneRow(rows, pgx.RowTo[bool])
		switch {
		case err != nil:
			return t, fmt.Errorf("db error: %w", err)
		case exists:
			return t, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenIsUsed)
		default:
			return t, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
		}
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

// Mark token used and add the next one
// Both statements are atomic only inside transaction: call it from Storage.InTx
func (r *RefreshTokenRepo) Rotate(ctx context.Context, used models.RefreshToken, next models.RefreshToken) error {
	if _, err := r.MarkUsed(ctx, used); err != nil {
		return err
	}
	return r.Add(ctx, next)
}

const markTokenRevoked = `-- name: Mark token revoked
UPDATE refresh_tokens
SET revoked_at = COALESCE(revoked_at, $2)
WHERE id = $1
`

func (r *RefreshTokenRepo) MarkRevoked(ctx context.Context, t models.RefreshToken) error {
	tag, err := r.DB.Exec(ctx, markTokenRevoked, t.ID, time.Now())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	}
	return nil
}

const revokeFamily = `-- name: Revoke not revoked tokens of family
UPDATE refresh_tokens
SET revoked_at = $2
WHERE family_id = $1 AND revoked_at IS NULL
`

func (r *RefreshTokenRepo) RevokeFamily(ctx context.Context, familyID uuid.UUID) (int64, error) {
	tag, err := r.DB.Exec(ctx, revokeFamily, familyID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

const revokeAllForUser = `-- name: Revoke not revoked tokens of user
UPDATE refresh_tokens
SET revoked_at = $2
WHERE user_id = $1 AND revoked_at IS NULL
`

func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.DB.Exec(ctx, revokeAllForUser, userID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tag.RowsAffected(), nil
}

func rowToRefreshToken(row pgx.CollectableRow) (models.RefreshToken, error) {
	var t models.RefreshToken
	err := row.Scan(&t.ID, &t.Token, &t.JwtID, &t.UserID, &t.FamilyID, &t.CreatedAt, &t.ExpiresAt, &t.UsedAt, &t.RevokedAt)
	return t, err
}
