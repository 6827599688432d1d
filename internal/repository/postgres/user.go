package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/models"
)

type UserRepo struct {
	DB DBTX
}

const userColumns = `id, created_at, username, COALESCE(email, ''), password_hash, roles, token_version`

// Existing username or email gives empty result, so transaction is not aborted
const createUser = `-- name: CreateUser
INSERT INTO users (id, username, email, password_hash, roles)
VALUES ($1, $2, NULLIF($3, ''), $4, $5)
ON CONFLICT DO NOTHING
RETURNING ` + userColumns

// Create user. ID is generated if not set
func (r *UserRepo) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Roles == nil {
		u.Roles = []string{}
	}

	rows, _ := r.DB.Query(ctx, createUser, u.ID, u.Username, u.Email, u.HashedPassword, u.Roles)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserAlreadyExists
	default:
		return user, fmt.Errorf("db error: %w", err)
	}
}

const getUserByID = `-- name: getUserByID
SELECT ` + userColumns + ` FROM users
WHERE id = $1
`

func (r *UserRepo) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	return r.getUser(ctx, getUserByID, id)
}

const getUserByUsername = `-- name: getUserByUsername
SELECT ` + userColumns + ` FROM users
WHERE username = $1
`

func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	return r.getUser(ctx, getUserByUsername, username)
}

const getUserByEmail = `-- name: getUserByEmail
SELECT ` + userColumns + ` FROM users
WHERE lower(email) = lower($1)
`

// Emails compared case insensitive
func (r *UserRepo) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return r.getUser(ctx, getUserByEmail, email)
}

const incrementTokenVersion = `-- name: incrementTokenVersion
UPDATE users
SET token_version = token_version + 1
WHERE id = $1
RETURNING token_version
`

func (r *UserRepo) IncrementTokenVersion(ctx context.Context, id uuid.UUID) (int, error) {
	rows, _ := r.DB.Query(ctx, incrementTokenVersion, id)
	version, err := pgx.CollectOneRow(rows, pgx.RowTo[int])

	switch {
	case err == nil:
		return version, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, apperrors.ErrUserNotFound
	default:
		return 0, fmt.Errorf("db error: %w", err)
	}
}

func (r *UserRepo) getUser(ctx context.Context, query string, arg any) (models.User, error) {
	rows, _ := r.DB.Query(ctx, query, arg)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("db error: %w", err)
	}
}

func rowToUser(row pgx.CollectableRow) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.CreatedAt, &u.Username, &u.Email, &u.HashedPassword, &u.Roles, &u.TokenVersion)
	return u, err
}
