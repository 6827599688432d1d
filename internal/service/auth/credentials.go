package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/models"
)

// Interface to create or compare user password hashes
type PasswordHasher interface {
	// Generate Hash from password
	Hash(password string) (string, error)

	// Compare known hashedPassword and user provided password
	// Must be protected against timing attacks
	Compare(hashedPassword string, password string) error
}

type userFinder interface {
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
}

// CredentialVerifier checks username (or email) and password pair
type CredentialVerifier struct {
	users  userFinder
	hasher PasswordHasher

	// Compared when user not found, so response time does not tell user exists
	dummyHash string
}

func NewCredentialVerifier(users userFinder, hasher PasswordHasher) (*CredentialVerifier, error) {
	if users == nil {
		return nil, errors.New("user finder must not be nil")
	}
	if hasher == nil {
		hasher = BcryptHasher{}
	}

	dummyHash, err := hasher.Hash("dummy-password-never-matches")
	if err != nil {
		return nil, fmt.Errorf("error while preparing dummy hash. Err: %w", err)
	}

	return &CredentialVerifier{users: users, hasher: hasher, dummyHash: dummyHash}, nil
}

// Verify returns user if credentials are valid
// Every failure is apperrors.ErrInvalidCredentials except storage errors
func (v *CredentialVerifier) Verify(ctx context.Context, usernameOrEmail string, password string) (models.User, error) {
	user, found, err := v.Lookup(ctx, usernameOrEmail)
	if err != nil {
		return models.User{}, err
	}

	if err := v.CheckPassword(user, found, password); err != nil {
		return models.User{}, err
	}

	return user, nil
}

// Lookup resolves login input to user; found is false if nobody matches
func (v *CredentialVerifier) Lookup(ctx context.Context, usernameOrEmail string) (user models.User, found bool, err error) {
	user, err = v.find(ctx, usernameOrEmail)

	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		return models.User{}, false, nil
	case err != nil:
		return models.User{}, false, fmt.Errorf("error while looking up user. Err: %w", err)
	default:
		return user, true, nil
	}
}

// CheckPassword compares password with the looked up user one
// Not found user is compared with dummy hash and always fails
func (v *CredentialVerifier) CheckPassword(user models.User, found bool, password string) error {
	if !found {
		_ = v.hasher.Compare(v.dummyHash, password)
		return apperrors.ErrInvalidCredentials
	}

	if err := v.hasher.Compare(user.HashedPassword, password); err != nil {
		return apperrors.ErrInvalidCredentials
	}

	return nil
}

// Lookup by username; by email only if input looks like email
func (v *CredentialVerifier) find(ctx context.Context, usernameOrEmail string) (models.User, error) {
	user, err := v.users.GetUserByUsername(ctx, usernameOrEmail)
	if !errors.Is(err, apperrors.ErrUserNotFound) || !strings.Contains(usernameOrEmail, "@") {
		return user, err
	}

	return v.users.GetUserByEmail(ctx, usernameOrEmail)
}
