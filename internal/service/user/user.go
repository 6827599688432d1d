package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/logger"
	"github.com/nkiryanov/tokenauth/internal/models"
	"github.com/nkiryanov/tokenauth/internal/repository"
	"github.com/nkiryanov/tokenauth/internal/service/auth"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// User to create by operator
type NewUser struct {
	Username string   `validate:"required,max=150"`
	Email    string   `validate:"omitempty,email"`
	Password string   `validate:"required"`
	Roles    []string `validate:"dive,required"`
}

// Creates users on behalf of operator (seeding, CLI). No self registration
type UserService struct {
	hasher auth.PasswordHasher
	users  repository.UserRepo
	logger logger.Logger
}

func NewService(hasher auth.PasswordHasher, users repository.UserRepo, l logger.Logger) *UserService {
	if hasher == nil {
		hasher = auth.BcryptHasher{}
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &UserService{
		hasher: hasher,
		users:  users,
		logger: l,
	}
}

func (s *UserService) CreateUser(ctx context.Context, u NewUser) (models.User, error) {
	u.Username = strings.TrimSpace(u.Username)
	u.Email = strings.TrimSpace(u.Email)

	if err := validate.Struct(u); err != nil {
		return models.User{}, fmt.Errorf("invalid user %q. Err: %w", u.Username, err)
	}

	hash, err := s.hasher.Hash(u.Password)
	if err != nil {
		return models.User{}, fmt.Errorf("can't use this as password, Err: %w", err)
	}

	user, err := s.users.CreateUser(ctx, models.User{
		Username:       u.Username,
		Email:          u.Email,
		HashedPassword: hash,
		Roles:          u.Roles,
	})
	if err != nil {
		return models.User{}, fmt.Errorf("can't create user. Err: %w", err)
	}

	s.logger.Info("user created", "user_id", user.ID.String(), "username", user.Username)
	return user, nil
}

// Create users that not exist yet; existing ones are left as is
// Return number of users created
func (s *UserService) Seed(ctx context.Context, users []NewUser) (int, error) {
	created := 0
	for _, u := range users {
		_, err := s.CreateUser(ctx, u)
		switch {
		case err == nil:
			created++
		case errors.Is(err, apperrors.ErrUserAlreadyExists):
			s.logger.Debug("user exists, skipped", "username", u.Username)
		default:
			return created, err
		}
	}
	return created, nil
}
