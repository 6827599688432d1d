package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/logger"
	"github.com/nkiryanov/tokenauth/internal/models"
	"github.com/nkiryanov/tokenauth/internal/repository"
	"github.com/nkiryanov/tokenauth/internal/service/auth/tokenmanager"
)

// Used token presented again within this period is considered as concurrent refresh, not as theft
const defaultReplayGracePeriod = 5 * time.Second

type tokenManager interface {
	IssuePair(user models.User) (tokenmanager.IssuedPair, error)
	IssueRefreshValue() (string, error)
	ValidateIgnoringExpiry(token string) (tokenmanager.AccessClaims, error)
	ParseAccess(token string) (tokenmanager.AccessClaims, error)
}

// Failed logins counter
type LoginLimiter interface {
	// Has to return apperrors.ErrRateLimited if identifier is over the budget
	Check(ctx context.Context, identifier string) error
	Fail(ctx context.Context, identifier string) error
	Reset(ctx context.Context, identifier string) error
}

type Config struct {
	// Hasher to compare user passwords. BcryptHasher if not set
	Hasher PasswordHasher

	// Optional failed logins limiter
	Limiter LoginLimiter

	// NoOp logger if not set
	Logger logger.Logger

	// Used token presented again after the period revokes the whole token family
	ReplayGracePeriod time.Duration
}

// Auth service
type AuthService struct {
	// Manager to issue and validate tokens
	tokens tokenManager

	// Users and refresh tokens storage
	storage repository.Storage

	verifier *CredentialVerifier
	limiter  LoginLimiter
	logger   logger.Logger

	replayGracePeriod time.Duration
	now               func() time.Time
}

func NewService(cfg Config, tokens tokenManager, storage repository.Storage) (*AuthService, error) {
	if tokens == nil || storage == nil {
		return nil, errors.New("token manager and storage must not be nil")
	}

	verifier, err := NewCredentialVerifier(storage.User(), cfg.Hasher)
	if err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}
	if cfg.ReplayGracePeriod == 0 {
		cfg.ReplayGracePeriod = defaultReplayGracePeriod
	}

	return &AuthService{
		tokens:            tokens,
		storage:           storage,
		verifier:          verifier,
		limiter:           cfg.Limiter,
		logger:            cfg.Logger.With("component", "auth"),
		replayGracePeriod: cfg.ReplayGracePeriod,
		now:               time.Now,
	}, nil
}

// Login user with username (or email) and password
// Has to return apperrors.ErrInvalidCredentials whatever is wrong with credentials
func (s *AuthService) Login(ctx context.Context, usernameOrEmail string, password string) (models.TokenPair, error) {
	user, found, err := s.verifier.Lookup(ctx, usernameOrEmail)
	if err != nil {
		return models.TokenPair{}, err
	}

	// Username and email of the same user share failed logins budget
	identifier := "unknown:" + usernameOrEmail
	if found {
		identifier = "user:" + user.ID.String()
	}

	if s.limiter != nil {
		err := s.limiter.Check(ctx, identifier)
		switch {
		case errors.Is(err, apperrors.ErrRateLimited):
			s.logger.Warn("login rejected", "reason", err.Error())
			return models.TokenPair{}, err
		case err != nil:
			// Limiter is optional protection, login keeps working without it
			s.logger.Error("login limiter check failed", "error", err.Error())
		}
	}

	if err := s.verifier.CheckPassword(user, found, password); err != nil {
		s.logger.Warn("login rejected", "reason", err.Error())
		s.limiterCall(ctx, s.limiterFail, identifier)
		return models.TokenPair{}, err
	}
	s.limiterCall(ctx, s.limiterReset, identifier)

	// Every login starts new token family
	pair, err := s.issue(user, uuid.New(), func(next models.RefreshToken) error {
		return s.storage.Refresh().Add(ctx, next)
	})
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("token could not generated, sorry. %w", err)
	}

	s.logger.Debug("user logged in", "user_id", user.ID.String())
	return pair, nil
}

// Exchange refresh token (and access token it was issued with) for new pair
// Refresh token is single use: it is marked used and replaced by new one in one step
func (s *AuthService) Refresh(ctx context.Context, access string, refresh string) (models.TokenPair, error) {
	claims, err := s.tokens.ValidateIgnoringExpiry(access)
	if err != nil {
		return models.TokenPair{}, s.reject(fmt.Errorf("%w: %w", apperrors.ErrTokenInvalid, err))
	}

	record, err := s.storage.Refresh().FindByValue(ctx, refresh)
	if err != nil {
		if errors.Is(err, apperrors.ErrRefreshTokenNotFound) {
			return models.TokenPair{}, s.reject(err)
		}
		return models.TokenPair{}, err
	}

	now := s.now()
	switch {
	case record.IsRevoked():
		return models.TokenPair{}, s.reject(apperrors.ErrRefreshTokenRevoked, "token_id", record.ID.String())
	case record.IsExpired(now):
		return models.TokenPair{}, s.reject(apperrors.ErrRefreshTokenExpired, "token_id", record.ID.String())
	case record.IsUsed():
		if now.Sub(*record.UsedAt) > s.replayGracePeriod {
			s.revokeFamily(ctx, record)
		}
		return models.TokenPair{}, s.reject(apperrors.ErrRefreshTokenIsUsed, "token_id", record.ID.String())
	}

	userID, err := claims.UserID()
	if err != nil || record.JwtID != claims.ID || userID != record.UserID {
		return models.TokenPair{}, s.reject(apperrors.ErrTokenBindingMismatch, "token_id", record.ID.String())
	}

	user, err := s.storage.User().GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			return models.TokenPair{}, s.reject(err, "token_id", record.ID.String())
		}
		return models.TokenPair{}, err
	}
	if user.TokenVersion != claims.TokenVersion {
		return models.TokenPair{}, s.reject(apperrors.ErrTokenVersionMismatch, "token_id", record.ID.String())
	}

	// Concurrent refresh with the same token fails here
	// Token stays unused if the next one is not saved
	pair, err := s.issue(user, record.FamilyID, func(next models.RefreshToken) error {
		return s.storage.InTx(ctx, func(tx repository.Storage) error {
			return tx.Refresh().Rotate(ctx, record, next)
		})
	})

	switch {
	case err == nil:
		return pair, nil
	case errors.Is(err, apperrors.ErrRefreshTokenIsUsed), errors.Is(err, apperrors.ErrRefreshTokenNotFound):
		return models.TokenPair{}, s.reject(err, "token_id", record.ID.String())
	default:
		return models.TokenPair{}, fmt.Errorf("error while rotating refresh token. Err: %w", err)
	}
}

// Revoke user refresh token
// Revoking revoked token is ok; token of other user is reported as not found
func (s *AuthService) Revoke(ctx context.Context, refresh string, userID uuid.UUID) error {
	record, err := s.storage.Refresh().FindByValue(ctx, refresh)
	if err != nil {
		return err
	}

	if record.UserID != userID {
		return fmt.Errorf("token of other user: %w", apperrors.ErrRefreshTokenNotFound)
	}

	return s.storage.Refresh().MarkRevoked(ctx, record)
}

// Invalidate every token issued for user before
// Access tokens become invalid by token version, refresh tokens are revoked
func (s *AuthService) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	return s.storage.InTx(ctx, func(tx repository.Storage) error {
		version, err := tx.User().IncrementTokenVersion(ctx, userID)
		if err != nil {
			return err
		}

		revoked, err := tx.Refresh().RevokeAllForUser(ctx, userID)
		if err != nil {
			return err
		}

		s.logger.Info("all user tokens revoked", "user_id", userID.String(), "token_version", version, "revoked", revoked)
		return nil
	})
}

// Authenticate user by not expired access token
func (s *AuthService) Authenticate(ctx context.Context, access string) (models.User, error) {
	claims, err := s.tokens.ParseAccess(access)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %w", apperrors.ErrTokenInvalid, err)
	}

	userID, err := claims.UserID()
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %w", apperrors.ErrTokenInvalid, err)
	}

	user, err := s.storage.User().GetUserByID(ctx, userID)
	if err != nil {
		return models.User{}, err
	}

	if user.TokenVersion != claims.TokenVersion {
		return models.User{}, apperrors.ErrTokenVersionMismatch
	}

	return user, nil
}

// Issue token pair and persist refresh token with save
// Value collision is retried once with fresh value
func (s *AuthService) issue(user models.User, familyID uuid.UUID, save func(models.RefreshToken) error) (models.TokenPair, error) {
	issued, err := s.tokens.IssuePair(user)
	if err != nil {
		return models.TokenPair{}, err
	}

	record := models.RefreshToken{
		ID:        uuid.New(),
		Token:     issued.Refresh.Value,
		JwtID:     issued.JwtID,
		UserID:    user.ID,
		FamilyID:  familyID,
		CreatedAt: issued.IssuedAt,
		ExpiresAt: issued.Refresh.ExpiresAt,
	}

	err = save(record)
	if errors.Is(err, apperrors.ErrRefreshTokenConflict) {
		s.logger.Error("refresh token value collision, regenerating", "user_id", user.ID.String())

		record.ID = uuid.New()
		record.Token, err = s.tokens.IssueRefreshValue()
		if err != nil {
			return models.TokenPair{}, err
		}
		issued.Refresh.Value = record.Token

		err = save(record)
	}
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("error while saving refresh token. Err: %w", err)
	}

	return issued.TokenPair, nil
}

// Stale token presented again: someone has a copy of it
func (s *AuthService) revokeFamily(ctx context.Context, record models.RefreshToken) {
	revoked, err := s.storage.Refresh().RevokeFamily(ctx, record.FamilyID)
	if err != nil {
		s.logger.Error("failed to revoke token family on replay", "family_id", record.FamilyID.String(), "error", err.Error())
		return
	}

	s.logger.Error("used refresh token replayed, token family revoked",
		"user_id", record.UserID.String(),
		"family_id", record.FamilyID.String(),
		"revoked", revoked,
	)
}

func (s *AuthService) reject(err error, args ...any) error {
	s.logger.Warn("refresh rejected", append([]any{"reason", err.Error()}, args...)...)
	return err
}

func (s *AuthService) limiterFail(ctx context.Context, identifier string) error {
	return s.limiter.Fail(ctx, identifier)
}

func (s *AuthService) limiterReset(ctx context.Context, identifier string) error {
	return s.limiter.Reset(ctx, identifier)
}

func (s *AuthService) limiterCall(ctx context.Context, fn func(context.Context, string) error, identifier string) {
	if s.limiter == nil {
		return
	}
	if err := fn(ctx, identifier); err != nil {
		s.logger.Error("login limiter update failed", "error", err.Error())
	}
}
