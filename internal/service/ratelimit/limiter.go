package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
)

const (
	defaultMaxLoginAttempts = 5
	defaultLoginCooldown    = 15 * time.Minute
	defaultPrefix           = "tokenauth"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

type Config struct {
	// Failed attempts allowed in one window
	MaxLoginAttempts int

	// Window length, counted from the first failed attempt
	LoginCooldown time.Duration

	Prefix string
}

// Limiter counts failed logins per identifier in fixed windows
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

func New(client redis.UniversalClient, cfg Config) *Limiter {
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = defaultMaxLoginAttempts
	}
	if cfg.LoginCooldown <= 0 {
		cfg.LoginCooldown = defaultLoginCooldown
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}

	return &Limiter{redis: client, config: cfg}
}

// Identifiers are case insensitive, so 'User@Test.com' and 'user@test.com' share the budget
func (l *Limiter) key(identifier string) string {
	return l.config.Prefix + ":login:" + strings.ToLower(identifier)
}

// Check returns apperrors.ErrRateLimited if identifier is over the budget
func (l *Limiter) Check(ctx context.Context, identifier string) error {
	count, err := l.redis.Get(ctx, l.key(identifier)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	case count >= int64(l.config.MaxLoginAttempts):
		return apperrors.ErrRateLimited
	default:
		return nil
	}
}

// Fail records failed login attempt
func (l *Limiter) Fail(ctx context.Context, identifier string) error {
	key := l.key(identifier)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed window: TTL is set by the first failure only
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.config.LoginCooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return nil
}

// Reset clears failed attempts after successful login
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if err := l.redis.Del(ctx, l.key(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
