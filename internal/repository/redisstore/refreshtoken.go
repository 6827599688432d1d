// Package redisstore keeps refresh tokens in redis.
//
// Every token is a hash keyed by the token value. Family and user keys are sets
// of token values used to revoke tokens in bulk. State transitions are Lua
// scripts, so each of them is atomic.
//
// Scripts derive token keys from set members, which Redis Cluster does not
// allow. Only a single node (or its replicas via sentinel) is supported.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/models"
)

const (
	defaultPrefix    = "tokenauth"
	defaultRetention = 24 * time.Hour
)

var ErrRedisUnavailable = errors.New("redis unavailable")

const addScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "jwt_id", ARGV[2], "user_id", ARGV[3], "family_id", ARGV[4],
  "created_at", ARGV[5], "expires_at", ARGV[6])
if ARGV[8] ~= "" then
  redis.call("HSET", KEYS[1], "used_at", ARGV[8])
end
if ARGV[9] ~= "" then
  redis.call("HSET", KEYS[1], "revoked_at", ARGV[9])
end
redis.call("PEXPIREAT", KEYS[1], ARGV[7])
redis.call("SADD", KEYS[2], ARGV[10])
redis.call("PEXPIREAT", KEYS[2], ARGV[7])
redis.call("SADD", KEYS[3], ARGV[10])
redis.call("PEXPIREAT", KEYS[3], ARGV[7])
return 1
`

const (
	markNotFound int64 = 0
	markUsedOK   int64 = 1
	markIsUsed   int64 = 2
	markConflict int64 = 3
)

const markUsedScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HSETNX", KEYS[1], "used_at", ARGV[1]) == 0 then
  return 2
end
return 1
`

// Mark KEYS[1] used and add the next token (KEYS[2..4]) in one step.
// Nothing is written unless both succeed
const rotateScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HEXISTS", KEYS[1], "used_at") == 1 then
  return 2
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 3
end
redis.call("HSET", KEYS[1], "used_at", ARGV[1])
redis.call("HSET", KEYS[2],
  "id", ARGV[2], "jwt_id", ARGV[3], "user_id", ARGV[4], "family_id", ARGV[5],
  "created_at", ARGV[6], "expires_at", ARGV[7])
redis.call("PEXPIREAT", KEYS[2], ARGV[8])
redis.call("SADD", KEYS[3], ARGV[11])
redis.call("PEXPIREAT", KEYS[3], ARGV[8])
redis.call("SADD", KEYS[4], ARGV[11])
redis.call("PEXPIREAT", KEYS[4], ARGV[8])
return 1
`

const markRevokedScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSETNX", KEYS[1], "revoked_at", ARGV[1])
return 1
`

const revokeSetScript = `
local revoked = 0
for _, token in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  local key = ARGV[1] .. token
  if redis.call("EXISTS", key) == 1 and redis.call("HSETNX", key, "revoked_at", ARGV[2]) == 1 then
    revoked = revoked + 1
  end
end
return revoked
`

var (
	addLua         = redis.NewScript(addScript)
	markUsedLua    = redis.NewScript(markUsedScript)
	rotateLua      = redis.NewScript(rotateScript)
	markRevokedLua = redis.NewScript(markRevokedScript)
	revokeSetLua   = redis.NewScript(revokeSetScript)
)

type Config struct {
	// Keys prefix. 'tokenauth' if empty
	Prefix string

	// How long token is kept after it expired. 24h if zero
	Retention time.Duration
}

type RefreshTokenRepo struct {
	redis     *redis.Client
	prefix    string
	retention time.Duration
}

func NewRefreshTokenRepo(client *redis.Client, cfg Config) *RefreshTokenRepo {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.Retention == 0 {
		cfg.Retention = defaultRetention
	}

	return &RefreshTokenRepo{
		redis:     client,
		prefix:    cfg.Prefix,
		retention: cfg.Retention,
	}
}

func (r *RefreshTokenRepo) tokenPrefix() string           { return r.prefix + ":rt:" }
func (r *RefreshTokenRepo) tokenKey(token string) string  { return r.tokenPrefix() + token }
func (r *RefreshTokenRepo) familyKey(id uuid.UUID) string { return r.prefix + ":rt-family:" + id.String() }
func (r *RefreshTokenRepo) userKey(id uuid.UUID) string   { return r.prefix + ":rt-user:" + id.String() }

// Keys and arguments of the token record, in the order scripts expect them
func (r *RefreshTokenRepo) recordKeys(t models.RefreshToken) []string {
	return []string{r.tokenKey(t.Token), r.familyKey(t.FamilyID), r.userKey(t.UserID)}
}

func (r *RefreshTokenRepo) recordArgs(t models.RefreshToken) []any {
	return []any{
		t.ID.String(),
		t.JwtID,
		t.UserID.String(),
		t.FamilyID.String(),
		formatTime(&t.CreatedAt),
		formatTime(&t.ExpiresAt),
		t.ExpiresAt.Add(r.retention).UnixMilli(),
		formatTime(t.UsedAt),
		formatTime(t.RevokedAt),
		t.Token,
	}
}

func (r *RefreshTokenRepo) Add(ctx context.Context, t models.RefreshToken) error {
	added, err := addLua.Run(ctx, r.redis, r.recordKeys(t), r.recordArgs(t)...).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if added == 0 {
		return fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenConflict)
	}

	return nil
}

func (r *RefreshTokenRepo) FindByValue(ctx context.Context, tokenString string) (models.RefreshToken, error) {
	fields, err := r.redis.HGetAll(ctx, r.tokenKey(tokenString)).Result()
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return models.RefreshToken{}, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	}

	token, err := parseToken(tokenString, fields)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("repo error: corrupted token record: %w", err)
	}

	return token, nil
}

func (r *RefreshTokenRepo) MarkUsed(ctx context.Context, t models.RefreshToken) (models.RefreshToken, error) {
	now := time.Now()

	status, err := markUsedLua.Run(ctx, r.redis, []string{r.tokenKey(t.Token)}, formatTime(&now)).Int64()
	if err != nil {
		return t, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch status {
	case markUsedOK:
		t.UsedAt = &now
		return t, nil
	case markIsUsed:
		return t, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenIsUsed)
	default:
		return t, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	}
}

// Mark token used and add the next one atomically
// If the next value exists already the used token stays untouched
func (r *RefreshTokenRepo) Rotate(ctx context.Context, used models.RefreshToken, next models.RefreshToken) error {
	now := time.Now()

	keys := append([]string{r.tokenKey(used.Token)}, r.recordKeys(next)...)
	args := append([]any{formatTime(&now)}, r.recordArgs(next)...)

	status, err := rotateLua.Run(ctx, r.redis, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch status {
	case markUsedOK:
		return nil
	case markIsUsed:
		return fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenIsUsed)
	case markConflict:
		return fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenConflict)
	default:
		return fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	}
}

func (r *RefreshTokenRepo) MarkRevoked(ctx context.Context, t models.RefreshToken) error {
	now := time.Now()

	status, err := markRevokedLua.Run(ctx, r.redis, []string{r.tokenKey(t.Token)}, formatTime(&now)).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if status == markNotFound {
		return fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	}

	return nil
}

func (r *RefreshTokenRepo) RevokeFamily(ctx context.Context, familyID uuid.UUID) (int64, error) {
	return r.revokeSet(ctx, r.familyKey(familyID))
}

func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	return r.revokeSet(ctx, r.userKey(userID))
}

func (r *RefreshTokenRepo) revokeSet(ctx context.Context, setKey string) (int64, error) {
	now := time.Now()

	revoked, err := revokeSetLua.Run(ctx, r.redis, []string{setKey}, r.tokenPrefix(), formatTime(&now)).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return revoked, nil
}

// Times are kept as unix nanoseconds, empty string is nil
func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.Unix(0, n)
	return &t, nil
}

func parseToken(tokenString string, fields map[string]string) (models.RefreshToken, error) {
	t := models.RefreshToken{Token: tokenString, JwtID: fields["jwt_id"]}

	var err error
	if t.ID, err = uuid.Parse(fields["id"]); err != nil {
		return t, err
	}
	if t.UserID, err = uuid.Parse(fields["user_id"]); err != nil {
		return t, err
	}
	if t.FamilyID, err = uuid.Parse(fields["family_id"]); err != nil {
		return t, err
	}

	createdAt, err := parseTime(fields["created_at"])
	if err != nil || createdAt == nil {
		return t, fmt.Errorf("invalid created_at: %q", fields["created_at"])
	}
	expiresAt, err := parseTime(fields["expires_at"])
	if err != nil || expiresAt == nil {
		return t, fmt.Errorf("invalid expires_at: %q", fields["expires_at"])
	}
	t.CreatedAt, t.ExpiresAt = *createdAt, *expiresAt

	if t.UsedAt, err = parseTime(fields["used_at"]); err != nil {
		return t, err
	}
	if t.RevokedAt, err = parseTime(fields["revoked_at"]); err != nil {
		return t, err
	}

	return t, nil
}
