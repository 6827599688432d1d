package tokenmanager

import (
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/models"
)

const (
	// The only accepted JWT MAC algorithm
	SigningMethod = "HS256"

	// HS256 key must not be shorter than the hash output
	MinSecretKeyLen = 32

	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
)

var errUnexpectedAlgorithm = errors.New("unexpected signing algorithm")

type AccessClaims struct {
	jwt.RegisteredClaims
	Email        string   `json:"email,omitempty"`
	Name         string   `json:"name"`
	Roles        []string `json:"roles,omitempty"`
	TokenVersion int      `json:"ver"`
}

// Return user id the token issued for
func (c AccessClaims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not user id", apperrors.ErrTokenMalformed)
	}
	return id, nil
}

// Token manager with sensible default
type Config struct {
	// Secret key to sign access token
	// Required, at least MinSecretKeyLen bytes
	SecretKey string

	// Issuer and audience access token is issued by and for
	// Both required
	Issuer   string
	Audience string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Refresh token values generator
	// RandomGenerator if not set
	Generator Generator
}

type TokenManager struct {
	key      []byte
	issuer   string
	audience string

	accessTTL  time.Duration
	refreshTTL time.Duration

	generator Generator
	now       func() time.Time
}

// Access and refresh tokens issued together
// Caller has to persist refresh token bound to JwtID
type IssuedPair struct {
	models.TokenPair
	JwtID    string
	IssuedAt time.Time
}

func New(cfg Config) (*TokenManager, error) {
	switch {
	case cfg.SecretKey == "":
		return nil, fmt.Errorf("%w: secret key must not be empty", apperrors.ErrConfigurationInvalid)
	case len([]byte(cfg.SecretKey)) < MinSecretKeyLen:
		return nil, fmt.Errorf("%w: secret key must be at least %d bytes", apperrors.ErrConfigurationInvalid, MinSecretKeyLen)
	case cfg.Issuer == "":
		return nil, fmt.Errorf("%w: issuer must not be empty", apperrors.ErrConfigurationInvalid)
	case cfg.Audience == "":
		return nil, fmt.Errorf("%w: audience must not be empty", apperrors.ErrConfigurationInvalid)
	case cfg.AccessTTL < 0 || cfg.RefreshTTL < 0:
		return nil, fmt.Errorf("%w: token lifetimes must be positive", apperrors.ErrConfigurationInvalid)
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)

	if cfg.Generator == nil {
		cfg.Generator = RandomGenerator{}
	}

	return &TokenManager{
		key:        []byte(cfg.SecretKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		generator:  cfg.Generator,
		now:        time.Now,
	}, nil
}

func (m *TokenManager) RefreshTTL() time.Duration {
	return m.refreshTTL
}

// Issue signed access token for user
// Every call gets fresh jti
func (m *TokenManager) IssueAccess(user models.User) (token models.IssuedToken, jti string, err error) {
	now := m.now().Truncate(time.Second)
	return m.issueAccess(user, now)
}

func (m *TokenManager) issueAccess(user models.User, now time.Time) (models.IssuedToken, string, error) {
	jti := uuid.NewString()
	expiresAt := now.Add(m.accessTTL)

	token := jwt.NewWithClaims(
		jwt.GetSigningMethod(SigningMethod),
		AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        jti,
				Subject:   user.ID.String(),
				Issuer:    m.issuer,
				Audience:  jwt.ClaimStrings{m.audience},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(expiresAt),
			},
			Email:        user.Email,
			Name:         user.Username,
			Roles:        user.Roles,
			TokenVersion: user.TokenVersion,
		},
	)

	signed, err := token.SignedString(m.key)
	if err != nil {
		return models.IssuedToken{}, "", fmt.Errorf("error while signing access token. Err: %w", err)
	}

	return models.IssuedToken{Value: signed, ExpiresAt: expiresAt}, jti, nil
}

// Issue new opaque refresh token value
func (m *TokenManager) IssueRefreshValue() (string, error) {
	value, err := m.generator.Generate()
	if err != nil {
		return "", fmt.Errorf("error while generate refresh token. Err: %w", err)
	}
	return value, nil
}

// Issue access and refresh tokens at the same moment
func (m *TokenManager) IssuePair(user models.User) (IssuedPair, error) {
	now := m.now().Truncate(time.Second)

	access, jti, err := m.issueAccess(user, now)
	if err != nil {
		return IssuedPair{}, err
	}

	refresh, err := m.IssueRefreshValue()
	if err != nil {
		return IssuedPair{}, err
	}

	return IssuedPair{
		TokenPair: models.TokenPair{
			Access:  access,
			Refresh: models.IssuedToken{Value: refresh, ExpiresAt: now.Add(m.refreshTTL)},
		},
		JwtID:    jti,
		IssuedAt: now,
	}, nil
}

// Validate access token signature, algorithm, issuer and audience
// Expiration is not checked: expired tokens are used to recover identity on refresh
func (m *TokenManager) ValidateIgnoringExpiry(token string) (AccessClaims, error) {
	claims, err := m.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return AccessClaims{}, err
	}

	if claims.Issuer != m.issuer || !slices.Contains(claims.Audience, m.audience) {
		return AccessClaims{}, apperrors.ErrTokenIssuerOrAudienceMismatch
	}

	if claims.ID == "" || claims.Subject == "" {
		return AccessClaims{}, fmt.Errorf("%w: jti and sub are required", apperrors.ErrTokenMalformed)
	}

	return claims, nil
}

// Parse and validate access token including expiration
func (m *TokenManager) ParseAccess(token string) (AccessClaims, error) {
	claims, err := m.parse(
		token,
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return AccessClaims{}, err
	}

	if claims.ID == "" || claims.Subject == "" {
		return AccessClaims{}, fmt.Errorf("%w: jti and sub are required", apperrors.ErrTokenMalformed)
	}

	return claims, nil
}

// Segments are decoded strictly: unused bits of the last base64 character must be zero,
// otherwise several encodings of the same signature would be accepted
func (m *TokenManager) parse(token string, opts ...jwt.ParserOption) (AccessClaims, error) {
	var claims AccessClaims

	opts = append(opts, jwt.WithStrictDecoding())
	if _, err := jwt.ParseWithClaims(token, &claims, m.keyFunc, opts...); err != nil {
		return AccessClaims{}, validationError(token, err)
	}

	return claims, nil
}

// Algorithm is checked here and not with jwt.WithValidMethods
// so mismatch is distinguishable from bad signature
func (m *TokenManager) keyFunc(t *jwt.Token) (any, error) {
	if t.Method == nil || t.Method.Alg() != SigningMethod {
		return nil, errUnexpectedAlgorithm
	}
	return m.key, nil
}

// Map jwt errors to well known ones
func validationError(token string, err error) error {
	var kind error

	switch {
	case badSignatureEncoding(token, err):
		kind = apperrors.ErrTokenSignatureInvalid
	// jwt reports unknown algorithms and keyfunc failures as unverifiable
	case errors.Is(err, errUnexpectedAlgorithm), errors.Is(err, jwt.ErrTokenUnverifiable):
		kind = apperrors.ErrTokenAlgorithmMismatch
	case errors.Is(err, jwt.ErrTokenMalformed):
		kind = apperrors.ErrTokenMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		kind = apperrors.ErrTokenSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		kind = apperrors.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		kind = apperrors.ErrTokenIssuerOrAudienceMismatch
	default:
		kind = apperrors.ErrTokenMalformed
	}

	return fmt.Errorf("%w: %w", kind, err)
}

// jwt reports undecodable signature as malformed token
// Header and claims are decoded first, so if they are fine the signature segment is the broken one
func badSignatureEncoding(token string, err error) bool {
	var corrupt base64.CorruptInputError
	if !errors.As(err, &corrupt) {
		return false
	}

	_, _, err = jwt.NewParser(jwt.WithStrictDecoding()).ParseUnverified(token, &AccessClaims{})
	return err == nil
}
