package tokenmanager

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/models"
)

const testSecret = "test-secret-key-that-is-long-enough-for-hs256"

func mustParseTime(value string) time.Time {
	dt, err := time.Parse("2006-01-02 15:04:05Z07:00", value)
	if err != nil {
		panic(err)
	}
	return dt
}

func newTestManager(t *testing.T, accessTTL time.Duration) *TokenManager {
	t.Helper()

	m, err := New(Config{
		SecretKey: testSecret,
		Issuer:    "tokenauth-test",
		Audience:  "tokenauth-test-clients",
		AccessTTL: accessTTL,
	})
	require.NoError(t, err, "token manager should be created without errors")

	return m
}

type failingGenerator struct{}

func (failingGenerator) Generate() (string, error) { return "", errors.New("entropy is over") }

func Test_TokenManager(t *testing.T) {
	t.Parallel()

	testUser := models.User{
		ID:           uuid.New(),
		CreatedAt:    mustParseTime("2024-01-01 19:00:01Z"),
		Username:     "testuser",
		Email:        "user@test.com",
		Roles:        []string{"admin", "user"},
		TokenVersion: 3,
	}

	t.Run("new defaults", func(t *testing.T) {
		m, err := New(Config{SecretKey: testSecret, Issuer: "iss", Audience: "aud"})
		require.NoError(t, err, "token manager should be created without errors")

		require.Equal(t, []byte(testSecret), m.key, "secret key should be set")
		require.Equal(t, defaultAccessTokenTTL, m.accessTTL, "default access token TTL should be set")
		require.Equal(t, defaultRefreshTokenTTL, m.refreshTTL, "default refresh token TTL")
		require.Equal(t, RandomGenerator{}, m.generator, "default generator should be set")
	})

	t.Run("new fails on invalid config", func(t *testing.T) {
		tests := []struct {
			name string
			cfg  Config
		}{
			{"empty secret", Config{SecretKey: "", Issuer: "iss", Audience: "aud"}},
			{"short secret", Config{SecretKey: "secret", Issuer: "iss", Audience: "aud"}},
			{"secret one byte shorter", Config{SecretKey: strings.Repeat("s", MinSecretKeyLen-1), Issuer: "iss", Audience: "aud"}},
			{"empty issuer", Config{SecretKey: testSecret, Audience: "aud"}},
			{"empty audience", Config{SecretKey: testSecret, Issuer: "iss"}},
			{"negative ttl", Config{SecretKey: testSecret, Issuer: "iss", Audience: "aud", AccessTTL: -time.Minute}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := New(tt.cfg)

				require.Error(t, err)
				require.ErrorIs(t, err, apperrors.ErrConfigurationInvalid)
			})
		}
	})

	t.Run("IssuePair", func(t *testing.T) {
		t.Run("return token pair", func(t *testing.T) {
			m := newTestManager(t, 15*time.Minute)

			pair, err := m.IssuePair(testUser)

			require.NoError(t, err)
			assert.NotEmpty(t, pair.Access.Value, "access token should not be empty")
			assert.WithinDuration(t, time.Now().Add(15*time.Minute), pair.Access.ExpiresAt, time.Second)
			assert.NotEmpty(t, pair.Refresh.Value, "refresh token should not be empty")
			assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), pair.Refresh.ExpiresAt, time.Second)
			assert.NotEmpty(t, pair.JwtID, "jti must be returned to bind refresh token")
		})

		t.Run("access claims", func(t *testing.T) {
			m := newTestManager(t, 15*time.Minute)

			pair, err := m.IssuePair(testUser)
			require.NoError(t, err)

			token, err := jwt.ParseWithClaims(pair.Access.Value, &AccessClaims{}, func(token *jwt.Token) (any, error) {
				return []byte(testSecret), nil
			})
			require.NoError(t, err)
			require.True(t, token.Valid, "access token should be valid")
			require.Equal(t, "HS256", token.Method.Alg())

			claims, ok := token.Claims.(*AccessClaims)
			require.True(t, ok, "claims should be of type AccessClaims")
			assert.Equal(t, testUser.ID.String(), claims.Subject, "user ID in token should match")
			assert.Equal(t, "user@test.com", claims.Email)
			assert.Equal(t, "testuser", claims.Name)
			assert.Equal(t, []string{"admin", "user"}, claims.Roles)
			assert.Equal(t, 3, claims.TokenVersion)
			assert.Equal(t, "tokenauth-test", claims.Issuer)
			assert.Equal(t, jwt.ClaimStrings{"tokenauth-test-clients"}, claims.Audience)
			assert.Equal(t, pair.JwtID, claims.ID, "token has to has jti returned with pair")
			assert.WithinDuration(t, pair.Access.ExpiresAt, claims.ExpiresAt.Time, 0, "access expires at should match token pair")
		})

		t.Run("generate different tokens", func(t *testing.T) {
			m := newTestManager(t, 15*time.Minute)

			pair1, err := m.IssuePair(testUser)
			require.NoError(t, err)
			pair2, err := m.IssuePair(testUser)
			require.NoError(t, err)

			assert.NotEqual(t, pair1.Refresh.Value, pair2.Refresh.Value, "refresh tokens should be different")
			assert.NotEqual(t, pair1.Access.Value, pair2.Access.Value, "access tokens should be different even in the same second")
			assert.NotEqual(t, pair1.JwtID, pair2.JwtID, "jti must never be reused")
		})

		t.Run("generator error", func(t *testing.T) {
			m, err := New(Config{SecretKey: testSecret, Issuer: "iss", Audience: "aud", Generator: failingGenerator{}})
			require.NoError(t, err)

			_, err = m.IssuePair(testUser)

			require.Error(t, err)
		})
	})

	t.Run("ValidateIgnoringExpiry", func(t *testing.T) {
		t.Run("round trip", func(t *testing.T) {
			m := newTestManager(t, 15*time.Minute)
			pair, err := m.IssuePair(testUser)
			require.NoError(t, err)

			claims, err := m.ValidateIgnoringExpiry(pair.Access.Value)

			require.NoError(t, err)
			require.Equal(t, testUser.ID.String(), claims.Subject)
			require.Equal(t, pair.JwtID, claims.ID)
			require.ElementsMatch(t, testUser.Roles, claims.Roles)

			userID, err := claims.UserID()
			require.NoError(t, err)
			require.Equal(t, testUser.ID, userID)
		})

		t.Run("expired token is accepted", func(t *testing.T) {
			m := newTestManager(t, time.Minute)
			m.now = func() time.Time { return time.Now().Add(-time.Hour) }
			pair, err := m.IssuePair(testUser)
			require.NoError(t, err)
			require.True(t, pair.Access.ExpiresAt.Before(time.Now()), "test expects token is expired already")

			claims, err := m.ValidateIgnoringExpiry(pair.Access.Value)

			require.NoError(t, err, "expiration must be ignored")
			require.Equal(t, testUser.ID.String(), claims.Subject)
			require.Equal(t, pair.JwtID, claims.ID)
			require.Equal(t, testUser.Roles, claims.Roles)
		})

		t.Run("not a token", func(t *testing.T) {
			m := newTestManager(t, time.Minute)

			_, err := m.ValidateIgnoringExpiry("invalid token")

			require.ErrorIs(t, err, apperrors.ErrTokenMalformed)
		})

		t.Run("tampered signature", func(t *testing.T) {
			m := newTestManager(t, time.Minute)
			pair, err := m.IssuePair(testUser)
			require.NoError(t, err)

			parts := strings.Split(pair.Access.Value, ".")
			require.Len(t, parts, 3)
			signature, err := base64.RawURLEncoding.DecodeString(parts[2])
			require.NoError(t, err)

			for i := range signature {
				tampered := append([]byte(nil), signature...)
				tampered[i] ^= 0x01
				token := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(tampered)

				_, err := m.ValidateIgnoringExpiry(token)

				require.ErrorIs(t, err, apperrors.ErrTokenSignatureInvalid, "flipped signature byte %d must be detected", i)
			}
		})

		t.Run("tampered signature characters", func(t *testing.T) {
			const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
			m := newTestManager(t, time.Minute)
			pair, err := m.IssuePair(testUser)
			require.NoError(t, err)

			i := strings.LastIndex(pair.Access.Value, ".") + 1
			head, signature := pair.Access.Value[:i], pair.Access.Value[i:]

			for pos := range signature {
				for _, c := range alphabet {
					if byte(c) == signature[pos] {
						continue
					}
					token := head + signature[:pos] + string(c) + signature[pos+1:]

					_, err := m.ValidateIgnoringExpiry(token)

					require.ErrorIs(t, err, apperrors.ErrTokenSignatureInvalid, "char %d replaced with %q must be detected", pos, c)
				}
			}
		})

		t.Run("signature is not base64", func(t *testing.T) {
			m := newTestManager(t, time.Minute)
			pair, err := m.IssuePair(testUser)
			require.NoError(t, err)

			for _, suffix := range []string{"*", "=", "A"} {
				_, err := m.ValidateIgnoringExpiry(pair.Access.Value + suffix)

				require.Error(t, err)
				require.NotErrorIs(t, err, apperrors.ErrTokenMalformed, "suffix %q", suffix)
				require.ErrorIs(t, err, apperrors.ErrTokenSignatureInvalid, "suffix %q", suffix)
			}
		})

		t.Run("tampered payload", func(t *testing.T) {
			m := newTestManager(t, time.Minute)
			pair, err := m.IssuePair(testUser)
			require.NoError(t, err)

			parts := strings.Split(pair.Access.Value, ".")
			payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"` + uuid.NewString() + `","jti":"x","iss":"tokenauth-test","aud":["tokenauth-test-clients"]}`))

			_, err = m.ValidateIgnoringExpiry(parts[0] + "." + payload + "." + parts[2])

			require.ErrorIs(t, err, apperrors.ErrTokenSignatureInvalid)
		})

		t.Run("signed with other secret", func(t *testing.T) {
			m := newTestManager(t, time.Minute)
			other, err := New(Config{SecretKey: strings.Repeat("x", MinSecretKeyLen), Issuer: "tokenauth-test", Audience: "tokenauth-test-clients"})
			require.NoError(t, err)
			pair, err := other.IssuePair(testUser)
			require.NoError(t, err)

			_, err = m.ValidateIgnoringExpiry(pair.Access.Value)

			require.ErrorIs(t, err, apperrors.ErrTokenSignatureInvalid)
		})

		t.Run("algorithm confusion", func(t *testing.T) {
			m := newTestManager(t, time.Minute)
			claims := AccessClaims{
				RegisteredClaims: jwt.RegisteredClaims{
					ID:        uuid.NewString(),
					Subject:   testUser.ID.String(),
					Issuer:    "tokenauth-test",
					Audience:  jwt.ClaimStrings{"tokenauth-test-clients"},
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				},
			}

			none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)
			hs384, err := jwt.NewWithClaims(jwt.SigningMethodHS384, claims).SignedString([]byte(testSecret))
			require.NoError(t, err)
			hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
			require.NoError(t, err)

			// Valid HS256 token with header rewritten to other algorithms
			valid, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
			require.NoError(t, err)
			parts := strings.Split(valid, ".")
			withHeader := func(header string) string {
				return base64.RawURLEncoding.EncodeToString([]byte(header)) + "." + parts[1] + "." + parts[2]
			}

			tests := []struct {
				name  string
				token string
			}{
				{"none", none},
				{"HS384", hs384},
				{"HS512", hs512},
				{"RS256 header", withHeader(`{"alg":"RS256","typ":"JWT"}`)},
				{"lowercase hs256 header", withHeader(`{"alg":"hs256","typ":"JWT"}`)},
				{"unknown algorithm", withHeader(`{"alg":"XYZ","typ":"JWT"}`)},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					_, err := m.ValidateIgnoringExpiry(tt.token)

					require.Error(t, err)
					require.ErrorIs(t, err, apperrors.ErrTokenAlgorithmMismatch)
				})
			}
		})

		t.Run("issuer or audience mismatch", func(t *testing.T) {
			m := newTestManager(t, time.Minute)

			tests := []struct {
				name     string
				issuer   string
				audience string
			}{
				{"other issuer", "someone-else", "tokenauth-test-clients"},
				{"other audience", "tokenauth-test", "someone-else"},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					other, err := New(Config{SecretKey: testSecret, Issuer: tt.issuer, Audience: tt.audience})
					require.NoError(t, err)
					pair, err := other.IssuePair(testUser)
					require.NoError(t, err)

					_, err = m.ValidateIgnoringExpiry(pair.Access.Value)

					require.ErrorIs(t, err, apperrors.ErrTokenIssuerOrAudienceMismatch)
				})
			}
		})

		t.Run("token without jti", func(t *testing.T) {
			m := newTestManager(t, time.Minute)
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:  testUser.ID.String(),
					Issuer:   "tokenauth-test",
					Audience: jwt.ClaimStrings{"tokenauth-test-clients"},
				},
			}).SignedString([]byte(testSecret))
			require.NoError(t, err)

			_, err = m.ValidateIgnoringExpiry(token)

			require.ErrorIs(t, err, apperrors.ErrTokenMalformed)
		})
	})

	t.Run("ParseAccess", func(t *testing.T) {
		t.Run("valid token", func(t *testing.T) {
			m := newTestManager(t, time.Minute)
			pair, err := m.IssuePair(testUser)
			require.NoError(t, err)

			claims, err := m.ParseAccess(pair.Access.Value)

			require.NoError(t, err, "valid token should be parsed without errors")
			require.Equal(t, testUser.ID.String(), claims.Subject)
		})

		t.Run("last signature char changed", func(t *testing.T) {
			m := newTestManager(t, time.Minute)
			pair, err := m.IssuePair(testUser)
			require.NoError(t, err)
			value := pair.Access.Value
			last := value[len(value)-1]

			// Last char of HS256 signature carries 2 unused bits
			for _, c := range []byte{last ^ 0x01, last ^ 0x02, last ^ 0x03} {
				_, err = m.ParseAccess(value[:len(value)-1] + string(c))

				require.ErrorIs(t, err, apperrors.ErrTokenSignatureInvalid, "%q replaced with %q", last, c)
			}
		})

		t.Run("expired token", func(t *testing.T) {
			m := newTestManager(t, time.Minute)
			m.now = func() time.Time { return time.Now().Add(-time.Hour) }
			pair, err := m.IssuePair(testUser)
			require.NoError(t, err)
			m.now = time.Now

			_, err = m.ParseAccess(pair.Access.Value)

			require.ErrorIs(t, err, apperrors.ErrTokenExpired, "token has to become expired")
		})

		t.Run("not signed token", func(t *testing.T) {
			m := newTestManager(t, time.Minute)
			token := jwt.NewWithClaims(
				jwt.SigningMethodNone,
				AccessClaims{
					RegisteredClaims: jwt.RegisteredClaims{
						ID:        uuid.NewString(),
						Subject:   testUser.ID.String(),
						Issuer:    "tokenauth-test",
						Audience:  jwt.ClaimStrings{"tokenauth-test-clients"},
						IssuedAt:  jwt.NewNumericDate(time.Now()),
						ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
					},
				},
			)
			access, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)

			_, err = m.ParseAccess(access)

			require.ErrorIs(t, err, apperrors.ErrTokenAlgorithmMismatch, "valid token with none alg must fail")
		})
	})
}

func Test_RandomGenerator(t *testing.T) {
	t.Parallel()

	t.Run("256 bits", func(t *testing.T) {
		value, err := RandomGenerator{}.Generate()
		require.NoError(t, err)

		decoded, err := base64.RawURLEncoding.DecodeString(value)
		require.NoError(t, err, "value has to be base64 encoded")
		require.Len(t, decoded, 32)
		require.Len(t, value, 43)
	})

	t.Run("custom size", func(t *testing.T) {
		value, err := RandomGenerator{Size: 64}.Generate()
		require.NoError(t, err)

		decoded, err := base64.RawURLEncoding.DecodeString(value)
		require.NoError(t, err)
		require.Len(t, decoded, 64)
	})

	t.Run("unique under concurrency", func(t *testing.T) {
		const workers, perWorker = 8, 250

		var mu sync.Mutex
		seen := make(map[string]struct{}, workers*perWorker)
		var wg sync.WaitGroup

		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range perWorker {
					value, err := RandomGenerator{}.Generate()
					assert.NoError(t, err)

					mu.Lock()
					seen[value] = struct{}{}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, seen, workers*perWorker, "every generated value must be unique")
	})
}
