package postgres

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/tokenauth/internal/apperrors"
	"github.com/nkiryanov/tokenauth/internal/models"
	"github.com/nkiryanov/tokenauth/internal/repository"
	"github.com/nkiryanov/tokenauth/internal/testutil"
)

func mustParseTime(value string) time.Time {
	dt, err := time.Parse("2006-01-02 15:04:05Z07:00", value)
	if err != nil {
		panic(err)
	}
	return dt
}

func Test_RefreshTokenRepo(t *testing.T) {
	t.Parallel() // It's ok to run in parallel with other tests, but not with subtests

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	// Tokens reference users, so user has to exist before
	newToken := func(t *testing.T, db DBTX) models.RefreshToken {
		user, err := (&UserRepo{DB: db}).CreateUser(t.Context(), models.User{
			Username:       "user-" + uuid.NewString(),
			HashedPassword: "hashed",
		})
		require.NoError(t, err)

		return models.RefreshToken{
			ID:        uuid.New(),
			Token:     "secret-token-" + uuid.NewString(),
			JwtID:     uuid.NewString(),
			UserID:    user.ID,
			FamilyID:  uuid.New(),
			CreatedAt: mustParseTime("2024-01-01 19:00:01Z"),
			ExpiresAt: mustParseTime("2200-01-01 03:00:02Z"),
		}
	}

	t.Run("add and find token ok", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			token := newToken(t, tx)

			err := repo.Add(t.Context(), token)
			require.NoError(t, err)

			got, err := repo.FindByValue(t.Context(), token.Token)

			require.NoError(t, err)
			require.Equal(t, token.ID, got.ID)
			require.Equal(t, token.Token, got.Token)
			require.Equal(t, token.JwtID, got.JwtID)
			require.Equal(t, token.UserID, got.UserID)
			require.Equal(t, token.FamilyID, got.FamilyID)
			require.WithinDuration(t, token.CreatedAt, got.CreatedAt, 0)
			require.WithinDuration(t, token.ExpiresAt, got.ExpiresAt, 0)
			require.False(t, got.IsUsed())
			require.False(t, got.IsRevoked())
		})
	})

	t.Run("add for unknown user fails", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			token := newToken(t, tx)
			token.UserID = uuid.New()

			err := repo.Add(t.Context(), token)

			require.ErrorIs(t, err, apperrors.ErrUserNotFound)
		})
	})

	t.Run("add same value conflicts", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			token := newToken(t, tx)
			err := repo.Add(t.Context(), token)
			require.NoError(t, err)

			duplicate := token
			duplicate.ID = uuid.New()
			err = repo.Add(t.Context(), duplicate)

			require.ErrorIs(t, err, apperrors.ErrRefreshTokenConflict)

			// Transaction is still usable after conflict
			_, err = repo.FindByValue(t.Context(), token.Token)
			require.NoError(t, err)
		})
	})

	t.Run("find not existed token", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}

			_, err := repo.FindByValue(t.Context(), "not-existed")

			require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
		})
	})

	t.Run("mark token used", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			token := newToken(t, tx)
			require.NoError(t, repo.Add(t.Context(), token))

			got, err := repo.MarkUsed(t.Context(), token)

			require.NoError(t, err, "No error must be happen when marking used existed token")
			require.True(t, got.IsUsed(), "token must marked used")
			require.WithinDuration(t, time.Now(), *got.UsedAt, time.Second, "should marked as used close to now() enough")
			require.Equal(t, token.Token, got.Token)
			require.Equal(t, token.UserID, got.UserID)
		})
	})

	t.Run("mark used not existed token", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}

			_, err := repo.MarkUsed(t.Context(), models.RefreshToken{ID: uuid.New()})

			require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound)
		})
	})

	t.Run("mark used twice fails", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			token := newToken(t, tx)
			require.NoError(t, repo.Add(t.Context(), token))

			first, err := repo.MarkUsed(t.Context(), token)
			require.NoError(t, err, "No error should happen on make used")

			_, err = repo.MarkUsed(t.Context(), token)
			require.ErrorIs(t, err, apperrors.ErrRefreshTokenIsUsed, "should return ErrRefreshTokenIsUsed error")

			got, err := repo.FindByValue(t.Context(), token.Token)
			require.NoError(t, err)
			assert.WithinDuration(t, *first.UsedAt, *got.UsedAt, 0, "first usage time must be kept")
		})
	})

	t.Run("mark used concurrently has one winner", func(t *testing.T) {
		// Real commits are needed here, so no rollback transaction
		repo := RefreshTokenRepo{DB: pg.Pool}
		token := newToken(t, pg.Pool)
		require.NoError(t, repo.Add(t.Context(), token))

		const racers = 16
		errs := make([]error, racers)
		start := make(chan struct{})
		var wg sync.WaitGroup

		for i := range racers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[i] = repo.MarkUsed(t.Context(), token)
			}()
		}
		close(start)
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, apperrors.ErrRefreshTokenIsUsed)
		}
		require.Equal(t, 1, succeeded, "exactly one racer has to mark token used")
	})

	t.Run("mark revoked is idempotent", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			token := newToken(t, tx)
			require.NoError(t, repo.Add(t.Context(), token))

			err := repo.MarkRevoked(t.Context(), token)
			require.NoError(t, err)
			first, err := repo.FindByValue(t.Context(), token.Token)
			require.NoError(t, err)

			err = repo.MarkRevoked(t.Context(), token)
			require.NoError(t, err, "revoking revoked token is ok")
			second, err := repo.FindByValue(t.Context(), token.Token)
			require.NoError(t, err)

			require.True(t, second.IsRevoked())
			require.WithinDuration(t, *first.RevokedAt, *second.RevokedAt, 0, "first revoke time must be kept")
		})
	})

	t.Run("revoke family", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			first := newToken(t, tx)
			rotated := first
			rotated.ID, rotated.Token = uuid.New(), "rotated-"+uuid.NewString()
			other := first
			other.ID, other.Token, other.FamilyID = uuid.New(), "other-"+uuid.NewString(), uuid.New()
			for _, token := range []models.RefreshToken{first, rotated, other} {
				require.NoError(t, repo.Add(t.Context(), token))
			}

			revoked, err := repo.RevokeFamily(t.Context(), first.FamilyID)

			require.NoError(t, err)
			require.EqualValues(t, 2, revoked)
			for _, token := range []models.RefreshToken{first, rotated} {
				got, err := repo.FindByValue(t.Context(), token.Token)
				require.NoError(t, err)
				require.True(t, got.IsRevoked(), "token of revoked family must be revoked")
			}
			got, err := repo.FindByValue(t.Context(), other.Token)
			require.NoError(t, err)
			require.False(t, got.IsRevoked(), "token of other family must stay active")
		})
	})

	t.Run("revoke all for user", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			repo := RefreshTokenRepo{DB: tx}
			first := newToken(t, tx)
			second := first
			second.ID, second.Token, second.FamilyID = uuid.New(), "second-"+uuid.NewString(), uuid.New()
			stranger := newToken(t, tx)
			for _, token := range []models.RefreshToken{first, second, stranger} {
				require.NoError(t, repo.Add(t.Context(), token))
			}

			revoked, err := repo.RevokeAllForUser(t.Context(), first.UserID)

			require.NoError(t, err)
			require.EqualValues(t, 2, revoked)
			got, err := repo.FindByValue(t.Context(), stranger.Token)
			require.NoError(t, err)
			require.False(t, got.IsRevoked(), "other user tokens must stay active")
		})
	})

	t.Run("rotate", func(t *testing.T) {
		// Second token of the same family and user
		nextOf := func(token models.RefreshToken) models.RefreshToken {
			next := token
			next.ID, next.Token, next.JwtID = uuid.New(), "next-"+uuid.NewString(), uuid.NewString()
			return next
		}

		t.Run("ok", func(t *testing.T) {
			testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
				storage := NewStorage(tx)
				used := newToken(t, tx)
				require.NoError(t, storage.Refresh().Add(t.Context(), used))
				next := nextOf(used)

				err := storage.InTx(t.Context(), func(s repository.Storage) error {
					return s.Refresh().Rotate(t.Context(), used, next)
				})

				require.NoError(t, err)
				got, err := storage.Refresh().FindByValue(t.Context(), used.Token)
				require.NoError(t, err)
				require.True(t, got.IsUsed())
				got, err = storage.Refresh().FindByValue(t.Context(), next.Token)
				require.NoError(t, err)
				require.False(t, got.IsUsed())
				require.Equal(t, used.FamilyID, got.FamilyID)
			})
		})

		t.Run("used token fails", func(t *testing.T) {
			testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
				storage := NewStorage(tx)
				used := newToken(t, tx)
				require.NoError(t, storage.Refresh().Add(t.Context(), used))
				_, err := storage.Refresh().MarkUsed(t.Context(), used)
				require.NoError(t, err)
				next := nextOf(used)

				err = storage.InTx(t.Context(), func(s repository.Storage) error {
					return s.Refresh().Rotate(t.Context(), used, next)
				})

				require.ErrorIs(t, err, apperrors.ErrRefreshTokenIsUsed)
				_, err = storage.Refresh().FindByValue(t.Context(), next.Token)
				require.ErrorIs(t, err, apperrors.ErrRefreshTokenNotFound, "next token must not be saved")
			})
		})

		t.Run("failed add keeps token unused", func(t *testing.T) {
			testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
				storage := NewStorage(tx)
				used := newToken(t, tx)
				taken := nextOf(used)
				require.NoError(t, storage.Refresh().Add(t.Context(), used))
				require.NoError(t, storage.Refresh().Add(t.Context(), taken))
				next := nextOf(used)
				next.Token = taken.Token

				err := storage.InTx(t.Context(), func(s repository.Storage) error {
					return s.Refresh().Rotate(t.Context(), used, next)
				})

				require.ErrorIs(t, err, apperrors.ErrRefreshTokenConflict)
				got, err := storage.Refresh().FindByValue(t.Context(), used.Token)
				require.NoError(t, err)
				require.False(t, got.IsUsed(), "mark used has to be rolled back with failed add")
			})
		})
	})
}
