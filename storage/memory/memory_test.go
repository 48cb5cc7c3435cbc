package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxauth/core/storage"
)

func TestInsertAccountRejectsDuplicateProviderPair(t *testing.T) {
	b := New()
	defer b.Close()

	err := b.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		_, err := s.InsertAccount(ctx, storage.Account{Provider: "github", ProviderAccountID: "123"})
		require.NoError(t, err)

		_, err = s.InsertAccount(ctx, storage.Account{Provider: "github", ProviderAccountID: "123"})
		require.ErrorIs(t, err, storage.ErrAlreadyExists)
		return nil
	})
	require.NoError(t, err)
}

func TestGetUserByEmailIsCaseInsensitive(t *testing.T) {
	b := New()
	defer b.Close()

	err := b.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		created, err := s.InsertUser(ctx, storage.User{Email: "Person@Example.com"})
		require.NoError(t, err)

		found, err := s.GetUserByEmail(ctx, "person@example.com")
		require.NoError(t, err)
		require.Equal(t, created.ID, found.ID)

		_, err = s.GetUserByEmail(ctx, "nobody@example.com")
		require.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestPatchUserPreservesID(t *testing.T) {
	b := New()
	defer b.Close()

	err := b.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		created, err := s.InsertUser(ctx, storage.User{Name: "before"})
		require.NoError(t, err)

		updated, err := s.PatchUser(ctx, created.ID, func(u storage.User) storage.User {
			u.Name = "after"
			return u
		})
		require.NoError(t, err)
		require.Equal(t, created.ID, updated.ID)
		require.Equal(t, "after", updated.Name)

		_, err = s.PatchUser(ctx, "nonexistent", func(u storage.User) storage.User { return u })
		require.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteAllRefreshTokensForSessionOnlyAffectsThatSession(t *testing.T) {
	b := New()
	defer b.Close()

	err := b.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		tokA, err := s.InsertRefreshToken(ctx, storage.RefreshToken{SessionID: "sessA"})
		require.NoError(t, err)
		tokB, err := s.InsertRefreshToken(ctx, storage.RefreshToken{SessionID: "sessB"})
		require.NoError(t, err)

		require.NoError(t, s.DeleteAllRefreshTokensForSession(ctx, "sessA"))

		_, err = s.GetRefreshToken(ctx, tokA.ID)
		require.ErrorIs(t, err, storage.ErrNotFound)

		got, err := s.GetRefreshToken(ctx, tokB.ID)
		require.NoError(t, err)
		require.Equal(t, tokB.ID, got.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestRateLimitRoundTrip(t *testing.T) {
	b := New()
	defer b.Close()

	err := b.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		_, ok, err := s.GetRateLimit(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.PutRateLimit(ctx, storage.RateLimit{Identifier: "id1", AttemptsLeft: 5}))
		got, ok, err := s.GetRateLimit(ctx, "id1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, float64(5), got.AttemptsLeft)
		return nil
	})
	require.NoError(t, err)
}
