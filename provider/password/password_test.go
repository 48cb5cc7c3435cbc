package password

import (
	"context"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fluxauth/core/apperr"
	"github.com/fluxauth/core/linker"
	"github.com/fluxauth/core/storage"
	"github.com/fluxauth/core/storage/memory"
)

func TestSignUpThenSignIn(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	p := New(linker.New(), nil)

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		userID, _, created, err := p.Authorize(ctx, s, map[string]string{
			"email": "a@example.com", "password": "hunter2", "flow": "signUp",
		})
		require.NoError(t, err)
		require.True(t, created)
		require.NotEmpty(t, userID)

		signedInUser, _, ok, err := p.Authorize(ctx, s, map[string]string{
			"email": "a@example.com", "password": "hunter2", "flow": "signIn",
		})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, userID, signedInUser)
		return nil
	})
	require.NoError(t, err)
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	p := New(linker.New(), nil)

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		_, _, _, err := p.Authorize(ctx, s, map[string]string{
			"email": "dup@example.com", "password": "pw1", "flow": "signUp",
		})
		require.NoError(t, err)

		_, _, _, err = p.Authorize(ctx, s, map[string]string{
			"email": "dup@example.com", "password": "pw2", "flow": "signUp",
		})
		require.Error(t, err)
		var appErr *apperr.Error
		require.ErrorAs(t, err, &appErr)
		require.Equal(t, apperr.AccountExists, appErr.Code)
		return nil
	})
	require.NoError(t, err)
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	p := New(linker.New(), nil)

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		_, _, _, err := p.Authorize(ctx, s, map[string]string{
			"email": "wrong@example.com", "password": "correct", "flow": "signUp",
		})
		require.NoError(t, err)

		_, _, ok, err := p.Authorize(ctx, s, map[string]string{
			"email": "wrong@example.com", "password": "incorrect", "flow": "signIn",
		})
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestSignInUpgradesLegacyBcryptHash(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	p := New(linker.New(), nil)

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		legacyHash, err := bcrypt.GenerateFromPassword([]byte("oldpassword"), bcrypt.DefaultCost)
		require.NoError(t, err)

		user, err := s.InsertUser(ctx, storage.User{CreationTime: time.Now()})
		require.NoError(t, err)
		account, err := s.InsertAccount(ctx, storage.Account{
			UserID: user.ID, Provider: ProviderID, ProviderAccountID: "legacy@example.com",
			SecretHash: legacyHash,
		})
		require.NoError(t, err)

		userID, _, ok, err := p.Authorize(ctx, s, map[string]string{
			"email": "legacy@example.com", "password": "oldpassword", "flow": "signIn",
		})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, user.ID, userID)

		updated, err := s.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		require.NotEqual(t, string(legacyHash), string(updated.SecretHash))
		ok2, err := argon2id.ComparePasswordAndHash("oldpassword", string(updated.SecretHash))
		require.NoError(t, err)
		require.True(t, ok2)
		return nil
	})
	require.NoError(t, err)
}
