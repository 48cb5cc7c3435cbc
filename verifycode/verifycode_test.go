package verifycode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxauth/core/apperr"
	"github.com/fluxauth/core/ratelimit"
	"github.com/fluxauth/core/storage"
	"github.com/fluxauth/core/storage/memory"
)

func TestIssueAndConsumeShortCodeRoundTrip(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := New([]byte("secret"), ratelimit.New(func() time.Time { return now }), func() time.Time { return now })

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		account, err := s.InsertAccount(ctx, storage.Account{Provider: "email", ProviderAccountID: "a@example.com"})
		require.NoError(t, err)

		dest, err := store.Issue(ctx, s, IssueRequest{
			AccountID:     account.ID,
			Provider:      "email",
			CodeMaterial:  "123456",
			Expiry:        now.Add(15 * time.Minute),
			EmailToVerify: "a@example.com",
		})
		require.NoError(t, err)
		require.Equal(t, "a@example.com", dest)

		got, err := store.Consume(ctx, s, "email", "123456", ConsumeParams{Email: "a@example.com"})
		require.NoError(t, err)
		require.Equal(t, account.ID, got.ID)

		// Consumed codes are single-use.
		_, err = store.Consume(ctx, s, "email", "123456", ConsumeParams{Email: "a@example.com"})
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestIssueStoresLongCodesRaw(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := New([]byte("secret"), nil, func() time.Time { return now })
	longToken := "a-very-long-magic-link-token-well-over-the-threshold"

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		account, err := s.InsertAccount(ctx, storage.Account{Provider: "email", ProviderAccountID: "b@example.com"})
		require.NoError(t, err)

		_, err = store.Issue(ctx, s, IssueRequest{
			AccountID:     account.ID,
			Provider:      "email",
			CodeMaterial:  longToken,
			Expiry:        now.Add(15 * time.Minute),
			EmailToVerify: "b@example.com",
		})
		require.NoError(t, err)

		row, err := s.GetVerificationCodeByHash(ctx, []byte(longToken))
		require.NoError(t, err)
		require.Equal(t, account.ID, row.AccountID)
		return nil
	})
	require.NoError(t, err)
}

func TestConsumeRejectsProviderMismatch(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := New([]byte("secret"), nil, func() time.Time { return now })

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		account, err := s.InsertAccount(ctx, storage.Account{Provider: "email", ProviderAccountID: "c@example.com"})
		require.NoError(t, err)

		_, err = store.Issue(ctx, s, IssueRequest{
			AccountID:     account.ID,
			Provider:      "email",
			CodeMaterial:  "654321",
			Expiry:        now.Add(15 * time.Minute),
			EmailToVerify: "c@example.com",
		})
		require.NoError(t, err)

		_, err = store.Consume(ctx, s, "phone", "654321", ConsumeParams{Phone: "+15550001111"})
		require.Error(t, err)
		var appErr *apperr.Error
		require.ErrorAs(t, err, &appErr)
		require.Equal(t, apperr.ProviderMismatch, appErr.Code)
		return nil
	})
	require.NoError(t, err)
}

func TestConsumeRejectsExpiredCode(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := now
	store := New([]byte("secret"), nil, func() time.Time { return current })

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		account, err := s.InsertAccount(ctx, storage.Account{Provider: "email", ProviderAccountID: "d@example.com"})
		require.NoError(t, err)

		_, err = store.Issue(ctx, s, IssueRequest{
			AccountID:     account.ID,
			Provider:      "email",
			CodeMaterial:  "111222",
			Expiry:        now.Add(time.Minute),
			EmailToVerify: "d@example.com",
		})
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	current = current.Add(5 * time.Minute)
	err = backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		_, err := store.Consume(ctx, s, "email", "111222", ConsumeParams{Email: "d@example.com"})
		require.Error(t, err)
		var appErr *apperr.Error
		require.ErrorAs(t, err, &appErr)
		require.Equal(t, apperr.ExpiredCode, appErr.Code)
		return nil
	})
	require.NoError(t, err)
}

func TestConsumeWithEmptyProviderAcceptsAnyIssuingProvider(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := New([]byte("secret"), nil, func() time.Time { return now })

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		account, err := s.InsertAccount(ctx, storage.Account{Provider: "github", ProviderAccountID: "123"})
		require.NoError(t, err)

		_, err = store.Issue(ctx, s, IssueRequest{
			AccountID:    account.ID,
			Provider:     "github",
			CodeMaterial: "an-oauth-handoff-code-well-over-24-chars",
			Expiry:       now.Add(5 * time.Minute),
		})
		require.NoError(t, err)

		got, err := store.Consume(ctx, s, "", "an-oauth-handoff-code-well-over-24-chars", ConsumeParams{})
		require.NoError(t, err)
		require.Equal(t, account.ID, got.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestConsumeChecksRateLimitBeforeValidatingTheCode(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(func() time.Time { return now })
	store := New([]byte("secret"), limiter, func() time.Time { return now })

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		account, err := s.InsertAccount(ctx, storage.Account{Provider: "email", ProviderAccountID: "f@example.com"})
		require.NoError(t, err)

		_, err = store.Issue(ctx, s, IssueRequest{
			AccountID:     account.ID,
			Provider:      "email",
			CodeMaterial:  "999999",
			Expiry:        now.Add(15 * time.Minute),
			EmailToVerify: "f@example.com",
		})
		require.NoError(t, err)

		for i := 0; i < int(ratelimit.DefaultMax); i++ {
			require.NoError(t, limiter.Consume(ctx, s, account.ID))
		}

		_, err = store.Consume(ctx, s, "email", "999999", ConsumeParams{Email: "f@example.com"})
		require.Error(t, err)
		var appErr *apperr.Error
		require.ErrorAs(t, err, &appErr)
		require.Equal(t, apperr.RateLimited, appErr.Code)
		return nil
	})
	require.NoError(t, err)
}

func TestIssueReplacesPriorCodeForAccount(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := New([]byte("secret"), nil, func() time.Time { return now })

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		account, err := s.InsertAccount(ctx, storage.Account{Provider: "email", ProviderAccountID: "e@example.com"})
		require.NoError(t, err)

		_, err = store.Issue(ctx, s, IssueRequest{
			AccountID: account.ID, Provider: "email", CodeMaterial: "000001",
			Expiry: now.Add(time.Minute), EmailToVerify: "e@example.com",
		})
		require.NoError(t, err)

		_, err = store.Issue(ctx, s, IssueRequest{
			AccountID: account.ID, Provider: "email", CodeMaterial: "000002",
			Expiry: now.Add(time.Minute), EmailToVerify: "e@example.com",
		})
		require.NoError(t, err)

		_, err = store.Consume(ctx, s, "email", "000001", ConsumeParams{Email: "e@example.com"})
		require.Error(t, err)

		_, err = store.Consume(ctx, s, "email", "000002", ConsumeParams{Email: "e@example.com"})
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)
}
