package oauthflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxauth/core/linker"
	"github.com/fluxauth/core/provider/mock"
	"github.com/fluxauth/core/storage"
	"github.com/fluxauth/core/storage/memory"
	"github.com/fluxauth/core/verifycode"
)

func TestBeginThenCallbackRoundTrip(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	codes := verifycode.New([]byte("secret"), nil, func() time.Time { return now })
	m := New(linker.New(), codes, "https://example.convex.site", func() time.Time { return now })
	p := mock.New("mock")

	var authURL, signature string
	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		var err error
		authURL, signature, err = m.Begin(ctx, s, p, "https://example.convex.site/api/auth/callback/mock")
		require.NoError(t, err)
		require.NotEmpty(t, authURL)
		require.NotEmpty(t, signature)
		return nil
	})
	require.NoError(t, err)

	require.Contains(t, authURL, "state=")

	err = backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		req := httptest.NewRequest(http.MethodGet, "https://example.convex.site/api/auth/callback/mock?state="+signature, nil)
		code, ok := m.Callback(ctx, s, p, req, "https://example.convex.site/api/auth/callback/mock")
		require.True(t, ok)
		require.NotEmpty(t, code)

		account, err := s.GetAccountByProvider(ctx, "mock", p.Subject)
		require.NoError(t, err)

		consumed, err := codes.Consume(ctx, s, "mock", code, verifycode.ConsumeParams{})
		require.NoError(t, err)
		require.Equal(t, account.ID, consumed.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	codes := verifycode.New([]byte("secret"), nil, func() time.Time { return now })
	m := New(linker.New(), codes, "https://example.convex.site", func() time.Time { return now })
	p := mock.New("mock")

	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		req := httptest.NewRequest(http.MethodGet, "https://example.convex.site/api/auth/callback/mock?state=bogus", nil)
		_, ok := m.Callback(ctx, s, p, req, "https://example.convex.site/api/auth/callback/mock")
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestCallbackRejectsExpiredVerifier(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := now
	codes := verifycode.New([]byte("secret"), nil, func() time.Time { return current })
	m := New(linker.New(), codes, "https://example.convex.site", func() time.Time { return current })
	p := mock.New("mock")

	var signature string
	err := backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		var err error
		_, signature, err = m.Begin(ctx, s, p, "https://example.convex.site/api/auth/callback/mock")
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	current = current.Add(VerifierExpiry + time.Minute)
	err = backend.WithTx(context.Background(), func(ctx context.Context, s storage.Store) error {
		req := httptest.NewRequest(http.MethodGet, "https://example.convex.site/api/auth/callback/mock?state="+signature, nil)
		_, ok := m.Callback(ctx, s, p, req, "https://example.convex.site/api/auth/callback/mock")
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestRedirectURLFallsBackOnCrossOriginTarget(t *testing.T) {
	m := New(linker.New(), nil, "https://example.convex.site", nil)

	u, err := m.RedirectURL("https://attacker.example/steal", "abc123")
	require.NoError(t, err)
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	require.Equal(t, "example.convex.site", parsed.Host)
	require.Equal(t, "abc123", parsed.Query().Get("code"))
}

func TestRedirectURLHonorsSameOriginTarget(t *testing.T) {
	m := New(linker.New(), nil, "https://example.convex.site", nil)

	u, err := m.RedirectURL("https://example.convex.site/after-login", "abc123")
	require.NoError(t, err)
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	require.Equal(t, "example.convex.site", parsed.Host)
	require.Equal(t, "/after-login", parsed.Path)
	require.Equal(t, "abc123", parsed.Query().Get("code"))
}
