package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"golang.org/x/oauth2"

	"github.com/stretchr/testify/require"
)

func TestAuthCodeURLWithPKCE(t *testing.T) {
	p := New(Config{ID: "github", ClientID: "id", ClientSecret: "secret", Checks: []string{"pkce", "state"}})
	u, err := p.AuthCodeURL(context.Background(), "https://example.com/callback", "state123", DeriveS256Challenge("verifier"), "")
	require.NoError(t, err)
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	require.Equal(t, "state123", parsed.Query().Get("state"))
	require.Equal(t, "S256", parsed.Query().Get("code_challenge_method"))
	require.NotEmpty(t, parsed.Query().Get("code_challenge"))
}

func TestExchangeFetchesPrimaryVerifiedEmailWhenPublicEmailHidden(t *testing.T) {
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user":
			json.NewEncoder(w).Encode(githubUser{ID: 42, Login: "trout", Email: ""})
		case "/user/emails":
			json.NewEncoder(w).Encode([]githubUserEmail{
				{Email: "unverified@example.com", Verified: false, Primary: true},
				{Email: "verified@example.com", Verified: true, Primary: true},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer apiServer.Close()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "token_type": "bearer"})
	}))
	defer tokenServer.Close()

	originalAPIURL := apiURL
	apiURL = apiServer.URL
	defer func() { apiURL = originalAPIURL }()

	endpoint := oauth2.Endpoint{AuthURL: tokenServer.URL + "/authorize", TokenURL: tokenServer.URL + "/token"}
	p := New(Config{ID: "github", ClientID: "id", ClientSecret: "secret", Endpoint: &endpoint})

	req := httptest.NewRequest(http.MethodGet, "https://example.com/callback?code=abc", nil)
	profile, subject, err := p.Exchange(req.Context(), req, "https://example.com/callback", "", "")
	require.NoError(t, err)
	require.Equal(t, "42", subject)
	require.Equal(t, "verified@example.com", profile.Email)
	require.True(t, profile.EmailVerified)
	require.Equal(t, "trout", profile.Name)
}

func TestExchangePropagatesAuthorizationErrorParam(t *testing.T) {
	p := New(Config{ID: "github", ClientID: "id", ClientSecret: "secret"})
	req := httptest.NewRequest(http.MethodGet, "https://example.com/callback?error=access_denied&error_description=nope", nil)
	_, _, err := p.Exchange(req.Context(), req, "https://example.com/callback", "", "")
	require.Error(t, err)
}
