// Package github is a federated identity provider for GitHub's OAuth2 API,
// adapted from the legacy connector of the same name: this version drops
// org/team group-claim resolution (the spec has no group concept) and keeps
// the profile-fetch shape (GET /user, fall back to /user/emails for a
// verified primary email when the public profile hides it).
package github

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	xgithub "golang.org/x/oauth2/github"

	"github.com/fluxauth/core/linker"
	"github.com/fluxauth/core/provider"
)

// apiURL is a var, not a const, so tests can point it at an httptest.Server.
var apiURL = "https://api.github.com"

// Config configures a GitHub provider instance.
type Config struct {
	ID           string
	ClientID     string
	ClientSecret string
	Checks       []string // subset of {"pkce", "state"}; GitHub has no nonce/OIDC

	// AllowDangerousEmailAccountLinking mirrors spec §4.5 step 2; nil means
	// the spec default (true).
	AllowDangerousEmailAccountLinking *bool

	// Endpoint overrides xgithub.Endpoint, letting GitHub Enterprise
	// deployments (and tests) point at something other than github.com.
	Endpoint *oauth2.Endpoint
}

// Provider implements provider.FederatedProvider for GitHub.
type Provider struct {
	cfg Config
}

func New(cfg Config) *Provider { return &Provider{cfg: cfg} }

var _ provider.FederatedProvider = (*Provider)(nil)

func (p *Provider) ID() string              { return p.cfg.ID }
func (p *Provider) Type() provider.Type     { return provider.TypeOAuth }
func (p *Provider) ClientID() string        { return p.cfg.ClientID }
func (p *Provider) ClientSecret() string    { return p.cfg.ClientSecret }
func (p *Provider) Issuer() string          { return "https://github.com" }
func (p *Provider) Checks() []string        { return p.cfg.Checks }
func (p *Provider) AllowDangerousEmailAccountLinking() *bool {
	return p.cfg.AllowDangerousEmailAccountLinking
}

func (p *Provider) oauth2Config(redirectURI string) *oauth2.Config {
	endpoint := xgithub.Endpoint
	if p.cfg.Endpoint != nil {
		endpoint = *p.cfg.Endpoint
	}
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  redirectURI,
		Scopes:       []string{"user:email"},
	}
}

// AuthCodeURL implements spec §4.6's authorization-URL construction.
func (p *Provider) AuthCodeURL(ctx context.Context, redirectURI, state, codeChallenge, nonce string) (string, error) {
	opts := []oauth2.AuthCodeOption{}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return p.oauth2Config(redirectURI).AuthCodeURL(state, opts...), nil
}

// Exchange implements spec §4.6's callback steps 2-4.
func (p *Provider) Exchange(ctx context.Context, r *http.Request, redirectURI, codeVerifier, nonce string) (linker.Profile, string, error) {
	q := r.URL.Query()
	if errType := q.Get("error"); errType != "" {
		return linker.Profile{}, "", fmt.Errorf("github: authorization error %s: %s", errType, q.Get("error_description"))
	}

	cfg := p.oauth2Config(redirectURI)
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}
	token, err := cfg.Exchange(ctx, q.Get("code"), opts...)
	if err != nil {
		return linker.Profile{}, "", fmt.Errorf("github: exchanging code: %w", err)
	}

	client := cfg.Client(ctx, token)
	u, err := fetchUser(ctx, client)
	if err != nil {
		return linker.Profile{}, "", fmt.Errorf("github: fetching user: %w", err)
	}

	profile := linker.Profile{
		Email:         u.Email,
		EmailVerified: u.Email != "",
		Name:          displayName(u),
		Image:         u.AvatarURL,
	}
	return profile, strconv.Itoa(u.ID), nil
}

// DeriveS256Challenge computes the PKCE code_challenge for a verifier.
func DeriveS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func displayName(u githubUser) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Login
}

type githubUser struct {
	Name      string `json:"name"`
	Login     string `json:"login"`
	ID        int    `json:"id"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubUserEmail struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Primary  bool   `json:"primary"`
}

// fetchUser queries GET /user, falling back to /user/emails for a verified
// primary email when the public profile hides it (GitHub returns "" there
// for private emails).
func fetchUser(ctx context.Context, client *http.Client) (githubUser, error) {
	var u githubUser
	if err := getJSON(ctx, client, apiURL+"/user", &u); err != nil {
		return u, err
	}
	if u.Email == "" {
		email, err := fetchPrimaryVerifiedEmail(ctx, client)
		if err != nil {
			return u, err
		}
		u.Email = email
	}
	return u, nil
}

func fetchPrimaryVerifiedEmail(ctx context.Context, client *http.Client) (string, error) {
	var emails []githubUserEmail
	if err := getJSON(ctx, client, apiURL+"/user/emails", &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Verified && e.Primary {
			return e.Email, nil
		}
	}
	return "", errors.New("github: user has no verified primary email")
}

func getJSON(ctx context.Context, client *http.Client, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("github: %s: %s", resp.Status, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
