// Package oidcgeneric is a federated identity provider for any OpenID
// Connect issuer, adapted from the legacy oidc connector: this version drops
// hosted-domain restriction and group-claim extraction (no group concept in
// the spec) and adds PKCE support, which the legacy connector never offered.
package oidcgeneric

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	oidclib "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/fluxauth/core/linker"
	"github.com/fluxauth/core/provider"
)

// Config configures a generic OIDC provider instance.
type Config struct {
	ID           string
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string // defaults to openid, profile, email
	Checks       []string // subset of {"pkce", "state", "nonce"}

	AllowDangerousEmailAccountLinking *bool
}

// Provider implements provider.FederatedProvider against an OIDC issuer's
// discovery document, cached by the underlying oidc.Provider.
type Provider struct {
	cfg      Config
	issuer   *oidclib.Provider
	verifier *oidclib.IDTokenVerifier
}

// New discovers the issuer's metadata (spec §4.6 step 1: "cached short-term"
// by the oidc package's own provider cache) and builds a Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	issuer, err := oidclib.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidcgeneric: discovering issuer %s: %w", cfg.Issuer, err)
	}
	return &Provider{
		cfg:      cfg,
		issuer:   issuer,
		verifier: issuer.Verifier(&oidclib.Config{ClientID: cfg.ClientID}),
	}, nil
}

var _ provider.FederatedProvider = (*Provider)(nil)

func (p *Provider) ID() string           { return p.cfg.ID }
func (p *Provider) Type() provider.Type  { return provider.TypeOIDC }
func (p *Provider) ClientID() string     { return p.cfg.ClientID }
func (p *Provider) ClientSecret() string { return p.cfg.ClientSecret }
func (p *Provider) Issuer() string       { return p.cfg.Issuer }
func (p *Provider) Checks() []string     { return p.cfg.Checks }
func (p *Provider) AllowDangerousEmailAccountLinking() *bool {
	return p.cfg.AllowDangerousEmailAccountLinking
}

func (p *Provider) scopes() []string {
	if len(p.cfg.Scopes) > 0 {
		return p.cfg.Scopes
	}
	return []string{oidclib.ScopeOpenID, "profile", "email"}
}

func (p *Provider) oauth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     p.issuer.Endpoint(),
		Scopes:       p.scopes(),
		RedirectURL:  redirectURI,
	}
}

// AuthCodeURL implements spec §4.6's authorization-URL construction,
// including the nonce fallback when PKCE S256 can't be asserted.
func (p *Provider) AuthCodeURL(ctx context.Context, redirectURI, state, codeChallenge, nonce string) (string, error) {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	if nonce != "" {
		opts = append(opts, oidclib.Nonce(nonce))
	}
	return p.oauth2Config(redirectURI).AuthCodeURL(state, opts...), nil
}

// Exchange implements spec §4.6's callback steps 2-4: code exchange,
// ID-token validation (issuer, audience, expiry, nonce all checked by the
// verifier), and claim normalization.
func (p *Provider) Exchange(ctx context.Context, r *http.Request, redirectURI, codeVerifier, nonce string) (linker.Profile, string, error) {
	q := r.URL.Query()
	if errType := q.Get("error"); errType != "" {
		return linker.Profile{}, "", fmt.Errorf("oidcgeneric: authorization error %s: %s", errType, q.Get("error_description"))
	}

	cfg := p.oauth2Config(redirectURI)
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}
	token, err := cfg.Exchange(ctx, q.Get("code"), opts...)
	if err != nil {
		return linker.Profile{}, "", fmt.Errorf("oidcgeneric: exchanging code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return linker.Profile{}, "", errors.New("oidcgeneric: token response has no id_token")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return linker.Profile{}, "", fmt.Errorf("oidcgeneric: verifying ID token: %w", err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return linker.Profile{}, "", errors.New("oidcgeneric: nonce mismatch")
	}

	var claims struct {
		Name          string `json:"name"`
		Picture       string `json:"picture"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return linker.Profile{}, "", fmt.Errorf("oidcgeneric: decoding claims: %w", err)
	}

	if claims.Email == "" {
		userInfo, err := p.issuer.UserInfo(ctx, oauth2.StaticTokenSource(token))
		if err == nil {
			claims.Email = userInfo.Email
			claims.EmailVerified = userInfo.EmailVerified
		}
	}

	profile := linker.Profile{
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Image:         claims.Picture,
	}
	return profile, idToken.Subject, nil
}
