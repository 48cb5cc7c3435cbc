// Package mock is a no-interaction federated provider for tests, adapted
// from the legacy connector of the same name: it always resolves to a fixed
// identity instead of calling out to a real OAuth endpoint.
package mock

import (
	"context"
	"net/http"
	"net/url"

	"github.com/fluxauth/core/linker"
	"github.com/fluxauth/core/provider"
)

// Provider always authenticates as the same fixed identity.
type Provider struct {
	IDValue string
	Profile linker.Profile
	Subject string
}

func New(id string) *Provider {
	return &Provider{
		IDValue: id,
		Profile: linker.Profile{
			Email:         "kilgore@kilgore.trout",
			EmailVerified: true,
			Name:          "Kilgore Trout",
		},
		Subject: "0-385-28089-0",
	}
}

var _ provider.FederatedProvider = (*Provider)(nil)

func (p *Provider) ID() string                                     { return p.IDValue }
func (p *Provider) Type() provider.Type                             { return provider.TypeOAuth }
func (p *Provider) ClientID() string                                { return "mock-client" }
func (p *Provider) ClientSecret() string                            { return "mock-secret" }
func (p *Provider) Issuer() string                                  { return "https://mock.invalid" }
func (p *Provider) Checks() []string                                { return []string{"state"} }
func (p *Provider) AllowDangerousEmailAccountLinking() *bool        { return nil }

func (p *Provider) AuthCodeURL(ctx context.Context, redirectURI, state, codeChallenge, nonce string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("state", state)
	q.Set("code", "mock-code")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Provider) Exchange(ctx context.Context, r *http.Request, redirectURI, codeVerifier, nonce string) (linker.Profile, string, error) {
	return p.Profile, p.Subject, nil
}
