// Package provider defines the plugin contract the core consumes from
// external identity providers (spec §6's "Provider-plugin contract").
package provider

import (
	"context"
	"net/http"

	"github.com/fluxauth/core/linker"
	"github.com/fluxauth/core/storage"
)

// Type enumerates the five provider kinds spec §6 recognizes.
type Type string

const (
	TypeOAuth       Type = "oauth"
	TypeOIDC        Type = "oidc"
	TypeEmail       Type = "email"
	TypePhone       Type = "phone"
	TypeCredentials Type = "credentials"
)

// Provider is the common shape every plugin satisfies; most methods live on
// the narrower interfaces below since a given provider only implements the
// ones relevant to its Type.
type Provider interface {
	ID() string
	Type() Type
}

// DeliveryRequest carries what an email/phone provider needs to send a code.
type DeliveryRequest struct {
	Identifier string
	URL        string
	Token      string
	MaxAge     int
}

// OTPProvider covers spec §6's email/phone contract.
type OTPProvider interface {
	Provider
	SendVerificationRequest(ctx context.Context, req DeliveryRequest) error
	// GenerateVerificationToken optionally overrides the default random code
	// material; returns "" to defer to the caller's default generator.
	GenerateVerificationToken() string
	// NormalizeIdentifier canonicalizes a raw email/phone before storage.
	NormalizeIdentifier(raw string) string
	MaxAge() int
}

// CredentialsProvider covers spec §4.1 step 4's password/2FA style provider.
// It receives the request-scoped Store directly since authorize() itself
// creates or verifies Account rows (spec §8's sign-up/sign-in example).
type CredentialsProvider interface {
	Provider
	Authorize(ctx context.Context, s storage.Store, params map[string]string) (userID, sessionID string, ok bool, err error)
}

// FederatedProvider covers spec §4.6's oauth/oidc contract.
type FederatedProvider interface {
	Provider
	ClientID() string
	ClientSecret() string
	Issuer() string
	Checks() []string // subset of {"pkce", "state", "nonce"}
	AllowDangerousEmailAccountLinking() *bool

	// AuthCodeURL returns the provider's authorization endpoint, pre-filled
	// with redirectURI/scope/state/PKCE challenge/nonce as applicable.
	AuthCodeURL(ctx context.Context, redirectURI, state, codeChallenge, nonce string) (string, error)

	// Exchange completes the callback: trades the code for tokens and
	// normalizes the resulting identity via the provider's profile() rule
	// (spec §4.6 step 4).
	Exchange(ctx context.Context, r *http.Request, redirectURI, codeVerifier, nonce string) (linker.Profile, string, error)
}

// Registry looks providers up by ID for the HTTP surface and the orchestrator.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.providers[p.ID()] = p
}

func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}
