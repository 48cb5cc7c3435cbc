// Package oauthflow drives the OAuth/OIDC State Machine (spec §4.6):
// authorization-URL construction with PKCE/state/nonce, and callback
// handling that materializes a verification code for the final sign-in.
package oauthflow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/fluxauth/core/linker"
	"github.com/fluxauth/core/provider"
	"github.com/fluxauth/core/storage"
	"github.com/fluxauth/core/verifycode"
)

// VerifierExpiry bounds how long a pending redirect's state/PKCE/nonce row
// may be redeemed.
const VerifierExpiry = 10 * time.Minute

// Machine drives the outbound redirect and inbound callback halves of the
// flow, guarding provider token exchanges with a circuit breaker (adapted
// from cartographus's eventprocessor.NewCircuitBreaker) so a flaky upstream
// IdP degrades to fast failures instead of stalling every signIn call.
type Machine struct {
	Linker  *linker.Linker
	Codes   *verifycode.Store
	SiteURL string

	breakers map[string]*gobreaker.CircuitBreaker[any]
	now      func() time.Time
}

func New(l *linker.Linker, codes *verifycode.Store, siteURL string, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{Linker: l, Codes: codes, SiteURL: siteURL, breakers: make(map[string]*gobreaker.CircuitBreaker[any]), now: now}
}

func (m *Machine) breakerFor(providerID string) *gobreaker.CircuitBreaker[any] {
	if cb, ok := m.breakers[providerID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "oauth:" + providerID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	m.breakers[providerID] = cb
	return cb
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hasCheck(checks []string, name string) bool {
	for _, c := range checks {
		if c == name {
			return true
		}
	}
	return false
}

// Begin implements spec §4.6's authorization-URL construction. redirectURI
// is {CONVEX_SITE_URL}/api/auth/callback/{providerId}, as built by
// signin.Engine.CallbackURLFor. When the provider enables the "state" check,
// the state sent to the provider is the verifier signature itself, which is
// how Callback finds the verifier row again.
func (m *Machine) Begin(ctx context.Context, s storage.Store, p provider.FederatedProvider, redirectURI string) (authURL string, verifierSignature string, err error) {
	var state, nonce, codeVerifier, codeChallenge string

	signature, err := randomToken(16)
	if err != nil {
		return "", "", err
	}

	if hasCheck(p.Checks(), "state") {
		state = signature
	}

	if hasCheck(p.Checks(), "pkce") {
		codeVerifier, err = randomToken(32)
		if err != nil {
			return "", "", err
		}
		codeChallenge = s256Challenge(codeVerifier)
	} else if hasCheck(p.Checks(), "nonce") || p.Type() == provider.TypeOIDC {
		// S256 unsupported (or PKCE simply not requested): fall back to nonce
		// for CSRF protection, as spec §4.6 step 3 allows for OIDC providers.
		nonce, err = randomToken(16)
		if err != nil {
			return "", "", err
		}
	}

	authURL, err = p.AuthCodeURL(ctx, redirectURI, state, codeChallenge, nonce)
	if err != nil {
		return "", "", err
	}

	_, err = s.InsertVerifier(ctx, storage.Verifier{
		Signature:    signature,
		State:        state,
		Nonce:        nonce,
		PKCEVerifier: codeVerifier,
		ProviderID:   p.ID(),
		CreationTime: m.now(),
	})
	if err != nil {
		return "", "", err
	}

	return authURL, signature, nil
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Callback implements spec §4.6's callback steps 1-5. On any failure it
// returns ("", false): the HTTP layer redirects to SiteURL without a code
// param, per spec §4.6's "Failure-in-callback policy".
func (m *Machine) Callback(ctx context.Context, s storage.Store, p provider.FederatedProvider, r *http.Request, redirectURI string) (redirectCode string, ok bool) {
	q := r.URL.Query()
	signature := q.Get("state")

	v, err := s.GetVerifierBySignature(ctx, signature)
	if err != nil || v.ProviderID != p.ID() {
		return "", false
	}
	_ = s.DeleteVerifier(ctx, v.ID)

	if !v.CreationTime.Add(VerifierExpiry).After(m.now()) {
		return "", false
	}
	if v.State != "" && v.State != signature {
		return "", false
	}

	cb := m.breakerFor(p.ID())
	result, err := cb.Execute(func() (any, error) {
		profile, subject, err := p.Exchange(ctx, r, redirectURI, v.PKCEVerifier, v.Nonce)
		if err != nil {
			return nil, err
		}
		return exchangeResult{profile, subject}, nil
	})
	if err != nil {
		return "", false
	}
	res := result.(exchangeResult)
	if res.subject == "" {
		return "", false
	}

	account, err := s.GetAccountByProvider(ctx, p.ID(), res.subject)
	var existingAccount *storage.Account
	if err == nil {
		existingAccount = &account
	} else if err != storage.ErrNotFound {
		return "", false
	}

	linked, err := m.Linker.Upsert(ctx, s, linker.Request{
		ExistingAccount:                   existingAccount,
		Provider:                          p.ID(),
		ProviderType:                      string(p.Type()),
		ProviderAccountID:                 res.subject,
		Profile:                           res.profile,
		AllowDangerousEmailAccountLinking: p.AllowDangerousEmailAccountLinking(),
		Now:                               m.now(),
	})
	if err != nil {
		return "", false
	}

	// A long random code: spec §9 notes codes this size (32+ chars of
	// entropy) are stored raw rather than hashed.
	code, err := randomToken(24)
	if err != nil {
		return "", false
	}
	if _, err := m.Codes.Issue(ctx, s, verifycode.IssueRequest{
		AccountID:    linked.AccountID,
		Provider:     p.ID(),
		CodeMaterial: code,
		Expiry:       m.now().Add(5 * time.Minute),
	}); err != nil {
		return "", false
	}
	return code, true
}

type exchangeResult struct {
	profile linker.Profile
	subject string
}

// RedirectURL builds the SITE_URL redirect the HTTP layer issues, optionally
// carrying a verification code on success (spec §4.6 step 5/failure policy).
// redirectTo is only honored when it shares SiteURL's scheme and host; any
// other value (or none) falls back to SiteURL, so a caller cannot use the
// redirect param to bounce a victim off-site with a live code attached.
func (m *Machine) RedirectURL(redirectTo, code string) (string, error) {
	base := m.SiteURL
	if redirectTo != "" && m.sameOrigin(redirectTo) {
		base = redirectTo
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("oauthflow: invalid redirect target: %w", err)
	}
	if code != "" {
		q := u.Query()
		q.Set("code", code)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (m *Machine) sameOrigin(target string) bool {
	site, err := url.Parse(m.SiteURL)
	if err != nil {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Scheme == site.Scheme && u.Host == site.Host
}
