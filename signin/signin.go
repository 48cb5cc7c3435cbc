// Package signin composes every other package behind the single entry
// point spec §4.1 describes: a SignIn Orchestrator dispatching by provider
// type to one of five authentication flows.
package signin

import (
	"context"
	"crypto/rand"
	"net/http"
	"time"

	"github.com/fluxauth/core/apperr"
	"github.com/fluxauth/core/linker"
	"github.com/fluxauth/core/oauthflow"
	"github.com/fluxauth/core/provider"
	"github.com/fluxauth/core/ratelimit"
	"github.com/fluxauth/core/refreshtree"
	"github.com/fluxauth/core/session"
	"github.com/fluxauth/core/storage"
	"github.com/fluxauth/core/verifycode"
)

// Tokens is the successful-sign-in payload.
type Tokens struct {
	AccessToken       string
	AccessTokenExpiry time.Time
	RefreshToken      string
}

// Result is the union spec §4.1 describes: Tokens (with TokensAttempted),
// Started, or Redirect together with its Verifier signature.
type Result struct {
	Tokens   *Tokens // nil Tokens (with TokensAttempted true) means silent failure
	Started  bool
	Redirect string
	Verifier string

	TokensAttempted bool
}

// Params is the flattened sign-in request. Which fields are read depends on
// the dispatched provider type.
type Params struct {
	Code string

	// Credentials/OTP/email/phone fields, passed through to the provider.
	Fields map[string]string

	RedirectTo string
}

// Engine is the SignIn Orchestrator.
type Engine struct {
	Providers   *provider.Registry
	Sessions    *session.Manager
	RefreshTree *refreshtree.Tree
	Linker      *linker.Linker
	Codes       *verifycode.Store
	OAuth       *oauthflow.Machine
	Limiter     *ratelimit.Limiter

	CallbackURLFor func(providerID string) string

	Now func() time.Time
}

func New(providers *provider.Registry, sessions *session.Manager, tree *refreshtree.Tree, l *linker.Linker, codes *verifycode.Store, oauth *oauthflow.Machine, limiter *ratelimit.Limiter, callbackURLFor func(string) string, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		Providers:      providers,
		Sessions:       sessions,
		RefreshTree:    tree,
		Linker:         l,
		Codes:          codes,
		OAuth:          oauth,
		Limiter:        limiter,
		CallbackURLFor: callbackURLFor,
		Now:            now,
	}
}

// SignIn implements spec §4.1's dispatch rules in order.
func (e *Engine) SignIn(ctx context.Context, s storage.Store, providerID string, params Params, refreshToken string) (Result, error) {
	// Rule 1: provider == nil && refreshToken != nil.
	if providerID == "" && refreshToken != "" {
		res, err := e.RefreshTree.Exchange(ctx, s, refreshToken)
		if err != nil {
			return Result{}, err
		}
		if res == nil {
			return Result{TokensAttempted: true}, nil
		}
		return Result{Tokens: &Tokens{AccessToken: res.AccessToken, AccessTokenExpiry: res.AccessTokenExpiry, RefreshToken: res.RefreshToken}}, nil
	}

	// Rule 2: provider == nil && params.code != nil.
	if providerID == "" && params.Code != "" {
		return e.verifyCodeAndSignIn(ctx, s, "", params)
	}

	p, ok := e.Providers.Get(providerID)
	if !ok {
		return Result{}, apperr.New(apperr.AccountNotFound, "unknown provider %s", providerID)
	}

	switch p.Type() {
	case provider.TypeEmail, provider.TypePhone:
		if params.Code != "" {
			return e.verifyCodeAndSignIn(ctx, s, providerID, params)
		}
		return e.startOTP(ctx, s, p.(provider.OTPProvider), params)

	case provider.TypeCredentials:
		cp := p.(provider.CredentialsProvider)
		userID, sessionID, ok, err := cp.Authorize(ctx, s, params.Fields)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{TokensAttempted: true}, nil
		}
		tokens, err := e.mintForUser(ctx, s, userID, sessionID)
		if err != nil {
			return Result{}, err
		}
		return Result{Tokens: tokens}, nil

	case provider.TypeOAuth, provider.TypeOIDC:
		if params.Code != "" {
			return e.verifyCodeAndSignIn(ctx, s, providerID, params)
		}
		fp := p.(provider.FederatedProvider)
		redirectURI := e.CallbackURLFor(providerID)
		authURL, verifier, err := e.OAuth.Begin(ctx, s, fp, redirectURI)
		if err != nil {
			return Result{}, err
		}
		return Result{Redirect: authURL, Verifier: verifier}, nil
	}

	return Result{}, apperr.New(apperr.Internal, "unsupported provider type %s", p.Type())
}

// HandleOAuthCallback implements spec §4.6's callback; it is invoked by the
// HTTP layer, not through SignIn, since it carries an *http.Request rather
// than Params.
func (e *Engine) HandleOAuthCallback(ctx context.Context, s storage.Store, providerID string, r *http.Request) (redirectURL string) {
	p, ok := e.Providers.Get(providerID)
	if !ok {
		url, _ := e.OAuth.RedirectURL("", "")
		return url
	}
	fp, ok := p.(provider.FederatedProvider)
	if !ok {
		url, _ := e.OAuth.RedirectURL("", "")
		return url
	}

	redirectURI := e.CallbackURLFor(providerID)
	code, ok := e.OAuth.Callback(ctx, s, fp, r, redirectURI)
	if !ok {
		url, _ := e.OAuth.RedirectURL("", "")
		return url
	}
	url, _ := e.OAuth.RedirectURL("", code)
	return url
}

func (e *Engine) startOTP(ctx context.Context, s storage.Store, p provider.OTPProvider, params Params) (Result, error) {
	identifier := params.Fields["email"]
	if p.Type() == provider.TypePhone {
		identifier = params.Fields["phone"]
	}
	identifier = p.NormalizeIdentifier(identifier)

	existing, err := e.resolveAccountForIdentity(ctx, s, p.ID(), identifier)
	if err != nil {
		return Result{}, err
	}

	accountID := existing
	if accountID == "" {
		profile := linker.Profile{}
		if p.Type() == provider.TypeEmail {
			profile.Email, profile.EmailVerified = identifier, false
		} else {
			profile.Phone, profile.PhoneVerified = identifier, false
		}
		linked, err := e.Linker.Upsert(ctx, s, linker.Request{
			Provider:          p.ID(),
			ProviderType:      string(p.Type()),
			ProviderAccountID: identifier,
			Profile:           profile,
			Now:               e.Now(),
		})
		if err != nil {
			return Result{}, err
		}
		accountID = linked.AccountID
	}

	code, err := randomDecimalCode(6)
	if err != nil {
		return Result{}, err
	}
	if custom := p.GenerateVerificationToken(); custom != "" {
		code = custom
	}

	expiry := e.Now().Add(time.Duration(p.MaxAge()) * time.Second)
	req := verifycode.IssueRequest{AccountID: accountID, Provider: p.ID(), CodeMaterial: code, Expiry: expiry}
	if p.Type() == provider.TypeEmail {
		req.EmailToVerify = identifier
	} else {
		req.PhoneToVerify = identifier
	}
	if _, err := e.Codes.Issue(ctx, s, req); err != nil {
		return Result{}, err
	}

	if err := p.SendVerificationRequest(ctx, provider.DeliveryRequest{Identifier: identifier, Token: code, MaxAge: p.MaxAge()}); err != nil {
		return Result{}, err
	}

	return Result{Started: true}, nil
}

func (e *Engine) resolveAccountForIdentity(ctx context.Context, s storage.Store, providerID, identifier string) (string, error) {
	account, err := s.GetAccountByProvider(ctx, providerID, identifier)
	if err == storage.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return account.ID, nil
}

func (e *Engine) verifyCodeAndSignIn(ctx context.Context, s storage.Store, providerID string, params Params) (Result, error) {
	account, err := e.Codes.Consume(ctx, s, providerID, params.Code, verifycode.ConsumeParams{
		Email: params.Fields["email"],
		Phone: params.Fields["phone"],
	})
	if apperr.Is(err, apperr.InvalidCode) || apperr.Is(err, apperr.ExpiredCode) || apperr.Is(err, apperr.ProviderMismatch) {
		return Result{TokensAttempted: true}, nil
	}
	if err != nil {
		return Result{}, err
	}

	tokens, err := e.mintForUser(ctx, s, account.UserID, "")
	if err != nil {
		return Result{}, err
	}
	return Result{Tokens: tokens}, nil
}

func (e *Engine) mintForUser(ctx context.Context, s storage.Store, userID, sessionID string) (*Tokens, error) {
	sess, err := e.sessionFor(ctx, s, userID, sessionID)
	if err != nil {
		return nil, err
	}
	refresh, err := e.RefreshTree.NewRoot(ctx, s, sess)
	if err != nil {
		return nil, err
	}
	access, expiry, err := e.Sessions.MintAccessToken(ctx, sess.UserID, sess.ID)
	if err != nil {
		return nil, err
	}
	return &Tokens{AccessToken: access, AccessTokenExpiry: expiry, RefreshToken: refresh}, nil
}

func (e *Engine) sessionFor(ctx context.Context, s storage.Store, userID, sessionID string) (storage.Session, error) {
	if sessionID != "" {
		return s.GetSession(ctx, sessionID)
	}
	return e.Sessions.Create(ctx, s, userID)
}

func randomDecimalCode(digits int) (string, error) {
	const charset = "0123456789"
	buf := make([]byte, digits)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, digits)
	for i, b := range buf {
		out[i] = charset[int(b)%len(charset)]
	}
	return string(out), nil
}
