// Package password is the "credentials"-type provider for email+password
// sign-up/sign-in (spec §8 scenario 1), hashing secrets with argon2id per
// spec §9's "password secrets must go through a password KDF".
package password

import (
	"context"
	"strings"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/bcrypt"

	"github.com/fluxauth/core/apperr"
	"github.com/fluxauth/core/linker"
	"github.com/fluxauth/core/provider"
	"github.com/fluxauth/core/ratelimit"
	"github.com/fluxauth/core/storage"
)

// bcryptPrefixes are the cost-tag prefixes bcrypt hashes start with, the
// same set server/api.go uses to recognize a pre-argon2id secret stored by
// an older deployment.
var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

func looksLikeBcrypt(hash string) bool {
	for _, p := range bcryptPrefixes {
		if strings.HasPrefix(hash, p) {
			return true
		}
	}
	return false
}

const ProviderID = "password"

// Params is the flattened form of spec §4.1 step 4's params map for this provider.
type Params struct {
	Email    string
	Password string
	Flow     string // "signUp" or "signIn"
}

// Provider implements provider.CredentialsProvider.
type Provider struct {
	Linker  *linker.Linker
	Limiter *ratelimit.Limiter
}

func New(l *linker.Linker, limiter *ratelimit.Limiter) *Provider {
	return &Provider{Linker: l, Limiter: limiter}
}

var _ provider.CredentialsProvider = (*Provider)(nil)

func (p *Provider) ID() string          { return ProviderID }
func (p *Provider) Type() provider.Type { return provider.TypeCredentials }

// Authorize implements spec §4.1 step 4 / §8 scenario 1: signUp creates a
// new password account (AccountExists if one is already bound to the
// email); signIn verifies the stored argon2id hash.
func (p *Provider) Authorize(ctx context.Context, s storage.Store, params map[string]string) (string, string, bool, error) {
	req := Params{
		Email:    strings.ToLower(params["email"]),
		Password: params["password"],
		Flow:     params["flow"],
	}

	switch req.Flow {
	case "signUp":
		return p.signUp(ctx, s, req)
	default:
		return p.signIn(ctx, s, req)
	}
}

func (p *Provider) signUp(ctx context.Context, s storage.Store, req Params) (string, string, bool, error) {
	if _, err := s.GetAccountByProvider(ctx, ProviderID, req.Email); err == nil {
		return "", "", false, apperr.New(apperr.AccountExists, "an account already exists for %s", req.Email)
	} else if err != storage.ErrNotFound {
		return "", "", false, err
	}

	hash, err := argon2id.CreateHash(req.Password, argon2id.DefaultParams)
	if err != nil {
		return "", "", false, err
	}

	result, err := p.Linker.Upsert(ctx, s, linker.Request{
		Provider:          ProviderID,
		ProviderType:      "credentials",
		ProviderAccountID: req.Email,
		SecretHash:        []byte(hash),
		Profile:           linker.Profile{Email: req.Email, EmailVerified: false},
	})
	if err != nil {
		return "", "", false, err
	}
	return result.UserID, "", true, nil
}

func (p *Provider) signIn(ctx context.Context, s storage.Store, req Params) (string, string, bool, error) {
	account, err := s.GetAccountByProvider(ctx, ProviderID, req.Email)
	if err != nil {
		p.penalize(ctx, s, req.Email)
		return "", "", false, nil
	}

	if p.Limiter != nil {
		if err := p.Limiter.Check(ctx, s, account.ID); err != nil {
			return "", "", false, err
		}
	}

	hash := string(account.SecretHash)
	var match bool
	if looksLikeBcrypt(hash) {
		// A secret created before this deployment adopted argon2id; verify
		// against the legacy hash and transparently upgrade it on success.
		match = bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) == nil
		if match {
			if upgraded, err := argon2id.CreateHash(req.Password, argon2id.DefaultParams); err == nil {
				_, _ = s.PatchAccount(ctx, account.ID, func(a storage.Account) storage.Account {
					a.SecretHash = []byte(upgraded)
					return a
				})
			}
		}
	} else {
		var err error
		match, err = argon2id.ComparePasswordAndHash(req.Password, hash)
		if err != nil {
			match = false
		}
	}
	if !match {
		p.penalize(ctx, s, account.ID)
		return "", "", false, nil
	}

	if p.Limiter != nil {
		_ = p.Limiter.Reset(ctx, s, account.ID)
	}
	return account.UserID, "", true, nil
}

func (p *Provider) penalize(ctx context.Context, s storage.Store, key string) {
	if p.Limiter == nil {
		return
	}
	_ = p.Limiter.Consume(ctx, s, key)
}
