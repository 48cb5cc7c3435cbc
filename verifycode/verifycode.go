// Package verifycode implements the Verification-Code Store (spec §4.2): a
// single active code per account, hashed at rest when short, consumed once.
package verifycode

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"strings"
	"time"

	"github.com/fluxauth/core/apperr"
	"github.com/fluxauth/core/ratelimit"
	"github.com/fluxauth/core/storage"
)

// ShortCodeMaxLen is the threshold above which code material is stored raw
// instead of hashed (spec §4.2: "≤ 24 chars").
const ShortCodeMaxLen = 24

// Store issues and consumes verification codes.
type Store struct {
	// SecretKey HMACs short code material at rest (spec §9: "keyed HMAC...
	// resists store-dump disclosure").
	SecretKey []byte
	Limiter   *ratelimit.Limiter
	Now       func() time.Time
}

// New builds a Store. secretKey is the process-wide server secret (spec §5).
func New(secretKey []byte, limiter *ratelimit.Limiter, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{SecretKey: secretKey, Limiter: limiter, Now: now}
}

// IssueRequest is the input to Issue.
type IssueRequest struct {
	AccountID     string
	Provider      string
	CodeMaterial  string
	Expiry        time.Time
	PKCEVerifier  string
	EmailToVerify string
	PhoneToVerify string
	// ForceHash lets a provider's generateVerificationToken callback
	// force hash-vs-raw storage regardless of ShortCodeMaxLen.
	ForceHash *bool
}

func (s *Store) hash(material string) []byte {
	mac := hmac.New(sha256.New, s.SecretKey)
	mac.Write([]byte(material))
	return mac.Sum(nil)
}

// Issue deletes any prior unconsumed code for the account and inserts a new
// one, returning the identifier (email/phone) the caller should deliver the
// code to.
func (s *Store) Issue(ctx context.Context, st storage.Store, req IssueRequest) (string, error) {
	if err := st.DeleteVerificationCodesForAccount(ctx, req.AccountID); err != nil {
		return "", err
	}

	shouldHash := len(req.CodeMaterial) <= ShortCodeMaxLen
	if req.ForceHash != nil {
		shouldHash = *req.ForceHash
	}

	var stored []byte
	if shouldHash {
		stored = s.hash(req.CodeMaterial)
	} else {
		stored = []byte(req.CodeMaterial)
	}

	row := storage.VerificationCode{
		AccountID:      req.AccountID,
		Provider:       req.Provider,
		Hash:           stored,
		PKCEVerifier:   req.PKCEVerifier,
		EmailToVerify:  req.EmailToVerify,
		PhoneToVerify:  req.PhoneToVerify,
		ExpirationTime: req.Expiry,
		CreationTime:   s.Now(),
	}
	if _, err := st.InsertVerificationCode(ctx, row); err != nil {
		return "", err
	}

	if req.EmailToVerify != "" {
		return req.EmailToVerify, nil
	}
	return req.PhoneToVerify, nil
}

// ConsumeParams carries the caller-supplied values a code's
// email/phone-to-verify is checked against.
type ConsumeParams struct {
	Email string
	Phone string
}

// Consume looks up a code by its hash (or, for long raw-stored codes, by its
// raw value), validates it, deletes it, and returns the bound account. The
// rate-limit bucket is checked before the code itself is validated, not
// after: any failure past that point still increments it, keyed by the
// account. A code that matches no row is penalized under a provider+code
// key instead; that key differs for every guessed code and is never checked,
// so unmatched guesses are not throttled.
func (s *Store) Consume(ctx context.Context, st storage.Store, provider, code string, params ConsumeParams) (storage.Account, error) {
	row, err := st.GetVerificationCodeByHash(ctx, s.hash(code))
	if err != nil {
		row, err = st.GetVerificationCodeByHash(ctx, []byte(code))
	}
	if err != nil {
		s.penalize(ctx, st, "code:"+provider+":"+code)
		return storage.Account{}, apperr.New(apperr.InvalidCode, "no such verification code")
	}

	if s.Limiter != nil {
		if err := s.Limiter.Check(ctx, st, row.AccountID); err != nil {
			return storage.Account{}, err
		}
	}

	// An empty provider is the Rule-2 provider-less contract (the caller
	// submits a bare code without knowing which provider issued it); only a
	// non-empty, mismatching provider is rejected.
	if provider != "" && row.Provider != provider {
		s.penalize(ctx, st, row.AccountID)
		return storage.Account{}, apperr.New(apperr.ProviderMismatch, "code was issued for provider %s, not %s", row.Provider, provider)
	}

	if !row.ExpirationTime.After(s.Now()) {
		s.penalize(ctx, st, row.AccountID)
		return storage.Account{}, apperr.New(apperr.ExpiredCode, "verification code expired")
	}

	if row.EmailToVerify != "" && !strings.EqualFold(row.EmailToVerify, params.Email) {
		s.penalize(ctx, st, row.AccountID)
		return storage.Account{}, apperr.New(apperr.InvalidCode, "email does not match issued code")
	}
	if row.PhoneToVerify != "" && row.PhoneToVerify != params.Phone {
		s.penalize(ctx, st, row.AccountID)
		return storage.Account{}, apperr.New(apperr.InvalidCode, "phone does not match issued code")
	}

	if err := st.DeleteVerificationCode(ctx, row.ID); err != nil {
		return storage.Account{}, err
	}

	account, err := st.GetAccount(ctx, row.AccountID)
	if err != nil {
		return storage.Account{}, apperr.New(apperr.AccountDeleted, "account for verification code no longer exists")
	}

	if s.Limiter != nil {
		_ = s.Limiter.Reset(ctx, st, row.AccountID)
	}
	return account, nil
}

func (s *Store) penalize(ctx context.Context, st storage.Store, identifier string) {
	if s.Limiter == nil {
		return
	}
	_ = s.Limiter.Consume(ctx, st, identifier)
}
