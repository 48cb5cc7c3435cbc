// Package linker implements the Account & User Linker (spec §4.5): the
// rules deciding whether a new external identity merges into an existing
// user or creates a new one.
package linker

import (
	"context"
	"strings"
	"time"

	"github.com/fluxauth/core/storage"
)

// Profile is the normalized identity handed back by a provider's profile()
// callback (spec §4.6 step 4): `{id, ...fields}`.
type Profile struct {
	Email         string
	EmailVerified bool
	Phone         string
	PhoneVerified bool
	Name          string
	Image         string
}

// Request is the input to Upsert.
type Request struct {
	// ExistingAccount is set when the caller already resolved a concrete
	// account row (e.g. a credentials sign-in); nil means "no prior account".
	ExistingAccount *storage.Account

	Provider          string
	ProviderType      string // "oauth", "oidc", "email", "phone", "credentials"
	ProviderAccountID string
	SecretHash        []byte

	Profile Profile

	// AllowDangerousEmailAccountLinking mirrors the per-provider OAuth/OIDC
	// setting (spec §4.5 step 2); defaults to true when nil, per spec's
	// "intentionally opt-out" default (spec §REDESIGN FLAGS).
	AllowDangerousEmailAccountLinking *bool

	// CreateOrUpdateUser, if set, replaces steps 2-6 entirely (spec §4.5
	// step 7): it receives the same Request and returns the resolved userID.
	CreateOrUpdateUser func(ctx context.Context, s storage.Store, req Request) (string, error)

	// AfterUserCreatedOrUpdated, if set, is invoked with
	// (userID, existingOrLinkedUserID, req) after the user row is settled
	// (spec §4.5 step 8).
	AfterUserCreatedOrUpdated func(ctx context.Context, s storage.Store, userID, existingOrLinkedUserID string, req Request)

	Now time.Time
}

// Result is what Upsert resolves to.
type Result struct {
	UserID    string
	AccountID string
}

// Linker resolves the user/account pair for a sign-in attempt.
type Linker struct{}

// New builds a Linker. It has no state: every dependency travels through
// Request/Store so multiple deployments can share one process.
func New() *Linker { return &Linker{} }

// Upsert implements spec §4.5's upsertUserAndAccount.
func (l *Linker) Upsert(ctx context.Context, s storage.Store, req Request) (Result, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	var existingUserID string
	if req.ExistingAccount != nil {
		existingUserID = req.ExistingAccount.UserID
	}

	var userID string
	var emailLinked, phoneLinked bool

	if req.CreateOrUpdateUser != nil {
		id, err := req.CreateOrUpdateUser(ctx, s, req)
		if err != nil {
			return Result{}, err
		}
		userID = id
	} else {
		userID = existingUserID

		if userID == "" {
			emailCandidate, err := l.emailCandidate(ctx, s, req)
			if err != nil {
				return Result{}, err
			}
			phoneCandidate, err := l.phoneCandidate(ctx, s, req)
			if err != nil {
				return Result{}, err
			}

			switch {
			case emailCandidate != "" && phoneCandidate != "" && emailCandidate != phoneCandidate:
				// Conflicting candidates: create a new user rather than guess.
			case emailCandidate != "":
				userID, emailLinked = emailCandidate, true
			case phoneCandidate != "":
				userID, phoneLinked = phoneCandidate, true
			}
		}

		patch := func(u storage.User) storage.User {
			if req.Profile.Email != "" {
				u.Email = strings.ToLower(req.Profile.Email)
			}
			if req.Profile.Phone != "" {
				u.Phone = req.Profile.Phone
			}
			if req.Profile.Name != "" {
				u.Name = req.Profile.Name
			}
			if req.Profile.Image != "" {
				u.Image = req.Profile.Image
			}
			if l.emailVerified(req) || emailLinked {
				u.EmailVerificationTime = now
			}
			if l.phoneVerified(req) || phoneLinked {
				u.PhoneVerificationTime = now
			}
			return u
		}

		if userID != "" {
			updated, err := s.PatchUser(ctx, userID, patch)
			if err != nil {
				return Result{}, err
			}
			userID = updated.ID
		} else {
			created, err := s.InsertUser(ctx, patch(storage.User{CreationTime: now}))
			if err != nil {
				return Result{}, err
			}
			userID = created.ID
		}
	}

	if req.AfterUserCreatedOrUpdated != nil {
		req.AfterUserCreatedOrUpdated(ctx, s, userID, existingUserID, req)
	}

	accountID, err := l.upsertAccount(ctx, s, req, userID, now)
	if err != nil {
		return Result{}, err
	}

	return Result{UserID: userID, AccountID: accountID}, nil
}

// emailVerified applies spec §4.5 step 2's verified-email test.
func (l *Linker) emailVerified(req Request) bool {
	if req.Profile.Email == "" {
		return false
	}
	if req.Profile.EmailVerified {
		return true
	}
	if req.ProviderType == "email" {
		return true
	}
	if req.ProviderType == "oauth" || req.ProviderType == "oidc" {
		return req.AllowDangerousEmailAccountLinking == nil || *req.AllowDangerousEmailAccountLinking
	}
	return false
}

func (l *Linker) phoneVerified(req Request) bool {
	if req.Profile.Phone == "" {
		return false
	}
	if req.Profile.PhoneVerified {
		return true
	}
	return req.ProviderType == "phone"
}

// emailCandidate returns the ID of the user that storage.Store.GetUserByEmail
// finds for the profile's lower-cased email, or "" when the email is not
// verified, no user has it, or that user's email is unverified. It makes a
// single lookup: when several users share the email, one of them is returned
// and the ambiguity is not detected.
func (l *Linker) emailCandidate(ctx context.Context, s storage.Store, req Request) (string, error) {
	if !l.emailVerified(req) {
		return "", nil
	}
	u, err := s.GetUserByEmail(ctx, strings.ToLower(req.Profile.Email))
	if err == storage.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if u.EmailVerificationTime.IsZero() {
		return "", nil
	}
	return u.ID, nil
}

func (l *Linker) phoneCandidate(ctx context.Context, s storage.Store, req Request) (string, error) {
	if !l.phoneVerified(req) {
		return "", nil
	}
	u, err := s.GetUserByPhone(ctx, req.Profile.Phone)
	if err == storage.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if u.PhoneVerificationTime.IsZero() {
		return "", nil
	}
	return u.ID, nil
}

// upsertAccount implements spec §4.5 step 9.
func (l *Linker) upsertAccount(ctx context.Context, s storage.Store, req Request, userID string, now time.Time) (string, error) {
	providerAccountID := req.ProviderAccountID
	if req.ProviderType == "email" {
		providerAccountID = strings.ToLower(providerAccountID)
	}

	if req.ExistingAccount != nil {
		existing := *req.ExistingAccount
		updated, err := s.PatchAccount(ctx, existing.ID, func(a storage.Account) storage.Account {
			if a.UserID != userID {
				a.UserID = userID
			}
			if l.emailVerified(req) {
				a.EmailVerificationTime = now
			}
			if l.phoneVerified(req) {
				a.PhoneVerificationTime = now
			}
			return a
		})
		if err != nil {
			return "", err
		}
		return updated.ID, nil
	}

	account := storage.Account{
		UserID:            userID,
		Provider:          req.Provider,
		ProviderAccountID: providerAccountID,
		SecretHash:        req.SecretHash,
		CreationTime:      now,
	}
	if l.emailVerified(req) {
		account.EmailVerificationTime = now
	}
	if l.phoneVerified(req) {
		account.PhoneVerificationTime = now
	}

	created, err := s.InsertAccount(ctx, account)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}
