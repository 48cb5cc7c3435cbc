// Package storage defines the transactional datastore contract the core
// depends on. The core never talks to a concrete database; every mutating
// operation runs through a Store acquired from a Backend, and the Backend is
// responsible for serializable per-request transaction semantics.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get/lookup operations when no row matches.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned by Create operations that collide with an
// existing unique key (e.g. a duplicate (provider, providerAccountId) pair).
var ErrAlreadyExists = errors.New("storage: already exists")

// Lower-case, unpadded base32: safe to embed in URLs and case-insensitive
// identifiers without surprising collisions.
var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// NewID returns a random opaque identifier suitable for any row's primary key.
func NewID() string {
	return newSecureID(16)
}

func newSecureID(n int) string {
	var buf []byte
	if n == 16 {
		// The common case (NewID's size) draws its randomness from a v4 UUID
		// rather than a bare crypto/rand read; idEncoding re-encodes those bytes
		// into this package's own alphabet, so callers never see UUID's
		// hyphenated form.
		id := uuid.New()
		buf = id[:]
	} else {
		buf = make([]byte, n)
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			panic(err)
		}
	}
	// IDs never start with a digit so they can't be mistaken for numeric IDs
	// by storage backends that are picky about that (e.g. Kubernetes names).
	return string(buf[0]%26+'a') + strings.ToLower(idEncoding.EncodeToString(buf[1:]))
}

// User is an application identity. The core never deletes a User; that is
// left to application code.
type User struct {
	ID    string
	Email string
	Phone string

	EmailVerificationTime time.Time
	PhoneVerificationTime time.Time

	Name      string
	Image     string
	IsAnonymous bool

	CreationTime time.Time
}

// Account binds one external identity (Provider + ProviderAccountID) to a User.
type Account struct {
	ID              string
	UserID          string
	Provider        string
	ProviderAccountID string

	// SecretHash holds a password/KDF hash for `credentials`-type providers.
	// Empty for providers that never issue a local secret.
	SecretHash []byte

	EmailVerificationTime time.Time
	PhoneVerificationTime time.Time

	CreationTime time.Time
}

// Session is a long-lived authentication grant, parent of a RefreshToken tree.
type Session struct {
	ID             string
	UserID         string
	ExpirationTime time.Time
	CreationTime   time.Time
}

// RefreshToken is a single node in a session's refresh-token tree.
type RefreshToken struct {
	ID                 string
	SessionID          string
	ExpirationTime     time.Time
	FirstUsedTime      time.Time // zero value means "never used"
	ParentRefreshTokenID string  // empty for the tree's root
	CreationTime       time.Time
}

// Active reports whether the token may still be exchanged: unused and unexpired.
func (r RefreshToken) Active(now time.Time) bool {
	return r.FirstUsedTime.IsZero() && r.ExpirationTime.After(now)
}

// VerificationCode is a single-use challenge: an OTP, a magic-link token, or
// an OAuth-handoff code.
type VerificationCode struct {
	ID       string
	AccountID string
	Provider string

	// Hash is HMAC(serverSecret, code) for short human-typed codes. Long PKCE
	// verifiers are stored raw in Hash (no hashing gains anything there).
	Hash []byte

	PKCEVerifier string

	EmailToVerify string
	PhoneToVerify string

	ExpirationTime time.Time
	CreationTime   time.Time
}

// Verifier is the transient PKCE + state + nonce holder for an in-flight
// OAuth redirect.
type Verifier struct {
	ID        string
	Signature string // indexed; the value bound into the outbound redirect

	SessionID string // set only when linking onto an existing session

	State        string
	Nonce        string
	PKCEVerifier string
	ProviderID   string
	RedirectTo   string

	CreationTime time.Time
}

// RateLimit is the per-identifier sliding-window bucket described in spec §4.7.
type RateLimit struct {
	Identifier      string
	AttemptsLeft    float64
	LastAttemptTime time.Time
}

// Store is the transactional datastore contract. A single Store value is
// scoped to one request-level transaction: every call through it is part of
// the same serializable commit, and trigger.Dispatcher's wrapper (see
// package trigger) wraps it without changing this contract.
type Store interface {
	// Users
	InsertUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByPhone(ctx context.Context, phone string) (User, error)
	PatchUser(ctx context.Context, id string, patch func(User) User) (User, error)

	// Accounts
	InsertAccount(ctx context.Context, a Account) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	GetAccountByProvider(ctx context.Context, provider, providerAccountID string) (Account, error)
	ListAccountsByUser(ctx context.Context, userID string) ([]Account, error)
	PatchAccount(ctx context.Context, id string, patch func(Account) Account) (Account, error)

	// Sessions
	InsertSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Refresh tokens
	InsertRefreshToken(ctx context.Context, r RefreshToken) (RefreshToken, error)
	GetRefreshToken(ctx context.Context, id string) (RefreshToken, error)
	ListRefreshTokensBySession(ctx context.Context, sessionID string) ([]RefreshToken, error)
	PatchRefreshToken(ctx context.Context, id string, patch func(RefreshToken) RefreshToken) (RefreshToken, error)
	DeleteAllRefreshTokensForSession(ctx context.Context, sessionID string) error

	// Verification codes
	InsertVerificationCode(ctx context.Context, v VerificationCode) (VerificationCode, error)
	GetVerificationCodeByHash(ctx context.Context, hash []byte) (VerificationCode, error)
	DeleteVerificationCodesForAccount(ctx context.Context, accountID string) error
	DeleteVerificationCode(ctx context.Context, id string) error

	// Verifiers
	InsertVerifier(ctx context.Context, v Verifier) (Verifier, error)
	GetVerifierBySignature(ctx context.Context, signature string) (Verifier, error)
	DeleteVerifier(ctx context.Context, id string) error

	// Rate limits
	GetRateLimit(ctx context.Context, identifier string) (RateLimit, bool, error)
	PutRateLimit(ctx context.Context, r RateLimit) error
}

// Backend opens request-scoped Stores that share the underlying data.
// Implementations must run every Store's lifetime of calls inside one
// serializable transaction and commit atomically when the request finishes
// without error (see spec §5).
type Backend interface {
	// WithTx runs fn against a Store scoped to a single transaction. If fn
	// returns an error the transaction is rolled back; otherwise it commits
	// before WithTx returns.
	WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
	Close() error
}
