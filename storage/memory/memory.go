// Package memory provides an in-memory Backend/Store implementation, the
// reference datastore used by this module's own tests and by small
// deployments that don't need durability across restarts.
package memory

import (
	"context"
	"maps"
	"strings"
	"sync"

	"github.com/fluxauth/core/storage"
)

var _ storage.Backend = (*Backend)(nil)

// Backend is an in-memory storage.Backend. All state lives in process
// memory behind a single mutex; WithTx holds that mutex for the duration of
// the callback, which is what gives us the serializable-transaction
// contract storage.Backend promises.
type Backend struct {
	mu sync.Mutex

	users    map[string]storage.User
	accounts map[string]storage.Account
	sessions map[string]storage.Session
	refresh  map[string]storage.RefreshToken
	vcodes   map[string]storage.VerificationCode
	verifiers map[string]storage.Verifier
	rateLimits map[string]storage.RateLimit
}

// New returns an empty in-memory Backend.
func New() *Backend {
	return &Backend{
		users:      make(map[string]storage.User),
		accounts:   make(map[string]storage.Account),
		sessions:   make(map[string]storage.Session),
		refresh:    make(map[string]storage.RefreshToken),
		vcodes:     make(map[string]storage.VerificationCode),
		verifiers:  make(map[string]storage.Verifier),
		rateLimits: make(map[string]storage.RateLimit),
	}
}

func (b *Backend) Close() error { return nil }

// WithTx serializes all access behind the Backend's mutex: exactly the
// "single serializable transaction per request" contract storage.Backend
// requires, at the cost of not allowing concurrent transactions to
// interleave - acceptable for a reference/test backend. When fn returns an
// error, every table is restored to its state before the call.
func (b *Backend) WithTx(ctx context.Context, fn func(ctx context.Context, s storage.Store) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	users, accounts, sessions := maps.Clone(b.users), maps.Clone(b.accounts), maps.Clone(b.sessions)
	refresh, vcodes := maps.Clone(b.refresh), maps.Clone(b.vcodes)
	verifiers, rateLimits := maps.Clone(b.verifiers), maps.Clone(b.rateLimits)
	err := fn(ctx, &memStore{b: b})
	if err != nil {
		b.users, b.accounts, b.sessions = users, accounts, sessions
		b.refresh, b.vcodes = refresh, vcodes
		b.verifiers, b.rateLimits = verifiers, rateLimits
	}
	return err
}

type memStore struct {
	b *Backend
}

func cloneAccount(a storage.Account) storage.Account { return a }

func (s *memStore) InsertUser(ctx context.Context, u storage.User) (storage.User, error) {
	if u.ID == "" {
		u.ID = storage.NewID()
	}
	if _, ok := s.b.users[u.ID]; ok {
		return storage.User{}, storage.ErrAlreadyExists
	}
	s.b.users[u.ID] = u
	return u, nil
}

func (s *memStore) GetUser(ctx context.Context, id string) (storage.User, error) {
	u, ok := s.b.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *memStore) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	email = strings.ToLower(email)
	for _, u := range s.b.users {
		if strings.ToLower(u.Email) == email {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (s *memStore) GetUserByPhone(ctx context.Context, phone string) (storage.User, error) {
	for _, u := range s.b.users {
		if u.Phone == phone {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (s *memStore) PatchUser(ctx context.Context, id string, patch func(storage.User) storage.User) (storage.User, error) {
	u, ok := s.b.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	u = patch(u)
	u.ID = id
	s.b.users[id] = u
	return u, nil
}

func (s *memStore) InsertAccount(ctx context.Context, a storage.Account) (storage.Account, error) {
	if a.ID == "" {
		a.ID = storage.NewID()
	}
	if _, ok := s.b.accounts[a.ID]; ok {
		return storage.Account{}, storage.ErrAlreadyExists
	}
	for _, other := range s.b.accounts {
		if other.Provider == a.Provider && other.ProviderAccountID == a.ProviderAccountID {
			return storage.Account{}, storage.ErrAlreadyExists
		}
	}
	s.b.accounts[a.ID] = a
	return a, nil
}

func (s *memStore) GetAccount(ctx context.Context, id string) (storage.Account, error) {
	a, ok := s.b.accounts[id]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *memStore) GetAccountByProvider(ctx context.Context, provider, providerAccountID string) (storage.Account, error) {
	for _, a := range s.b.accounts {
		if a.Provider == provider && a.ProviderAccountID == providerAccountID {
			return a, nil
		}
	}
	return storage.Account{}, storage.ErrNotFound
}

func (s *memStore) ListAccountsByUser(ctx context.Context, userID string) ([]storage.Account, error) {
	var out []storage.Account
	for _, a := range s.b.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) PatchAccount(ctx context.Context, id string, patch func(storage.Account) storage.Account) (storage.Account, error) {
	a, ok := s.b.accounts[id]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	a = patch(cloneAccount(a))
	a.ID = id
	s.b.accounts[id] = a
	return a, nil
}

func (s *memStore) InsertSession(ctx context.Context, sess storage.Session) (storage.Session, error) {
	if sess.ID == "" {
		sess.ID = storage.NewID()
	}
	if _, ok := s.b.sessions[sess.ID]; ok {
		return storage.Session{}, storage.ErrAlreadyExists
	}
	s.b.sessions[sess.ID] = sess
	return sess, nil
}

func (s *memStore) GetSession(ctx context.Context, id string) (storage.Session, error) {
	sess, ok := s.b.sessions[id]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (s *memStore) DeleteSession(ctx context.Context, id string) error {
	delete(s.b.sessions, id)
	return nil
}

func (s *memStore) InsertRefreshToken(ctx context.Context, r storage.RefreshToken) (storage.RefreshToken, error) {
	if r.ID == "" {
		r.ID = storage.NewID()
	}
	if _, ok := s.b.refresh[r.ID]; ok {
		return storage.RefreshToken{}, storage.ErrAlreadyExists
	}
	s.b.refresh[r.ID] = r
	return r, nil
}

func (s *memStore) GetRefreshToken(ctx context.Context, id string) (storage.RefreshToken, error) {
	r, ok := s.b.refresh[id]
	if !ok {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *memStore) ListRefreshTokensBySession(ctx context.Context, sessionID string) ([]storage.RefreshToken, error) {
	var out []storage.RefreshToken
	for _, r := range s.b.refresh {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) PatchRefreshToken(ctx context.Context, id string, patch func(storage.RefreshToken) storage.RefreshToken) (storage.RefreshToken, error) {
	r, ok := s.b.refresh[id]
	if !ok {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	r = patch(r)
	r.ID = id
	s.b.refresh[id] = r
	return r, nil
}

func (s *memStore) DeleteAllRefreshTokensForSession(ctx context.Context, sessionID string) error {
	for id, r := range s.b.refresh {
		if r.SessionID == sessionID {
			delete(s.b.refresh, id)
		}
	}
	return nil
}

func (s *memStore) InsertVerificationCode(ctx context.Context, v storage.VerificationCode) (storage.VerificationCode, error) {
	if v.ID == "" {
		v.ID = storage.NewID()
	}
	s.b.vcodes[v.ID] = v
	return v, nil
}

func (s *memStore) GetVerificationCodeByHash(ctx context.Context, hash []byte) (storage.VerificationCode, error) {
	for _, v := range s.b.vcodes {
		if string(v.Hash) == string(hash) {
			return v, nil
		}
	}
	return storage.VerificationCode{}, storage.ErrNotFound
}

func (s *memStore) DeleteVerificationCodesForAccount(ctx context.Context, accountID string) error {
	for id, v := range s.b.vcodes {
		if v.AccountID == accountID {
			delete(s.b.vcodes, id)
		}
	}
	return nil
}

func (s *memStore) DeleteVerificationCode(ctx context.Context, id string) error {
	delete(s.b.vcodes, id)
	return nil
}

func (s *memStore) InsertVerifier(ctx context.Context, v storage.Verifier) (storage.Verifier, error) {
	if v.ID == "" {
		v.ID = storage.NewID()
	}
	s.b.verifiers[v.ID] = v
	return v, nil
}

func (s *memStore) GetVerifierBySignature(ctx context.Context, signature string) (storage.Verifier, error) {
	for _, v := range s.b.verifiers {
		if v.Signature == signature {
			return v, nil
		}
	}
	return storage.Verifier{}, storage.ErrNotFound
}

func (s *memStore) DeleteVerifier(ctx context.Context, id string) error {
	delete(s.b.verifiers, id)
	return nil
}

func (s *memStore) GetRateLimit(ctx context.Context, identifier string) (storage.RateLimit, bool, error) {
	r, ok := s.b.rateLimits[identifier]
	return r, ok, nil
}

func (s *memStore) PutRateLimit(ctx context.Context, r storage.RateLimit) error {
	s.b.rateLimits[r.Identifier] = r
	return nil
}
