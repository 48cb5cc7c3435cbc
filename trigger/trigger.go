// Package trigger implements the Trigger Dispatcher (spec §4.8): observable
// lifecycle hooks on the auth tables, fired synchronously within the same
// transaction as the write that produced them.
package trigger

import (
	"context"

	"github.com/fluxauth/core/storage"
)

// Table enumerates the seven observable auth tables (spec §4.8: "only the
// auth tables... are observable").
type Table string

const (
	TableUsers             Table = "users"
	TableAccounts          Table = "accounts"
	TableSessions          Table = "sessions"
	TableRefreshTokens     Table = "refreshTokens"
	TableVerificationCodes Table = "verificationCodes"
	TableVerifiers         Table = "verifiers"
	TableRateLimits        Table = "rateLimits"
)

// Hooks holds the optional callbacks registered for one table.
type Hooks struct {
	OnCreate func(ctx context.Context, doc interface{})
	OnUpdate func(ctx context.Context, newDoc, oldDoc interface{})
	OnDelete func(ctx context.Context, id string, doc interface{})
}

// Dispatcher wraps a storage.Store, firing registered Hooks synchronously
// around each mutation. Hooks receive the context passed to the dispatcher's
// methods untouched — never one scoped to a nested Dispatcher — so recursive
// trigger firing (spec §9: "triggers receive the original, unwrapped
// context") is structurally impossible: a hook that calls back into the
// Dispatcher it's registered on would need the Dispatcher itself, which it
// is never handed.
type Dispatcher struct {
	storage.Store
	hooks map[Table]Hooks
}

// Wrap builds a Dispatcher around an unwrapped Store.
func Wrap(s storage.Store) *Dispatcher {
	return &Dispatcher{Store: s, hooks: make(map[Table]Hooks)}
}

// On registers hooks for a table, merging into anything already registered.
func (d *Dispatcher) On(t Table, h Hooks) {
	existing := d.hooks[t]
	if h.OnCreate != nil {
		existing.OnCreate = h.OnCreate
	}
	if h.OnUpdate != nil {
		existing.OnUpdate = h.OnUpdate
	}
	if h.OnDelete != nil {
		existing.OnDelete = h.OnDelete
	}
	d.hooks[t] = existing
}

func (d *Dispatcher) fireCreate(ctx context.Context, t Table, doc interface{}) {
	if h, ok := d.hooks[t]; ok && h.OnCreate != nil {
		h.OnCreate(ctx, doc)
	}
}

func (d *Dispatcher) fireUpdate(ctx context.Context, t Table, newDoc, oldDoc interface{}) {
	if h, ok := d.hooks[t]; ok && h.OnUpdate != nil {
		h.OnUpdate(ctx, newDoc, oldDoc)
	}
}

func (d *Dispatcher) fireDelete(ctx context.Context, t Table, id string, doc interface{}) {
	if h, ok := d.hooks[t]; ok && h.OnDelete != nil {
		h.OnDelete(ctx, id, doc)
	}
}

func (d *Dispatcher) InsertUser(ctx context.Context, u storage.User) (storage.User, error) {
	created, err := d.Store.InsertUser(ctx, u)
	if err == nil {
		d.fireCreate(ctx, TableUsers, created)
	}
	return created, err
}

func (d *Dispatcher) PatchUser(ctx context.Context, id string, patch func(storage.User) storage.User) (storage.User, error) {
	old, err := d.Store.GetUser(ctx, id)
	if err != nil {
		return storage.User{}, err
	}
	updated, err := d.Store.PatchUser(ctx, id, patch)
	if err == nil {
		d.fireUpdate(ctx, TableUsers, updated, old)
	}
	return updated, err
}

func (d *Dispatcher) InsertAccount(ctx context.Context, a storage.Account) (storage.Account, error) {
	created, err := d.Store.InsertAccount(ctx, a)
	if err == nil {
		d.fireCreate(ctx, TableAccounts, created)
	}
	return created, err
}

func (d *Dispatcher) PatchAccount(ctx context.Context, id string, patch func(storage.Account) storage.Account) (storage.Account, error) {
	old, err := d.Store.GetAccount(ctx, id)
	if err != nil {
		return storage.Account{}, err
	}
	updated, err := d.Store.PatchAccount(ctx, id, patch)
	if err == nil {
		d.fireUpdate(ctx, TableAccounts, updated, old)
	}
	return updated, err
}

func (d *Dispatcher) InsertSession(ctx context.Context, s storage.Session) (storage.Session, error) {
	created, err := d.Store.InsertSession(ctx, s)
	if err == nil {
		d.fireCreate(ctx, TableSessions, created)
	}
	return created, err
}

func (d *Dispatcher) DeleteSession(ctx context.Context, id string) error {
	old, getErr := d.Store.GetSession(ctx, id)
	err := d.Store.DeleteSession(ctx, id)
	if err == nil && getErr == nil {
		d.fireDelete(ctx, TableSessions, id, old)
	}
	return err
}

func (d *Dispatcher) InsertRefreshToken(ctx context.Context, r storage.RefreshToken) (storage.RefreshToken, error) {
	created, err := d.Store.InsertRefreshToken(ctx, r)
	if err == nil {
		d.fireCreate(ctx, TableRefreshTokens, created)
	}
	return created, err
}

func (d *Dispatcher) PatchRefreshToken(ctx context.Context, id string, patch func(storage.RefreshToken) storage.RefreshToken) (storage.RefreshToken, error) {
	old, err := d.Store.GetRefreshToken(ctx, id)
	if err != nil {
		return storage.RefreshToken{}, err
	}
	updated, err := d.Store.PatchRefreshToken(ctx, id, patch)
	if err == nil {
		d.fireUpdate(ctx, TableRefreshTokens, updated, old)
	}
	return updated, err
}

func (d *Dispatcher) InsertVerificationCode(ctx context.Context, v storage.VerificationCode) (storage.VerificationCode, error) {
	created, err := d.Store.InsertVerificationCode(ctx, v)
	if err == nil {
		d.fireCreate(ctx, TableVerificationCodes, created)
	}
	return created, err
}

func (d *Dispatcher) DeleteVerificationCode(ctx context.Context, id string) error {
	err := d.Store.DeleteVerificationCode(ctx, id)
	if err == nil {
		d.fireDelete(ctx, TableVerificationCodes, id, nil)
	}
	return err
}

func (d *Dispatcher) InsertVerifier(ctx context.Context, v storage.Verifier) (storage.Verifier, error) {
	created, err := d.Store.InsertVerifier(ctx, v)
	if err == nil {
		d.fireCreate(ctx, TableVerifiers, created)
	}
	return created, err
}

func (d *Dispatcher) DeleteVerifier(ctx context.Context, id string) error {
	err := d.Store.DeleteVerifier(ctx, id)
	if err == nil {
		d.fireDelete(ctx, TableVerifiers, id, nil)
	}
	return err
}

func (d *Dispatcher) PutRateLimit(ctx context.Context, r storage.RateLimit) error {
	old, existed, _ := d.Store.GetRateLimit(ctx, r.Identifier)
	err := d.Store.PutRateLimit(ctx, r)
	if err == nil {
		if existed {
			d.fireUpdate(ctx, TableRateLimits, r, old)
		} else {
			d.fireCreate(ctx, TableRateLimits, r)
		}
	}
	return err
}

var _ storage.Store = (*Dispatcher)(nil)
