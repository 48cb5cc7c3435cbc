// Package refreshtree implements the refresh-token tree from spec §4.3: the
// hard part of the core. Each session owns a forest of refresh tokens; a
// single exchange operation drives single-use rotation, a bounded reuse
// window, and subtree invalidation on detected reuse-outside-window.
package refreshtree

import (
	"context"
	"time"

	"github.com/fluxauth/core/apperr"
	"github.com/fluxauth/core/session"
	"github.com/fluxauth/core/storage"
)

// ReuseWindow is the interval after a refresh token's first use during which
// re-exchanging it is treated as a racing retry rather than theft.
const ReuseWindow = 10 * time.Second

// Tree drives refresh-token exchange for a single deployment.
type Tree struct {
	EnvelopeKey []byte
	Sessions    *session.Manager
	ReuseWindow time.Duration
	Now         func() time.Time
}

// New builds a Tree. envelopeKey signs the opaque token envelopes.
func New(envelopeKey []byte, sessions *session.Manager, now func() time.Time) *Tree {
	if now == nil {
		now = time.Now
	}
	return &Tree{
		EnvelopeKey: envelopeKey,
		Sessions:    sessions,
		ReuseWindow: ReuseWindow,
		Now:         now,
	}
}

// Result is what a successful exchange (or initial session creation) hands
// back to the caller.
type Result struct {
	AccessToken       string
	AccessTokenExpiry time.Time
	RefreshToken      string
}

// NewRoot mints the refresh token rooted at a freshly created session,
// spec §4.3's "Model": "a tree of refresh tokens rooted at the token minted
// when the session was created."
func (t *Tree) NewRoot(ctx context.Context, s storage.Store, sess storage.Session) (string, error) {
	root, err := s.InsertRefreshToken(ctx, storage.RefreshToken{
		SessionID:      sess.ID,
		ExpirationTime: sess.ExpirationTime,
		CreationTime:   t.Now(),
	})
	if err != nil {
		return "", err
	}
	return Encode(t.EnvelopeKey, root.ID, sess.ID)
}

// Exchange implements spec §4.3's single exchange operation. A nil Result
// and nil error together mean the silent-failure path (spec §7): the caller
// should reinterpret that as "please sign in again." A non-nil error is a
// thrown error (currently only apperr.InvalidRefreshToken, for
// tamper-detected envelopes per the error-taxonomy tests referenced in
// spec §9).
func (t *Tree) Exchange(ctx context.Context, s storage.Store, presented string) (*Result, error) {
	tokenID, sessionID, err := Decode(t.EnvelopeKey, presented)
	if err != nil {
		return nil, apperr.New(apperr.InvalidRefreshToken, "malformed or tampered refresh token")
	}

	tok, tokErr := s.GetRefreshToken(ctx, tokenID)
	sess, sessErr := s.GetSession(ctx, sessionID)
	if tokErr != nil || sessErr != nil || tok.SessionID != sessionID {
		// Destroy hostile remnants: either side missing means the presented
		// envelope no longer corresponds to live state.
		_ = s.DeleteAllRefreshTokensForSession(ctx, sessionID)
		_ = s.DeleteSession(ctx, sessionID)
		return nil, nil
	}

	now := t.Now()
	if !sess.ExpirationTime.After(now) {
		return nil, nil
	}
	if !tok.ExpirationTime.After(now) {
		// Invalidated by a prior subtree invalidation, or simply stale: the
		// silent-failure channel, same as an expired session.
		return nil, nil
	}

	if tok.FirstUsedTime.IsZero() {
		return t.firstUse(ctx, s, sess, tok, now)
	}
	return t.reuse(ctx, s, sess, tok, now)
}

func (t *Tree) firstUse(ctx context.Context, s storage.Store, sess storage.Session, tok storage.RefreshToken, now time.Time) (*Result, error) {
	tok, err := s.PatchRefreshToken(ctx, tok.ID, func(r storage.RefreshToken) storage.RefreshToken {
		r.FirstUsedTime = now
		return r
	})
	if err != nil {
		return nil, err
	}

	child, err := s.InsertRefreshToken(ctx, storage.RefreshToken{
		SessionID:            sess.ID,
		ExpirationTime:       sess.ExpirationTime,
		ParentRefreshTokenID: tok.ID,
		CreationTime:         now,
	})
	if err != nil {
		return nil, err
	}

	return t.mintResult(ctx, s, sess, child)
}

func (t *Tree) reuse(ctx context.Context, s storage.Store, sess storage.Session, tok storage.RefreshToken, now time.Time) (*Result, error) {
	active, err := t.activeToken(ctx, s, sess.ID, now)
	if err != nil {
		return nil, err
	}

	if active != nil && active.ParentRefreshTokenID == tok.ID {
		// Retry of the exchange that produced `active`: idempotent re-issue.
		return t.mintResult(ctx, s, sess, *active)
	}

	if now.Sub(tok.FirstUsedTime) < t.ReuseWindow {
		// Racing duplicate within the window: a fresh sibling, not theft.
		sibling, err := s.InsertRefreshToken(ctx, storage.RefreshToken{
			SessionID:            sess.ID,
			ExpirationTime:       sess.ExpirationTime,
			ParentRefreshTokenID: tok.ID,
			CreationTime:         now,
		})
		if err != nil {
			return nil, err
		}
		return t.mintResult(ctx, s, sess, sibling)
	}

	// Reuse outside the window: treat as token theft. Invalidate T's entire
	// subtree; tokens outside it (e.g. a legitimate parallel chain under
	// `active`) are untouched.
	if err := t.invalidateSubtree(ctx, s, sess.ID, tok.ID, now); err != nil {
		return nil, err
	}
	return nil, nil
}

// activeToken returns the session's unique active token, if any.
func (t *Tree) activeToken(ctx context.Context, s storage.Store, sessionID string, now time.Time) (*storage.RefreshToken, error) {
	all, err := s.ListRefreshTokensBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var found *storage.RefreshToken
	for i := range all {
		r := all[i]
		if r.Active(now) {
			if found == nil || r.CreationTime.After(found.CreationTime) {
				cp := r
				found = &cp
			}
		}
	}
	return found, nil
}

// invalidateSubtree expires root and every descendant reachable through
// ParentRefreshTokenID edges within sessionID, leaving everything else
// untouched. This is the "subtree invalidation property" of spec §4.3's
// invariants: any invalidated node's descendants are also invalidated.
func (t *Tree) invalidateSubtree(ctx context.Context, s storage.Store, sessionID, rootID string, now time.Time) error {
	all, err := s.ListRefreshTokensBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	childrenOf := make(map[string][]string)
	for _, r := range all {
		if r.ParentRefreshTokenID != "" {
			childrenOf[r.ParentRefreshTokenID] = append(childrenOf[r.ParentRefreshTokenID], r.ID)
		}
	}

	past := now.Add(-time.Second)
	stack := []string{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, err := s.PatchRefreshToken(ctx, id, func(r storage.RefreshToken) storage.RefreshToken {
			r.ExpirationTime = past
			return r
		}); err != nil {
			return err
		}
		stack = append(stack, childrenOf[id]...)
	}
	return nil
}

// DeleteAllForSession evicts every refresh token belonging to a session:
// sign-out, session expiry, or the step-1 "destroy hostile remnants" path.
func (t *Tree) DeleteAllForSession(ctx context.Context, s storage.Store, sessionID string) error {
	return s.DeleteAllRefreshTokensForSession(ctx, sessionID)
}

func (t *Tree) mintResult(ctx context.Context, s storage.Store, sess storage.Session, tok storage.RefreshToken) (*Result, error) {
	access, expiry, err := t.Sessions.MintAccessToken(ctx, sess.UserID, sess.ID)
	if err != nil {
		return nil, err
	}
	encoded, err := Encode(t.EnvelopeKey, tok.ID, sess.ID)
	if err != nil {
		return nil, err
	}
	return &Result{AccessToken: access, AccessTokenExpiry: expiry, RefreshToken: encoded}, nil
}
