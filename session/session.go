// Package session implements the Session Manager (spec §4.4): session
// lifecycle plus JWT access-token minting.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/fluxauth/core/keys"
	"github.com/fluxauth/core/storage"
)

// DefaultTotalDuration is the default session lifetime (spec §8:
// AUTH_SESSION_TOTAL_DURATION_MS, default 30 days).
const DefaultTotalDuration = 30 * 24 * time.Hour

// DefaultJWTDuration is the default access-token lifetime (1 hour).
const DefaultJWTDuration = time.Hour

// DefaultAudience is the `aud` claim every access token carries.
const DefaultAudience = "convex"

// Manager creates/destroys sessions and mints access JWTs.
type Manager struct {
	Keys *keys.KeySet

	Issuer         string
	TotalDuration  time.Duration
	JWTDuration    time.Duration

	Now func() time.Time
}

// New builds a Manager. issuer is the value placed in every JWT's `iss`
// claim (CONVEX_SITE_URL in spec §8).
func New(ks *keys.KeySet, issuer string, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		Keys:          ks,
		Issuer:        issuer,
		TotalDuration: DefaultTotalDuration,
		JWTDuration:   DefaultJWTDuration,
		Now:           now,
	}
}

// Create inserts a new session for userID, expiring after m.TotalDuration.
func (m *Manager) Create(ctx context.Context, s storage.Store, userID string) (storage.Session, error) {
	now := m.Now()
	return s.InsertSession(ctx, storage.Session{
		UserID:         userID,
		CreationTime:   now,
		ExpirationTime: now.Add(m.TotalDuration),
	})
}

type claims struct {
	Subject   string `json:"sub"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// MintAccessToken signs a JWT identifying (userID, sessionID). The subject
// claim is "{userID}|{sessionID}", per spec §6's wire format.
func (m *Manager) MintAccessToken(ctx context.Context, userID, sessionID string) (string, time.Time, error) {
	now := m.Now()
	expiry := now.Add(m.JWTDuration)
	jwt, err := m.Keys.Sign(claims{
		Subject:   userID + "|" + sessionID,
		Issuer:    m.Issuer,
		Audience:  DefaultAudience,
		IssuedAt:  now.Unix(),
		ExpiresAt: expiry.Unix(),
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return jwt, expiry, nil
}

// Delete destroys a session and all of its refresh tokens.
func (m *Manager) Delete(ctx context.Context, s storage.Store, sessionID string) error {
	if err := s.DeleteAllRefreshTokensForSession(ctx, sessionID); err != nil {
		return err
	}
	return s.DeleteSession(ctx, sessionID)
}

type contextKey int

const subjectKey contextKey = 0

// WithSubject attaches an already-verified JWT subject claim to ctx, the way
// an authenticating HTTP layer would before calling Current.
func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey, sub)
}

// Current returns the session ID from the subject attached to ctx, if any.
func Current(ctx context.Context) (sessionID string, ok bool) {
	sub, _ := ctx.Value(subjectKey).(string)
	_, sessionID, ok = ParseSubject(sub)
	return sessionID, ok
}

// ParseSubject splits a "{userID}|{sessionID}" subject claim.
func ParseSubject(sub string) (userID, sessionID string, ok bool) {
	i := strings.LastIndexByte(sub, '|')
	if i < 0 {
		return "", "", false
	}
	return sub[:i], sub[i+1:], true
}
