// Package ratelimit implements the per-identifier sliding-window bucket from
// spec §4.7: continuous linear refill, decremented on failure, reset on
// success.
package ratelimit

import (
	"context"
	"time"

	"github.com/fluxauth/core/apperr"
	"github.com/fluxauth/core/storage"
)

const (
	// DefaultMax is the default bucket size ("MAX" in spec §4.7).
	DefaultMax = 10
	// HourMS is the refill window the spec's formula uses.
	HourMS = time.Hour
)

// Limiter enforces the bucket described in spec §4.7.
type Limiter struct {
	Max float64
	Now func() time.Time
}

// New returns a Limiter with the default bucket size.
func New(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{Max: DefaultMax, Now: now}
}

// Check decides whether an attempt for identifier may proceed. It must be
// called before the caller checks the code/password: spec §4.7's "Hot rule"
// accepts that two racing bad attempts can both pass this check before
// either commits its decrement, so Check itself does not take a
// storage-level lock — it relies on the Store's own transaction.
//
// Call Consume afterwards only on failure; a successful verification should
// call Reset instead.
func (l *Limiter) Check(ctx context.Context, s storage.Store, identifier string) error {
	rl, ok, err := s.GetRateLimit(ctx, identifier)
	if err != nil {
		return err
	}
	now := l.Now()
	if !ok {
		rl = storage.RateLimit{Identifier: identifier, AttemptsLeft: l.Max, LastAttemptTime: now}
	} else {
		rl.AttemptsLeft = refill(rl.AttemptsLeft, l.Max, now.Sub(rl.LastAttemptTime))
	}
	if rl.AttemptsLeft < 1 {
		// Commit the refill even on rejection so the bucket keeps accruing
		// time-based credit instead of being stuck mid-window.
		rl.LastAttemptTime = now
		if err := s.PutRateLimit(ctx, rl); err != nil {
			return err
		}
		return apperr.New(apperr.RateLimited, "too many attempts for %s", identifier)
	}
	return nil
}

// Consume records a failed attempt, decrementing the bucket by one.
func (l *Limiter) Consume(ctx context.Context, s storage.Store, identifier string) error {
	rl, ok, err := s.GetRateLimit(ctx, identifier)
	if err != nil {
		return err
	}
	now := l.Now()
	if !ok {
		rl = storage.RateLimit{Identifier: identifier, AttemptsLeft: l.Max}
	} else {
		rl.AttemptsLeft = refill(rl.AttemptsLeft, l.Max, now.Sub(rl.LastAttemptTime))
	}
	rl.AttemptsLeft--
	if rl.AttemptsLeft < 0 {
		rl.AttemptsLeft = 0
	}
	rl.LastAttemptTime = now
	rl.Identifier = identifier
	return s.PutRateLimit(ctx, rl)
}

// Reset clears the bucket back to full, called on a successful verification.
func (l *Limiter) Reset(ctx context.Context, s storage.Store, identifier string) error {
	return s.PutRateLimit(ctx, storage.RateLimit{
		Identifier:      identifier,
		AttemptsLeft:    l.Max,
		LastAttemptTime: l.Now(),
	})
}

// refill applies spec §4.7's continuous-refill formula:
// attemptsLeft = min(MAX, attemptsLeft + elapsed * MAX / HOUR_MS).
func refill(attemptsLeft, max float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return attemptsLeft
	}
	refilled := attemptsLeft + elapsed.Seconds()*max/HourMS.Seconds()
	if refilled > max {
		return max
	}
	return refilled
}
