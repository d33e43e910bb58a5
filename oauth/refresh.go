// Package oauth keeps stored OAuth tokens fresh. A refresher wakes on a
// jittered interval and refreshes a provider's token once its remaining
// lifetime falls inside the configured window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/onnwee/formcheck/db"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// TokenStore is the subset of db.TokenStore the refresher needs.
type TokenStore interface {
	Get(ctx context.Context, provider string) (*db.Token, error)
	UpdateRefreshed(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error
}

// StartRefresher checks provider's token every interval (±20%, after a random
// initial delay of up to interval/2) and refreshes it once it expires within
// window. Zero values fall back to 5m and 15m. The goroutine exits with ctx.
func StartRefresher(ctx context.Context, store TokenStore, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	preRefresh := min(5*time.Second, interval/4)
	log := slog.With(slog.String("component", "oauth_refresh"), slog.String("provider", provider))

	go func() {
		timer := time.NewTimer(randDuration(interval/2 + 1))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if ok, err := RefreshIfDue(ctx, store, provider, window, preRefresh, fn); err != nil {
				log.Warn("token refresh failed", slog.Any("err", err))
			} else if ok {
				log.Debug("token refresh cycle done")
			}
			timer.Reset(nextCheck(interval))
		}
	}()
}

// nextCheck spreads wakeups over interval ±20%, never below interval/2.
func nextCheck(interval time.Duration) time.Duration {
	spread := interval/5 + 1
	return max(interval-spread+randDuration(2*spread), interval/2)
}

// randDuration returns a value in [0, n). Scheduling jitter only.
func randDuration(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(n))) //nolint:gosec // jitter, not security
}

// RefreshIfDue refreshes the provider's token when it expires within window.
// It reports whether a refresh was persisted. A missing row or an empty
// refresh token is not an error. maxJitter bounds a random pause taken before
// calling fn so replicas seeing the same expiry do not stampede.
func RefreshIfDue(ctx context.Context, store TokenStore, provider string, window, maxJitter time.Duration, fn RefreshFunc) (bool, error) {
	tok, err := store.Get(ctx, provider)
	if err != nil {
		return false, err
	}
	if tok == nil || tok.RefreshToken == "" {
		return false, nil
	}
	if time.Until(tok.Expiry) > window {
		return false, nil
	}
	if pause := randDuration(maxJitter); pause > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pause):
		}
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := fn(ctx2, tok.RefreshToken)
	cancel()
	if err != nil {
		return false, err
	}
	if newRT == "" {
		newRT = tok.RefreshToken
	}
	if newScope == "" {
		newScope = tok.Scope
	}
	if err := store.UpdateRefreshed(ctx, provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		return false, err
	}
	slog.Info("token refreshed",
		slog.String("component", "oauth_refresh"),
		slog.String("provider", provider),
		slog.Time("expires_at", newExp))
	return true, nil
}
