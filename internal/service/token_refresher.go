package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/textualy/autoreply/internal/domain/credential"
	"github.com/textualy/autoreply/internal/port/database"
)

// TokenRefresher refreshes location tokens on a cron schedule so the
// request path rarely has to.
type TokenRefresher struct {
	provider *CredentialProvider
	tokens   database.TokenStore
	schedule string
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewTokenRefresher creates a TokenRefresher for a cron expression.
func NewTokenRefresher(provider *CredentialProvider, tokens database.TokenStore, schedule string) (*TokenRefresher, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid refresh schedule %q", schedule)
	}
	return &TokenRefresher{
		provider: provider,
		tokens:   tokens,
		schedule: schedule,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

// Run refreshes due tokens at every tick until ctx is done.
func (r *TokenRefresher) Run(ctx context.Context) error {
	for {
		next, err := gronx.NextTickAfter(r.schedule, r.now(), false)
		if err != nil {
			return fmt.Errorf("next refresh tick: %w", err)
		}
		if err := r.sleep(ctx, next.Sub(r.now())); err != nil {
			return nil
		}
		n, err := r.RefreshDue(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "token refresh run had failures", "refreshed", n, "error", err)
			continue
		}
		slog.InfoContext(ctx, "token refresh run", "refreshed", n)
	}
}

// RefreshDue refreshes every token expiring within the refresh window.
// One failing location does not stop the others. Refreshes go through the
// provider's per-location flight, so a request refreshing the same location
// concurrently does not exchange the refresh token a second time.
func (r *TokenRefresher) RefreshDue(ctx context.Context) (int, error) {
	due, err := r.tokens.ListTokensExpiringBefore(ctx, r.now().Add(credential.RefreshWindow))
	if err != nil {
		return 0, fmt.Errorf("list expiring tokens: %w", err)
	}
	var errs []error
	n := 0
	for i := range due {
		if _, err := r.provider.RefreshLocation(ctx, due[i].LocationID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
