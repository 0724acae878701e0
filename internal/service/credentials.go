package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/textualy/autoreply/internal/domain/credential"
	"github.com/textualy/autoreply/internal/port/cache"
	"github.com/textualy/autoreply/internal/port/crm"
	"github.com/textualy/autoreply/internal/port/database"
)

// Sealer encrypts values before they leave the process.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CredentialProvider issues CRM access tokens per location, refreshing
// them through the OAuth refresh grant before they expire.
type CredentialProvider struct {
	tokens    database.TokenStore
	exchanger crm.TokenExchanger
	cache     cache.Cache
	sealer    Sealer
	cacheTTL  time.Duration
	now       func() time.Time
	group     singleflight.Group
}

// NewCredentialProvider creates a CredentialProvider. c may be nil to
// disable caching; cached tokens are sealed with sealer.
func NewCredentialProvider(tokens database.TokenStore, exchanger crm.TokenExchanger, c cache.Cache, sealer Sealer, cacheTTL time.Duration) *CredentialProvider {
	return &CredentialProvider{
		tokens:    tokens,
		exchanger: exchanger,
		cache:     c,
		sealer:    sealer,
		cacheTTL:  cacheTTL,
		now:       time.Now,
	}
}

func tokenCacheKey(locationID string) string { return "token:" + locationID }

// Session returns an authenticated CRM session for a location.
func (p *CredentialProvider) Session(ctx context.Context, locationID string) (crm.Session, error) {
	tok, err := p.AccessToken(ctx, locationID)
	if err != nil {
		return crm.Session{}, err
	}
	return crm.Session{LocationID: locationID, AccessToken: tok}, nil
}

// AccessToken returns a token valid for at least credential.RefreshWindow.
func (p *CredentialProvider) AccessToken(ctx context.Context, locationID string) (string, error) {
	if tok, ok := p.cached(ctx, locationID); ok {
		return tok, nil
	}
	t, err := p.RefreshLocation(ctx, locationID)
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

// RefreshLocation loads the stored token of a location and refreshes it if
// it is inside the refresh window. Concurrent callers for one location share
// a single load and exchange.
func (p *CredentialProvider) RefreshLocation(ctx context.Context, locationID string) (*credential.LocationToken, error) {
	v, err, _ := p.group.Do(locationID, func() (any, error) {
		t, err := p.tokens.GetLocationToken(ctx, locationID)
		if err != nil {
			return nil, fmt.Errorf("location token %s: %w", locationID, err)
		}
		if !t.NeedsRefresh(p.now()) {
			p.store(ctx, t)
			return t, nil
		}
		return p.refresh(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return v.(*credential.LocationToken), nil
}

// refresh exchanges t's refresh token and persists the new grant.
func (p *CredentialProvider) refresh(ctx context.Context, t *credential.LocationToken) (*credential.LocationToken, error) {
	grant, err := p.exchanger.RefreshToken(ctx, t.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh token for %s: %w", t.LocationID, err)
	}
	next := &credential.LocationToken{
		LocationID:   t.LocationID,
		CompanyID:    t.CompanyID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    p.now().Add(time.Duration(grant.ExpiresIn) * time.Second).UTC(),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = t.RefreshToken
	}
	if err := p.tokens.SaveLocationToken(ctx, next); err != nil {
		return nil, fmt.Errorf("save refreshed token for %s: %w", t.LocationID, err)
	}
	slog.InfoContext(ctx, "location token refreshed", "location_id", t.LocationID, "expires_at", next.ExpiresAt)
	p.store(ctx, next)
	return next, nil
}

func (p *CredentialProvider) cached(ctx context.Context, locationID string) (string, bool) {
	if p.cache == nil {
		return "", false
	}
	ct, ok, err := cache.GetJSON[cachedToken](ctx, p.cache, tokenCacheKey(locationID))
	if err != nil || !ok {
		return "", false
	}
	lt := credential.LocationToken{ExpiresAt: ct.ExpiresAt}
	if lt.NeedsRefresh(p.now()) {
		return "", false
	}
	tok, err := p.sealer.Open(ct.AccessToken)
	if err != nil {
		slog.WarnContext(ctx, "discarding unreadable cached token", "location_id", locationID, "error", err)
		return "", false
	}
	return tok, true
}

func (p *CredentialProvider) store(ctx context.Context, t *credential.LocationToken) {
	if p.cache == nil {
		return
	}
	ttl := t.ExpiresAt.Add(-credential.RefreshWindow).Sub(p.now())
	if ttl <= 0 {
		return
	}
	if p.cacheTTL > 0 && ttl > p.cacheTTL {
		ttl = p.cacheTTL
	}
	sealed, err := p.sealer.Seal(t.AccessToken)
	if err != nil {
		slog.WarnContext(ctx, "seal token for cache failed", "location_id", t.LocationID, "error", err)
		return
	}
	if err := cache.SetJSON(ctx, p.cache, tokenCacheKey(t.LocationID), cachedToken{AccessToken: sealed, ExpiresAt: t.ExpiresAt}, ttl); err != nil {
		slog.WarnContext(ctx, "cache token failed", "location_id", t.LocationID, "error", err)
	}
}
