package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/textualy/autoreply/internal/domain/credential"
	"github.com/textualy/autoreply/internal/secrets"
)

type ttlCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newTTLCache() *ttlCache {
	return &ttlCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (c *ttlCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *ttlCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *ttlCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

var credNow = time.Date(2024, 2, 26, 10, 0, 0, 0, time.UTC)

func newTestSealer(t *testing.T) *secrets.Sealer {
	t.Helper()
	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	s, err := secrets.NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newCredentialFixture(t *testing.T, expiresAt time.Time) (*memStore, *fakeExchanger, *ttlCache, *CredentialProvider) {
	t.Helper()
	store := newMemStore()
	store.tokens["L1"] = credential.LocationToken{
		LocationID: "L1", CompanyID: "co",
		AccessToken: "old-access", RefreshToken: "old-refresh", ExpiresAt: expiresAt,
	}
	ex := &fakeExchanger{grant: &credential.Grant{AccessToken: "new-access", ExpiresIn: 86400}}
	c := newTTLCache()
	p := NewCredentialProvider(store, ex, c, newTestSealer(t), time.Hour)
	p.now = func() time.Time { return credNow }
	return store, ex, c, p
}

func TestCredentialsFreshTokenIsCached(t *testing.T) {
	_, ex, c, p := newCredentialFixture(t, credNow.Add(24*time.Hour))

	s, err := p.Session(context.Background(), "L1")
	if err != nil {
		t.Fatal(err)
	}
	if s.AccessToken != "old-access" || s.LocationID != "L1" || ex.calls != 0 {
		t.Fatalf("session = %+v, refreshes = %d", s, ex.calls)
	}

	raw := string(c.data[tokenCacheKey("L1")])
	if strings.Contains(raw, "old-access") {
		t.Fatal("cached token must be sealed")
	}
	if c.ttls[tokenCacheKey("L1")] != time.Hour {
		t.Fatalf("ttl = %v", c.ttls[tokenCacheKey("L1")])
	}

	// Served from cache even when the store is gone.
	p.tokens = newMemStore()
	tok, err := p.AccessToken(context.Background(), "L1")
	if err != nil || tok != "old-access" {
		t.Fatalf("tok = %q, err = %v", tok, err)
	}
}

func TestCredentialsRefreshNearExpiry(t *testing.T) {
	store, ex, c, p := newCredentialFixture(t, credNow.Add(2*time.Hour))

	tok, err := p.AccessToken(context.Background(), "L1")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "new-access" || ex.calls != 1 {
		t.Fatalf("tok = %q, refreshes = %d", tok, ex.calls)
	}
	saved := store.tokens["L1"]
	if saved.RefreshToken != "old-refresh" {
		t.Fatalf("an empty refresh token in the grant must keep the old one, got %q", saved.RefreshToken)
	}
	if !saved.ExpiresAt.Equal(credNow.Add(24 * time.Hour)) {
		t.Fatalf("expires = %v", saved.ExpiresAt)
	}
	// Capped by the configured TTL, not the 16h left before the window.
	if c.ttls[tokenCacheKey("L1")] != time.Hour {
		t.Fatalf("ttl = %v", c.ttls[tokenCacheKey("L1")])
	}
}

func TestCredentialsCacheTTLBoundedByExpiry(t *testing.T) {
	_, _, c, p := newCredentialFixture(t, credNow.Add(8*time.Hour+10*time.Minute))
	p.cacheTTL = 0
	if _, err := p.AccessToken(context.Background(), "L1"); err != nil {
		t.Fatal(err)
	}
	// The cache keeps the token only until the refresh window opens.
	if got := c.ttls[tokenCacheKey("L1")]; got != 10*time.Minute {
		t.Fatalf("ttl = %v", got)
	}
}

func TestCredentialsRefreshFailure(t *testing.T) {
	_, ex, _, p := newCredentialFixture(t, credNow.Add(time.Hour))
	ex.err = errors.New("invalid_grant")
	if _, err := p.Session(context.Background(), "L1"); err == nil || !strings.Contains(err.Error(), "invalid_grant") {
		t.Fatalf("err = %v", err)
	}
}

func TestCredentialsUnknownLocation(t *testing.T) {
	_, _, _, p := newCredentialFixture(t, credNow.Add(24*time.Hour))
	if _, err := p.Session(context.Background(), "L9"); err == nil {
		t.Fatal("expected error")
	}
}

func TestTokenRefresherRefreshDue(t *testing.T) {
	store, ex, _, p := newCredentialFixture(t, credNow.Add(time.Hour))
	store.tokens["L2"] = credential.LocationToken{LocationID: "L2", RefreshToken: "r2", ExpiresAt: credNow.Add(72 * time.Hour)}

	r, err := NewTokenRefresher(p, store, "*/15 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	r.now = p.now

	n, err := r.RefreshDue(context.Background())
	if err != nil || n != 1 || ex.calls != 1 {
		t.Fatalf("n = %d, calls = %d, err = %v", n, ex.calls, err)
	}
	if store.tokens["L2"].AccessToken != "" {
		t.Fatal("token outside the window must not be refreshed")
	}

	ex.err = errors.New("boom")
	store.tokens["L1"] = credential.LocationToken{LocationID: "L1", RefreshToken: "r1", ExpiresAt: credNow}
	if n, err := r.RefreshDue(context.Background()); err == nil || n != 0 {
		t.Fatalf("n = %d, err = %v", n, err)
	}
}

// singleUseExchanger rejects a refresh token it has already exchanged, like
// the CRM does, and holds the first exchange until release is closed.
type singleUseExchanger struct {
	mu      sync.Mutex
	used    map[string]bool
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (e *singleUseExchanger) RefreshToken(_ context.Context, refresh string) (*credential.Grant, error) {
	e.mu.Lock()
	e.calls++
	first := e.calls == 1
	reused := e.used[refresh]
	e.used[refresh] = true
	e.mu.Unlock()
	if reused {
		return nil, errors.New("invalid_grant: refresh token already used")
	}
	if first {
		close(e.entered)
		<-e.release
	}
	return &credential.Grant{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 86400}, nil
}

func TestRefresherAndRequestShareOneExchange(t *testing.T) {
	store, _, _, p := newCredentialFixture(t, credNow.Add(time.Hour))
	ex := &singleUseExchanger{used: make(map[string]bool), entered: make(chan struct{}), release: make(chan struct{})}
	p.exchanger = ex
	r, err := NewTokenRefresher(p, store, "*/15 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	r.now = p.now

	var wg sync.WaitGroup
	var tok string
	var tokErr, dueErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		tok, tokErr = p.AccessToken(context.Background(), "L1")
	}()
	<-ex.entered
	go func() {
		defer wg.Done()
		_, dueErr = r.RefreshDue(context.Background())
	}()
	close(ex.release)
	wg.Wait()

	if tokErr != nil || dueErr != nil {
		t.Fatalf("request err = %v, refresher err = %v", tokErr, dueErr)
	}
	if tok != "new-access" || ex.calls != 1 {
		t.Fatalf("tok = %q, exchanges = %d", tok, ex.calls)
	}
	if got := store.tokens["L1"].RefreshToken; got != "new-refresh" {
		t.Fatalf("stored refresh token = %q", got)
	}
}

func TestTokenRefresherRejectsBadSchedule(t *testing.T) {
	if _, err := NewTokenRefresher(nil, nil, "every tuesday"); err == nil {
		t.Fatal("expected error")
	}
}

func TestTokenRefresherRunStopsOnCancel(t *testing.T) {
	store, _, _, p := newCredentialFixture(t, credNow.Add(72*time.Hour))
	r, err := NewTokenRefresher(p, store, "0 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	r.now = p.now
	var waited []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		waited = append(waited, d)
		if len(waited) == 2 {
			return context.Canceled
		}
		return nil
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(waited) != 2 || waited[0] != time.Hour {
		t.Fatalf("waited = %v", waited)
	}
}
