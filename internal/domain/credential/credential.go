// Package credential defines the OAuth tokens held for each CRM location.
package credential

import "time"

// RefreshWindow is how close to expiry a token may get before it is refreshed.
const RefreshWindow = 8 * time.Hour

// LocationToken is the OAuth grant for one location. Tokens are sealed at rest.
type LocationToken struct {
	LocationID   string    `json:"location_id"`
	CompanyID    string    `json:"company_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// NeedsRefresh reports whether the token expires within RefreshWindow of now.
func (t *LocationToken) NeedsRefresh(now time.Time) bool {
	return !now.Add(RefreshWindow).Before(t.ExpiresAt)
}

// Grant is the result of a refresh_token exchange.
type Grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}
