package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/textualy/autoreply/internal/domain/credential"
)

func (s *Store) GetLocationToken(ctx context.Context, locationID string) (*credential.LocationToken, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT location_id, company_id, access_token, refresh_token, expires_at
		 FROM location_tokens WHERE location_id = $1`, locationID)
	t, err := s.scanToken(row)
	if err != nil {
		return nil, notFoundWrap(err, "get token for location %s", locationID)
	}
	return t, nil
}

// SaveLocationToken upserts the grant, sealing both tokens.
func (s *Store) SaveLocationToken(ctx context.Context, t *credential.LocationToken) error {
	access, err := s.sealer.Seal(t.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.sealer.Seal(t.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO location_tokens (location_id, company_id, access_token, refresh_token, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (location_id) DO UPDATE SET
			company_id = EXCLUDED.company_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`,
		t.LocationID, t.CompanyID, access, refresh, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save token for location %s: %w", t.LocationID, err)
	}
	return nil
}

func (s *Store) ListTokensExpiringBefore(ctx context.Context, before time.Time) ([]credential.LocationToken, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT location_id, company_id, access_token, refresh_token, expires_at
		 FROM location_tokens WHERE expires_at <= $1 ORDER BY expires_at`, before)
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	defer rows.Close()

	var tokens []credential.LocationToken
	for rows.Next() {
		t, err := s.scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

func (s *Store) scanToken(row scannable) (*credential.LocationToken, error) {
	var t credential.LocationToken
	var access, refresh string
	if err := row.Scan(&t.LocationID, &t.CompanyID, &access, &refresh, &t.ExpiresAt); err != nil {
		return nil, err
	}
	var err error
	if t.AccessToken, err = s.sealer.Open(access); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if t.RefreshToken, err = s.sealer.Open(refresh); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	return &t, nil
}
