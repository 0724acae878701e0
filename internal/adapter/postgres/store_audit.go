package postgres

import (
	"context"
	"fmt"

	"github.com/textualy/autoreply/internal/domain/audit"
)

// InsertAuditEntry is idempotent on the entry ID so redelivered stream
// messages do not duplicate rows.
func (s *Store) InsertAuditEntry(ctx context.Context, e *audit.Entry) error {
	details := e.Details
	if len(details) == 0 {
		details = []byte("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_entries (id, location_id, contact_id, operation, endpoint, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.LocationID, e.ContactID, e.Operation, e.Endpoint, details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry %s: %w", e.ID, err)
	}
	return nil
}
