package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/textualy/autoreply/internal/domain/faq"
)

func (s *Store) ListFAQs(ctx context.Context, locationID string) ([]faq.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT location_id, question, answer, embedding FROM faqs
		 WHERE location_id = $1 ORDER BY question`, locationID)
	if err != nil {
		return nil, fmt.Errorf("list faqs for %s: %w", locationID, err)
	}
	defer rows.Close()

	var docs []faq.Document
	for rows.Next() {
		var d faq.Document
		if err := rows.Scan(&d.LocationID, &d.FAQ.Question, &d.FAQ.Answer, &d.Embedding); err != nil {
			return nil, fmt.Errorf("scan faq: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpsertFAQs writes all documents in one batch.
func (s *Store) UpsertFAQs(ctx context.Context, docs []faq.Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range docs {
		d := &docs[i]
		batch.Queue(
			`INSERT INTO faqs (location_id, question, answer, embedding, updated_at)
			 VALUES ($1, $2, $3, $4, NOW())
			 ON CONFLICT (location_id, question) DO UPDATE SET
				answer = EXCLUDED.answer, embedding = EXCLUDED.embedding, updated_at = NOW()`,
			d.LocationID, d.FAQ.Question, d.FAQ.Answer, d.Embedding)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert faqs: %w", err)
	}
	return nil
}

func (s *Store) DeleteFAQs(ctx context.Context, locationID string, questions []string) error {
	if len(questions) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM faqs WHERE location_id = $1 AND question = ANY($2::text[])`,
		locationID, questions)
	if err != nil {
		return fmt.Errorf("delete faqs for %s: %w", locationID, err)
	}
	return nil
}
