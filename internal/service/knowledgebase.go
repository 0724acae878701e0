package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/domain/faq"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/port/database"
	"github.com/textualy/autoreply/internal/port/llm"
)

// KnowledgeBaseService maintains the embedded FAQ set of each location and
// answers similarity lookups over it.
type KnowledgeBaseService struct {
	store    database.Store
	embedder llm.Embedder
	audit    *AuditRecorder
}

// NewKnowledgeBaseService creates a KnowledgeBaseService.
func NewKnowledgeBaseService(store database.Store, embedder llm.Embedder, recorder *AuditRecorder) *KnowledgeBaseService {
	return &KnowledgeBaseService{store: store, embedder: embedder, audit: recorder}
}

// Replace makes req the FAQ set of a location owned by companyID. Only new
// or changed entries are re-embedded. It returns the upserted questions.
func (s *KnowledgeBaseService) Replace(ctx context.Context, companyID, locationID string, req *faq.UpdateRequest) ([]string, error) {
	s.audit.Record(ctx, audit.EndpointKnowledgeBase, audit.OpAPIRequest, locationID, "", req)

	ids, err := s.replace(ctx, companyID, locationID, req)
	if err != nil {
		s.audit.Record(ctx, audit.EndpointKnowledgeBase, audit.OpAPIResponse, locationID, "",
			map[string]any{"success": false, "reason": err.Error()})
		return nil, err
	}
	s.audit.Record(ctx, audit.EndpointKnowledgeBase, audit.OpAPIResponse, locationID, "",
		map[string]any{"success": true, "ids": ids})
	return ids, nil
}

func (s *KnowledgeBaseService) replace(ctx context.Context, companyID, locationID string, req *faq.UpdateRequest) ([]string, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	owner, err := s.store.CompanyForLocation(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("company for location %s: %w", locationID, err)
	}
	if owner != companyID {
		return nil, fmt.Errorf("%w: location belongs to another company", domain.ErrUnauthorized)
	}

	apiKey, err := s.companyAPIKey(ctx, companyID)
	if err != nil {
		return nil, err
	}

	stored, err := s.store.ListFAQs(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("list faqs: %w", err)
	}
	old := make([]faq.FAQ, len(stored))
	for i := range stored {
		old[i] = stored[i].FAQ
	}
	deleted, upserts := faq.Diff(old, req.FAQs)

	if len(deleted) > 0 {
		if err := s.store.DeleteFAQs(ctx, locationID, deleted); err != nil {
			return nil, fmt.Errorf("delete faqs: %w", err)
		}
	}
	if len(upserts) == 0 {
		return []string{}, nil
	}

	texts := make([]string, len(upserts))
	for i, f := range upserts {
		texts[i] = f.PageContent()
	}
	vectors, err := s.embedder.Embed(ctx, apiKey, texts)
	if err != nil {
		return nil, fmt.Errorf("embed faqs: %w", err)
	}

	docs := make([]faq.Document, len(upserts))
	ids := make([]string, len(upserts))
	for i, f := range upserts {
		docs[i] = faq.Document{LocationID: locationID, FAQ: f, Embedding: vectors[i]}
		ids[i] = f.Question
	}
	if err := s.store.UpsertFAQs(ctx, docs); err != nil {
		return nil, fmt.Errorf("upsert faqs: %w", err)
	}
	slog.InfoContext(ctx, "knowledge base updated", "location_id", locationID, "upserted", len(ids), "deleted", len(deleted))
	return ids, nil
}

// companyAPIKey returns the model key of the company's first agent.
func (s *KnowledgeBaseService) companyAPIKey(ctx context.Context, companyID string) (string, error) {
	agents, err := s.store.ListAgents(ctx, companyID)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		return "", fmt.Errorf("%w: you must create an agent before updating location configuration", lead.ErrPolicy)
	}
	if agents[0].APIKey == "" {
		return "", fmt.Errorf("%w: your agents need OpenAI API keys before you can configure the knowledge base for locations", lead.ErrPolicy)
	}
	return agents[0].APIKey, nil
}

// Retrieve returns the k entries most similar to query.
func (s *KnowledgeBaseService) Retrieve(ctx context.Context, apiKey, locationID, query string, k int) ([]faq.FAQ, error) {
	docs, err := s.store.ListFAQs(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("list faqs: %w", err)
	}
	if len(docs) == 0 || k <= 0 {
		return nil, nil
	}
	vectors, err := s.embedder.Embed(ctx, apiKey, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return TopK(vectors[0], docs, k), nil
}

// TopK ranks docs by cosine similarity to q, best first.
func TopK(q []float32, docs []faq.Document, k int) []faq.FAQ {
	type scored struct {
		f     faq.FAQ
		score float64
	}
	ranked := make([]scored, 0, len(docs))
	for _, d := range docs {
		ranked = append(ranked, scored{f: d.FAQ, score: cosine(q, d.Embedding)})
	}
	slices.SortStableFunc(ranked, func(a, b scored) int { return cmp.Compare(b.score, a.score) })

	out := make([]faq.FAQ, 0, min(k, len(ranked)))
	for _, r := range ranked[:min(k, len(ranked))] {
		out = append(out, r.f)
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
