// Package faq defines location knowledge-base entries.
package faq

import (
	"fmt"

	"github.com/textualy/autoreply/internal/domain"
)

// MaxPerLocation caps the number of FAQs a location may hold.
const MaxPerLocation = 100

// FAQ is a question/answer pair. The question doubles as its identity.
type FAQ struct {
	Question string `json:"question" validate:"required"`
	Answer   string `json:"answer" validate:"required"`
}

// PageContent is the text that gets embedded and returned as context.
func (f FAQ) PageContent() string {
	return fmt.Sprintf("Question: %s\nAnswer: %s", f.Question, f.Answer)
}

// Document is an embedded FAQ stored for a location.
type Document struct {
	LocationID string    `json:"location_id"`
	FAQ        FAQ       `json:"faq"`
	Embedding  []float32 `json:"-"`
}

// UpdateRequest replaces the FAQ set of a location.
type UpdateRequest struct {
	FAQs []FAQ `json:"faqs" validate:"dive"`
}

// Diff computes which stored questions must be deleted and which FAQs must
// be (re)embedded to move from old to next. Unchanged entries are skipped.
func Diff(old, next []FAQ) (deleted []string, upserts []FAQ) {
	oldAnswers := make(map[string]string, len(old))
	for _, f := range old {
		oldAnswers[f.Question] = f.Answer
	}
	keep := make(map[string]bool, len(next))
	for _, f := range next {
		keep[f.Question] = true
		if ans, ok := oldAnswers[f.Question]; !ok || ans != f.Answer {
			upserts = append(upserts, f)
		}
	}
	for _, f := range old {
		if !keep[f.Question] {
			deleted = append(deleted, f.Question)
		}
	}
	return deleted, upserts
}

// Validate enforces the per-location cap.
func (r *UpdateRequest) Validate() error {
	if len(r.FAQs) > MaxPerLocation {
		return fmt.Errorf("%w: can't have more than %d FAQs for a location", domain.ErrValidation, MaxPerLocation)
	}
	return nil
}
