package service

import (
	"errors"

	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/lead"
)

// Outcome is the response body of a pipeline request.
type Outcome struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	// Error marks internal failures, as opposed to expected rejections.
	Error bool   `json:"error,omitempty"`
	Reply string `json:"answer,omitempty"`
}

// OutcomeFor builds the response body for the result of a request.
func OutcomeFor(err error) *Outcome {
	if err == nil {
		return &Outcome{Success: true}
	}
	out := &Outcome{Reason: err.Error()}
	if OutcomeLabel(err) == "error" {
		out.Error = true
		out.Reason = "Internal error - " + err.Error()
	}
	return out
}

// OutcomeLabel classifies err for metrics and logs.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, lead.ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, lead.ErrOptOut):
		return "opt_out"
	case errors.Is(err, lead.ErrSuperseded):
		return "superseded"
	case errors.Is(err, lead.ErrNoApplicableAgentPostGeneration):
		return "no_agent_post_generation"
	case errors.Is(err, lead.ErrNoApplicableAgent):
		return "no_agent"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, lead.ErrPolicy), errors.Is(err, domain.ErrUnauthorized):
		return "policy"
	default:
		return "error"
	}
}
