package service

import (
	"context"
	"fmt"

	"github.com/textualy/autoreply/internal/domain/agent"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/port/database"
)

// Resolve picks the agent for a lead. Lead tag order wins over agent order:
// the first lead tag carried by any enabled agent selects the first such
// agent in list order. agents must be in canonical order.
func Resolve(leadTags []string, agents []agent.Agent) (*agent.Agent, error) {
	for _, tag := range leadTags {
		for i := range agents {
			if agents[i].Enabled && agents[i].HasTag(tag) {
				return &agents[i], nil
			}
		}
	}
	return nil, lead.ErrNoApplicableAgent
}

// Resolver binds Resolve to the agent directory of a location.
type Resolver struct {
	agents database.AgentDirectory
}

// NewResolver creates a Resolver.
func NewResolver(agents database.AgentDirectory) *Resolver {
	return &Resolver{agents: agents}
}

// Candidates loads the enabled agents of a location in canonical order.
func (r *Resolver) Candidates(ctx context.Context, companyID, locationID string) ([]agent.Agent, error) {
	agents, err := r.agents.AgentsForLocation(ctx, companyID, locationID)
	if err != nil {
		return nil, fmt.Errorf("agents for location %s: %w", locationID, err)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: no enabled agents found for this lead based on the location", lead.ErrNoApplicableAgent)
	}
	return agents, nil
}

// PostCheck re-resolves against the lead's current tags after generation.
// Any agent applying is enough; it need not be the one that replied.
func (r *Resolver) PostCheck(contact *lead.Contact, agents []agent.Agent) error {
	if _, err := Resolve(contact.Tags, agents); err != nil {
		return lead.ErrNoApplicableAgentPostGeneration
	}
	return nil
}
