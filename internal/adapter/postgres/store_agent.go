package postgres

import (
	"context"
	"fmt"

	"github.com/textualy/autoreply/internal/domain/agent"
)

const agentColumns = `id, company_id, name, enabled, locations, tags, prompt_id, model, api_key, actions, position`

func (s *Store) CompanyForLocation(ctx context.Context, locationID string) (string, error) {
	var companyID string
	err := s.pool.QueryRow(ctx, `SELECT company_id FROM locations WHERE id = $1`, locationID).Scan(&companyID)
	if err != nil {
		return "", notFoundWrap(err, "company for location %s", locationID)
	}
	return companyID, nil
}

// AgentsForLocation returns the enabled agents serving locationID: agents
// bound to the location first, then all-locations agents, each ordered by
// (position, id).
func (s *Store) AgentsForLocation(ctx context.Context, companyID, locationID string) ([]agent.Agent, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE company_id = $1 AND enabled
		   AND ($2 = ANY(locations) OR cardinality(locations) = 0)
		 ORDER BY cardinality(locations) = 0, position, id`,
		companyID, locationID)
}

func (s *Store) ListAgents(ctx context.Context, companyID string) ([]agent.Agent, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE company_id = $1 ORDER BY position, id`,
		companyID)
}

func (s *Store) GetAgent(ctx context.Context, companyID, agentID string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE company_id = $1 AND id = $2`, companyID, agentID)
	a, err := scanAgent(row)
	if err != nil {
		return nil, notFoundWrap(err, "get agent %s", agentID)
	}
	return &a, nil
}

func (s *Store) GetLocation(ctx context.Context, companyID, locationID string) (*agent.Location, error) {
	var l agent.Location
	err := s.pool.QueryRow(ctx,
		`SELECT id, company_id, context, timezone FROM locations WHERE company_id = $1 AND id = $2`,
		companyID, locationID,
	).Scan(&l.ID, &l.CompanyID, &l.Context, &l.Timezone)
	if err != nil {
		return nil, notFoundWrap(err, "get location %s", locationID)
	}
	return &l, nil
}

func (s *Store) GetPrompt(ctx context.Context, companyID, promptID string) (*agent.Prompt, error) {
	var p agent.Prompt
	err := s.pool.QueryRow(ctx,
		`SELECT id, body FROM prompts WHERE company_id = $1 AND id = $2`, companyID, promptID,
	).Scan(&p.ID, &p.Body)
	if err != nil {
		return nil, notFoundWrap(err, "get prompt %s", promptID)
	}
	return &p, nil
}

func (s *Store) GetAction(ctx context.Context, companyID, actionID string) (*agent.Action, error) {
	var a agent.Action
	err := s.pool.QueryRow(ctx,
		`SELECT id, action_type, action_parameter, trigger FROM actions WHERE company_id = $1 AND id = $2`,
		companyID, actionID,
	).Scan(&a.ID, &a.Type, &a.Parameter, &a.Trigger)
	if err != nil {
		return nil, notFoundWrap(err, "get action %s", actionID)
	}
	return &a, nil
}

func (s *Store) GetActionCalendar(ctx context.Context, companyID, locationID, actionID string) (*agent.ActionCalendar, error) {
	var c agent.ActionCalendar
	err := s.pool.QueryRow(ctx,
		`SELECT location_id, action_id, calendar_id, calendar_name FROM action_calendars
		 WHERE company_id = $1 AND location_id = $2 AND action_id = $3`,
		companyID, locationID, actionID,
	).Scan(&c.LocationID, &c.ActionID, &c.CalendarID, &c.CalendarName)
	if err != nil {
		return nil, notFoundWrap(err, "get calendar for action %s at %s", actionID, locationID)
	}
	return &c, nil
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...any) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(row scannable) (agent.Agent, error) {
	var a agent.Agent
	err := row.Scan(&a.ID, &a.CompanyID, &a.Name, &a.Enabled, &a.Locations, &a.Tags,
		&a.PromptID, &a.Model, &a.APIKey, &a.Actions, &a.Position)
	return a, err
}
