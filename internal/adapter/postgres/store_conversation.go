package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/conversation"
)

const conversationColumns = `company_id, kind, id, location_id, date_started, date_updated,
	contact_email, contact_full_name, contact_phone, last_agent_id, agents,
	replied, booked, curr_booked, rescheduled, pinned_agent_id`

const messageColumns = `date_added, body, direction, user_id, user_name, agent_id,
	tool_name, tool_call_id, tool_calls, show_user`

func (s *Store) GetConversation(ctx context.Context, ref conversation.Ref) (*conversation.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE company_id = $1 AND kind = $2 AND id = $3`,
		ref.CompanyID, ref.Kind, ref.ID)
	c, err := scanConversation(row)
	if err != nil {
		return nil, notFoundWrap(err, "get conversation %s", ref.ID)
	}
	return c, nil
}

func (s *Store) CreateConversation(ctx context.Context, c *conversation.Conversation) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (company_id, kind, id) DO NOTHING`,
		c.Ref.CompanyID, c.Ref.Kind, c.Ref.ID, c.LocationID, c.DateStarted, c.DateUpdated,
		c.ContactEmail, c.ContactFullName, c.ContactPhone, c.LastAgentID, pgTextArray(c.Agents),
		c.Replied, c.Booked, c.CurrBooked, c.Rescheduled, c.PinnedAgentID)
	if err != nil {
		return false, fmt.Errorf("create conversation %s: %w", c.Ref.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// PatchConversation applies p in a single UPDATE so concurrent patches of
// disjoint fields never clobber each other and the agent set only grows.
func (s *Store) PatchConversation(ctx context.Context, ref conversation.Ref, p conversation.Patch) error {
	if p.Empty() {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET
			date_updated  = COALESCE($4::timestamptz, date_updated),
			last_agent_id = COALESCE($5::text, last_agent_id),
			agents        = agents || ARRAY(
				SELECT a FROM unnest($6::text[]) WITH ORDINALITY AS u(a, n)
				WHERE NOT (a = ANY(conversations.agents)) ORDER BY n),
			replied       = COALESCE($7::boolean, replied),
			booked        = COALESCE($8::boolean, booked),
			curr_booked   = COALESCE($9::boolean, curr_booked),
			rescheduled   = COALESCE($10::boolean, rescheduled)
		 WHERE company_id = $1 AND kind = $2 AND id = $3`,
		ref.CompanyID, ref.Kind, ref.ID,
		p.DateUpdated, p.LastAgentID, dedupe(p.AddAgents),
		p.Replied, p.Booked, p.CurrBooked, p.Rescheduled)
	return execExpectOne(tag, err, "patch conversation %s", ref.ID)
}

func (s *Store) CreateMessage(ctx context.Context, ref conversation.Ref, m *conversation.Message) error {
	calls, err := m.ToolCallsJSON()
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO messages (company_id, kind, conversation_id, `+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT DO NOTHING`,
		ref.CompanyID, ref.Kind, ref.ID,
		m.DateAdded, m.Body, m.Direction, m.UserID, m.UserName, m.AgentID,
		m.ToolName, m.ToolCallID, calls, m.ShowUser)
	if err != nil {
		return fmt.Errorf("create message %s/%s: %w", ref.ID, m.DateAdded.Format(time.RFC3339Nano), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create message %s/%s: %w", ref.ID, m.DateAdded.Format(time.RFC3339Nano), domain.ErrConflict)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, ref conversation.Ref, at time.Time) (*conversation.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE company_id = $1 AND kind = $2 AND conversation_id = $3 AND date_added = $4`,
		ref.CompanyID, ref.Kind, ref.ID, at)
	m, err := scanMessage(row)
	if err != nil {
		return nil, notFoundWrap(err, "get message %s/%s", ref.ID, at.Format(time.RFC3339Nano))
	}
	return m, nil
}

func (s *Store) LatestMessages(ctx context.Context, ref conversation.Ref, limit int) ([]conversation.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE company_id = $1 AND kind = $2 AND conversation_id = $3
		 ORDER BY date_added DESC LIMIT $4`,
		ref.CompanyID, ref.Kind, ref.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("latest messages %s: %w", ref.ID, err)
	}
	defer rows.Close()

	var result []conversation.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest messages %s: %w", ref.ID, err)
	}
	slices.Reverse(result)
	return result, nil
}

func (s *Store) DeleteMessage(ctx context.Context, ref conversation.Ref, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE company_id = $1 AND kind = $2 AND conversation_id = $3 AND date_added = $4`,
		ref.CompanyID, ref.Kind, ref.ID, at)
	return execExpectOne(tag, err, "delete message %s/%s", ref.ID, at.Format(time.RFC3339Nano))
}

func scanConversation(row scannable) (*conversation.Conversation, error) {
	var c conversation.Conversation
	err := row.Scan(&c.Ref.CompanyID, &c.Ref.Kind, &c.Ref.ID, &c.LocationID, &c.DateStarted, &c.DateUpdated,
		&c.ContactEmail, &c.ContactFullName, &c.ContactPhone, &c.LastAgentID, &c.Agents,
		&c.Replied, &c.Booked, &c.CurrBooked, &c.Rescheduled, &c.PinnedAgentID)
	if err != nil {
		return nil, err
	}
	c.DateStarted = c.DateStarted.UTC()
	c.DateUpdated = c.DateUpdated.UTC()
	return &c, nil
}

func scanMessage(row scannable) (*conversation.Message, error) {
	var (
		m     conversation.Message
		calls []byte
	)
	err := row.Scan(&m.DateAdded, &m.Body, &m.Direction, &m.UserID, &m.UserName, &m.AgentID,
		&m.ToolName, &m.ToolCallID, &calls, &m.ShowUser)
	if err != nil {
		return nil, err
	}
	m.DateAdded = m.DateAdded.UTC()
	if len(calls) > 0 {
		if err := json.Unmarshal(calls, &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	return &m, nil
}
