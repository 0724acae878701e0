package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/port/crm"
	"github.com/textualy/autoreply/internal/port/database"
)

// Emulator lead identity.
const (
	EmulatorContactID   = "EMULATOR_CONTACT"
	EmulatorContactName = "Emulator Lead"
	EmulatorTimezone    = "America/Chicago"
)

// CreateEmulatorRequest starts a rehearsal conversation with a pinned agent.
type CreateEmulatorRequest struct {
	LocationID string `json:"locationId" validate:"required"`
	AgentID    string `json:"agentId" validate:"required"`
}

// EmulatorService rehearses agents against a fake lead. It shares the prompt
// and loop with the live pipeline but runs every tool in simulation and
// never sends anything.
type EmulatorService struct {
	store   database.Store
	prompts *PromptBuilder
	loop    *ToolLoop
	stamper *Stamper
	audit   *AuditRecorder
	now     func() time.Time
}

// NewEmulatorService creates an EmulatorService.
func NewEmulatorService(store database.Store, prompts *PromptBuilder, loop *ToolLoop, stamper *Stamper, recorder *AuditRecorder) *EmulatorService {
	return &EmulatorService{
		store:   store,
		prompts: prompts,
		loop:    loop,
		stamper: stamper,
		audit:   recorder,
		now:     time.Now,
	}
}

func emulatorRef(companyID, id string) conversation.Ref {
	return conversation.Ref{CompanyID: companyID, Kind: conversation.KindEmulator, ID: id}
}

// Create starts an emulator conversation for the company.
func (s *EmulatorService) Create(ctx context.Context, companyID string, req *CreateEmulatorRequest) (*conversation.Conversation, error) {
	if req.LocationID == "" || req.AgentID == "" {
		return nil, fmt.Errorf("%w: locationId and agentId are required", domain.ErrValidation)
	}
	if _, err := s.store.GetLocation(ctx, companyID, req.LocationID); err != nil {
		return nil, fmt.Errorf("location %s: %w", req.LocationID, err)
	}
	if _, err := s.store.GetAgent(ctx, companyID, req.AgentID); err != nil {
		return nil, fmt.Errorf("agent %s: %w", req.AgentID, err)
	}

	now := s.now().UTC()
	c := &conversation.Conversation{
		Ref:             emulatorRef(companyID, uuid.NewString()),
		LocationID:      req.LocationID,
		DateStarted:     now,
		DateUpdated:     now,
		ContactFullName: EmulatorContactName,
		Agents:          []string{},
		PinnedAgentID:   req.AgentID,
	}
	if _, err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("create emulator conversation: %w", err)
	}
	s.audit.Record(ctx, audit.EndpointEmulator, audit.OpDBWrite, req.LocationID, EmulatorContactID, c)
	return c, nil
}

// Get returns an emulator conversation of the company.
func (s *EmulatorService) Get(ctx context.Context, companyID, id string) (*conversation.Conversation, error) {
	return s.store.GetConversation(ctx, emulatorRef(companyID, id))
}

// Messages returns up to limit of the latest messages, oldest first.
func (s *EmulatorService) Messages(ctx context.Context, companyID, id string, limit int) ([]conversation.Message, error) {
	if _, err := s.Get(ctx, companyID, id); err != nil {
		return nil, err
	}
	return s.store.LatestMessages(ctx, emulatorRef(companyID, id), limit)
}

// AddLeadMessage appends a message written by the emulated lead.
func (s *EmulatorService) AddLeadMessage(ctx context.Context, companyID, id, body string) (*conversation.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: body is required", domain.ErrValidation)
	}
	c, err := s.Get(ctx, companyID, id)
	if err != nil {
		return nil, err
	}
	m := conversation.Message{
		DateAdded: s.stamper.Next(),
		Body:      body,
		Direction: conversation.DirectionInbound,
		UserID:    EmulatorContactID,
		UserName:  EmulatorContactName,
	}
	if err := s.store.CreateMessage(ctx, c.Ref, &m); err != nil {
		return nil, fmt.Errorf("append lead message: %w", err)
	}
	s.audit.Record(ctx, audit.EndpointEmulator, audit.OpDBWrite, c.LocationID, EmulatorContactID, m)
	return &m, nil
}

// Reply generates the pinned agent's next message in simulation.
func (s *EmulatorService) Reply(ctx context.Context, companyID, id string) (*Outcome, error) {
	c, err := s.Get(ctx, companyID, id)
	if err != nil {
		return OutcomeFor(err), err
	}
	reply, err := s.reply(ctx, c)
	out := OutcomeFor(err)
	if err == nil {
		out.Reply = reply.Body
	}
	s.audit.Record(ctx, audit.EndpointEmulator, audit.OpAPIResponse, c.LocationID, EmulatorContactID, out)
	return out, err
}

func (s *EmulatorService) reply(ctx context.Context, c *conversation.Conversation) (*conversation.Message, error) {
	ag, err := s.store.GetAgent(ctx, c.Ref.CompanyID, c.PinnedAgentID)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", c.PinnedAgentID, err)
	}

	latest, err := s.store.LatestMessages(ctx, c.Ref, 1)
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	if len(latest) == 1 && latest[0].Direction == conversation.DirectionInbound && lead.IsOptOut(latest[0].Body) {
		return nil, lead.ErrOptOut
	}

	prompt, err := s.prompts.Build(ctx, PromptInput{
		Ref:        c.Ref,
		LocationID: c.LocationID,
		Agent:      ag,
		Timezone:   EmulatorTimezone,
	})
	if err != nil {
		return nil, err
	}

	res, err := s.loop.Run(ctx, &Turn{
		Agent:   ag,
		System:  prompt.System,
		History: prompt.History,
		Tools: ToolContext{
			Ref:       c.Ref,
			Session:   crm.Session{LocationID: c.LocationID},
			ContactID: EmulatorContactID,
			Simulate:  true,
			Endpoint:  audit.EndpointEmulator,
			Webhooks:  prompt.Webhooks,
		},
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	yes := true
	p := conversation.Patch{DateUpdated: &now, LastAgentID: &ag.ID, AddAgents: []string{ag.ID}, Replied: &yes}
	if err := s.store.PatchConversation(ctx, c.Ref, p); err != nil {
		return nil, fmt.Errorf("update emulator conversation: %w", err)
	}
	s.audit.Record(ctx, audit.EndpointEmulator, audit.OpDBWrite, c.LocationID, EmulatorContactID, p)
	return &res.Reply, nil
}
