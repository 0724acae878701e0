package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cfotel "github.com/textualy/autoreply/internal/adapter/otel"
	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/logger"
	"github.com/textualy/autoreply/internal/port/crm"
	"github.com/textualy/autoreply/internal/port/database"
)

// SessionProvider issues authenticated CRM sessions per location.
type SessionProvider interface {
	Session(ctx context.Context, locationID string) (crm.Session, error)
}

// LeadReplyService runs the reply pipeline for CRM message triggers.
type LeadReplyService struct {
	store       database.Store
	credentials SessionProvider
	crm         crm.Client
	gate        *Gate
	resolver    *Resolver
	fence       *Fence
	prompts     *PromptBuilder
	loop        *ToolLoop
	audit       *AuditRecorder
	metrics     *cfotel.Metrics
	now         func() time.Time
}

// NewLeadReplyService creates a LeadReplyService.
func NewLeadReplyService(
	store database.Store,
	credentials SessionProvider,
	client crm.Client,
	gate *Gate,
	resolver *Resolver,
	fence *Fence,
	prompts *PromptBuilder,
	loop *ToolLoop,
	recorder *AuditRecorder,
) *LeadReplyService {
	return &LeadReplyService{
		store:       store,
		credentials: credentials,
		crm:         client,
		gate:        gate,
		resolver:    resolver,
		fence:       fence,
		prompts:     prompts,
		loop:        loop,
		audit:       recorder,
		now:         time.Now,
	}
}

// SetMetrics wires OpenTelemetry instruments.
func (s *LeadReplyService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// HandleTrigger processes one webhook trigger end to end. The returned
// Outcome mirrors err and is what the caller responds with. Exactly one
// APIResponse audit entry is emitted per call.
func (s *LeadReplyService) HandleTrigger(ctx context.Context, t *lead.Trigger) (*Outcome, error) {
	start := s.now()
	ctx = logger.WithLead(ctx, t.LocationID, t.ContactID)
	ctx, span := cfotel.StartTriggerSpan(ctx, string(conversation.KindLive), t.LocationID, t.ContactID)
	if s.metrics != nil {
		s.metrics.Triggers.Add(ctx, 1)
	}

	err := s.handle(ctx, t)

	out := OutcomeFor(err)
	s.audit.Record(ctx, audit.EndpointConversation, audit.OpAPIResponse, t.LocationID, t.ContactID, out)
	label := OutcomeLabel(err)
	s.metrics.RecordOutcome(ctx, string(conversation.KindLive), label, s.now().Sub(start))
	if label == "error" {
		cfotel.EndSpan(span, err)
		slog.ErrorContext(ctx, "trigger failed", "error", err)
	} else {
		span.End()
		slog.InfoContext(ctx, "trigger handled", "outcome", label, "reason", out.Reason)
	}
	return out, err
}

func (s *LeadReplyService) handle(ctx context.Context, t *lead.Trigger) error {
	if _, err := TriggerIdentity(t); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.EndpointConversation, audit.OpAPIRequest, t.LocationID, t.ContactID, t)

	companyID, err := s.store.CompanyForLocation(ctx, t.LocationID)
	if err != nil {
		return fmt.Errorf("company for location %s: %w", t.LocationID, err)
	}
	session, err := s.credentials.Session(ctx, t.LocationID)
	if err != nil {
		return err
	}
	contact, err := s.crm.GetContact(ctx, session, t.ContactID)
	if err != nil {
		return fmt.Errorf("fetch contact: %w", err)
	}
	if len(contact.Tags) == 0 {
		return fmt.Errorf("%w: no tags for this lead", lead.ErrNoApplicableAgent)
	}

	agents, err := s.resolver.Candidates(ctx, companyID, t.LocationID)
	if err != nil {
		return err
	}
	chosen, err := Resolve(contact.Tags, agents)
	if err != nil {
		return err
	}

	ref := conversation.Live(companyID, t.ContactID)
	if _, err := s.gate.EnsureConversation(ctx, ref, t.LocationID, contact); err != nil {
		return err
	}
	adm, err := s.gate.Admit(ctx, ref, t, contact, chosen.ID)
	if err != nil {
		return err
	}
	if !adm.Generate {
		return nil
	}
	if lead.IsOptOut(t.Body) {
		return lead.ErrOptOut
	}

	tok, err := s.fence.Capture(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.fence.Debounce(ctx); err != nil {
		return fmt.Errorf("debounce: %w", err)
	}
	if err := s.fence.Check(ctx, ref, tok); err != nil {
		return err
	}

	prompt, err := s.prompts.Build(ctx, PromptInput{
		Ref:        ref,
		LocationID: t.LocationID,
		Agent:      chosen,
		Timezone:   contact.Timezone,
	})
	if err != nil {
		return err
	}
	res, err := s.loop.Run(ctx, &Turn{
		Agent:   chosen,
		System:  prompt.System,
		History: prompt.History,
		Tools: ToolContext{
			Ref:       ref,
			Session:   session,
			ContactID: t.ContactID,
			Endpoint:  audit.EndpointConversation,
			Webhooks:  prompt.Webhooks,
		},
	})
	if err != nil {
		return err
	}

	// The reply stays logged when superseded; it is just never sent.
	if err := s.fence.Check(ctx, ref, tok, res.Written...); err != nil {
		return err
	}

	fresh, err := s.crm.GetContact(ctx, session, t.ContactID)
	if err != nil {
		return fmt.Errorf("refetch contact: %w", err)
	}
	if err := s.resolver.PostCheck(fresh, agents); err != nil {
		if derr := s.store.DeleteMessage(ctx, ref, res.Reply.DateAdded); derr != nil {
			slog.ErrorContext(ctx, "compensating delete failed", "message_at", res.Reply.DateAdded, "error", derr)
		}
		return err
	}

	if err := s.markReplied(ctx, ref, t, chosen.ID); err != nil {
		return err
	}
	if res.Reply.Body == "" {
		slog.WarnContext(ctx, "model produced an empty reply, nothing sent", "agent_id", chosen.ID)
		return nil
	}
	if err := s.crm.SendSMS(ctx, session, t.ContactID, res.Reply.Body); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (s *LeadReplyService) markReplied(ctx context.Context, ref conversation.Ref, t *lead.Trigger, agentID string) error {
	now := s.now().UTC()
	yes := true
	p := conversation.Patch{
		DateUpdated: &now,
		LastAgentID: &agentID,
		AddAgents:   []string{agentID},
		Replied:     &yes,
	}
	if err := s.store.PatchConversation(ctx, ref, p); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	s.audit.Record(ctx, audit.EndpointConversation, audit.OpDBWrite, t.LocationID, t.ContactID, p)
	return nil
}
