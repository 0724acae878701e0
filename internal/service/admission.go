package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/port/database"
)

// Admission is the gate's decision for one trigger.
type Admission struct {
	// Generate is true only for inbound triggers.
	Generate bool
	// Persisted is false when an outbound echo was skipped.
	Persisted bool
	Message   conversation.Message
}

// Gate decides whether a trigger is persisted and whether it leads to
// generation. Message identity is the trigger's dateAdded, so webhook
// retries land on the same identity and are rejected.
type Gate struct {
	store database.ConversationStore
	audit *AuditRecorder
	now   func() time.Time
}

// NewGate creates a Gate for live conversations.
func NewGate(store database.ConversationStore, recorder *AuditRecorder) *Gate {
	return &Gate{store: store, audit: recorder, now: time.Now}
}

// TriggerIdentity parses the trigger timestamp at the precision messages are stored with.
func TriggerIdentity(t *lead.Trigger) (time.Time, error) {
	at, err := t.Validate()
	if err != nil {
		return time.Time{}, err
	}
	return at.Truncate(time.Microsecond), nil
}

// EnsureConversation returns the conversation for ref, creating it from the
// contact when missing.
func (g *Gate) EnsureConversation(ctx context.Context, ref conversation.Ref, locationID string, contact *lead.Contact) (*conversation.Conversation, error) {
	c, err := g.store.GetConversation(ctx, ref)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	now := g.now().UTC()
	c = &conversation.Conversation{
		Ref:             ref,
		LocationID:      locationID,
		DateStarted:     now,
		DateUpdated:     now,
		ContactEmail:    contact.Email,
		ContactFullName: contact.FullName(),
		ContactPhone:    contact.Phone,
		Agents:          []string{},
	}
	created, err := g.store.CreateConversation(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if !created {
		// A concurrent invocation won the insert.
		return g.store.GetConversation(ctx, ref)
	}
	g.audit.Record(ctx, audit.EndpointConversation, audit.OpDBWrite, locationID, contact.ID, c)
	return c, nil
}

// Admit applies the admission rules to trigger t on conversation ref.
// agentID is stamped on outbound echoes.
func (g *Gate) Admit(ctx context.Context, ref conversation.Ref, t *lead.Trigger, contact *lead.Contact, agentID string) (*Admission, error) {
	at, err := TriggerIdentity(t)
	if err != nil {
		return nil, err
	}

	if _, err := g.store.GetMessage(ctx, ref, at); err == nil {
		return nil, lead.ErrDuplicateRequest
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("check message identity: %w", err)
	}

	m := conversation.Message{
		DateAdded: at,
		Body:      t.Body,
		Direction: t.Direction,
	}
	adm := &Admission{Generate: t.Direction == conversation.DirectionInbound}

	if adm.Generate {
		m.UserID = contact.ID
		m.UserName = contact.FullName()
	} else {
		m.UserID = conversation.AIUserID
		m.UserName = conversation.AIUserName
		m.AgentID = agentID

		latest, err := g.store.LatestMessages(ctx, ref, 1)
		if err != nil {
			return nil, fmt.Errorf("latest message: %w", err)
		}
		if len(latest) == 1 && latest[0].Body == m.Body && latest[0].Direction == m.Direction {
			adm.Message = latest[0]
			return adm, nil
		}
	}

	if err := g.store.CreateMessage(ctx, ref, &m); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, lead.ErrDuplicateRequest
		}
		return nil, fmt.Errorf("persist trigger message: %w", err)
	}
	g.audit.Record(ctx, audit.EndpointConversation, audit.OpDBWrite, t.LocationID, t.ContactID, m)

	adm.Persisted = true
	adm.Message = m
	return adm, nil
}
