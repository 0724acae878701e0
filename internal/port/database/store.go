// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/textualy/autoreply/internal/domain/agent"
	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/credential"
	"github.com/textualy/autoreply/internal/domain/faq"
)

// ConversationStore is the document store behind the pipeline: conversations
// are partially merged, messages are create-if-absent.
type ConversationStore interface {
	GetConversation(ctx context.Context, ref conversation.Ref) (*conversation.Conversation, error)
	// CreateConversation inserts c unless it already exists; it reports whether it was created.
	CreateConversation(ctx context.Context, c *conversation.Conversation) (bool, error)
	PatchConversation(ctx context.Context, ref conversation.Ref, p conversation.Patch) error

	// CreateMessage returns domain.ErrConflict when a message already exists at m.DateAdded.
	CreateMessage(ctx context.Context, ref conversation.Ref, m *conversation.Message) error
	GetMessage(ctx context.Context, ref conversation.Ref, at time.Time) (*conversation.Message, error)
	// LatestMessages returns up to limit messages, oldest first.
	LatestMessages(ctx context.Context, ref conversation.Ref, limit int) ([]conversation.Message, error)
	DeleteMessage(ctx context.Context, ref conversation.Ref, at time.Time) error
}

// AgentDirectory serves the read-only agent configuration.
type AgentDirectory interface {
	CompanyForLocation(ctx context.Context, locationID string) (string, error)
	// AgentsForLocation returns enabled agents in canonical order: agents bound to
	// the location first, then all-locations agents, each by (position, id).
	AgentsForLocation(ctx context.Context, companyID, locationID string) ([]agent.Agent, error)
	GetAgent(ctx context.Context, companyID, agentID string) (*agent.Agent, error)
	ListAgents(ctx context.Context, companyID string) ([]agent.Agent, error)
	GetLocation(ctx context.Context, companyID, locationID string) (*agent.Location, error)
	GetPrompt(ctx context.Context, companyID, promptID string) (*agent.Prompt, error)
	GetAction(ctx context.Context, companyID, actionID string) (*agent.Action, error)
	GetActionCalendar(ctx context.Context, companyID, locationID, actionID string) (*agent.ActionCalendar, error)
}

// TokenStore persists OAuth grants per location.
type TokenStore interface {
	GetLocationToken(ctx context.Context, locationID string) (*credential.LocationToken, error)
	SaveLocationToken(ctx context.Context, t *credential.LocationToken) error
	ListTokensExpiringBefore(ctx context.Context, before time.Time) ([]credential.LocationToken, error)
}

// FAQStore persists embedded knowledge-base entries per location.
type FAQStore interface {
	ListFAQs(ctx context.Context, locationID string) ([]faq.Document, error)
	UpsertFAQs(ctx context.Context, docs []faq.Document) error
	DeleteFAQs(ctx context.Context, locationID string, questions []string) error
}

// AuditStore persists audit entries.
type AuditStore interface {
	InsertAuditEntry(ctx context.Context, e *audit.Entry) error
}

// Store is the port interface for all database operations.
type Store interface {
	ConversationStore
	AgentDirectory
	TokenStore
	FAQStore
	AuditStore
}
