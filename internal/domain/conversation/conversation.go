// Package conversation defines the lead conversation and its append-only message log.
package conversation

import (
	"encoding/json"
	"time"
)

// Kind separates live CRM conversations from emulator rehearsals.
type Kind string

const (
	KindLive     Kind = "live"
	KindEmulator Kind = "emulator"
)

// Direction of a message relative to the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// AI author fields stamped on every generated message.
const (
	AIUserID   = "TextualyAI"
	AIUserName = "Textualy AI"
)

// Ref identifies a conversation. Live conversations are keyed by contact ID.
type Ref struct {
	CompanyID string `json:"company_id"`
	Kind      Kind   `json:"kind"`
	ID        string `json:"id"`
}

// Live returns the reference of the live conversation for a contact.
func Live(companyID, contactID string) Ref {
	return Ref{CompanyID: companyID, Kind: KindLive, ID: contactID}
}

// Conversation is shared by every invocation handling the same lead.
// It is only ever written through partial merges (see Patch).
type Conversation struct {
	Ref             Ref       `json:"ref"`
	LocationID      string    `json:"location_id"`
	DateStarted     time.Time `json:"date_started"`
	DateUpdated     time.Time `json:"date_updated"`
	ContactEmail    string    `json:"contact_email"`
	ContactFullName string    `json:"contact_full_name"`
	ContactPhone    string    `json:"contact_phone"`
	LastAgentID     string    `json:"last_agent_id"`
	Agents          []string  `json:"agents"`
	Replied         bool      `json:"replied"`
	Booked          bool      `json:"booked"`
	CurrBooked      bool      `json:"curr_booked"`
	Rescheduled     bool      `json:"rescheduled"`
	// PinnedAgentID fixes the agent of an emulator conversation.
	PinnedAgentID   string    `json:"pinned_agent_id,omitempty"`
}

// HasAgent reports whether the agent has already handled this conversation.
func (c *Conversation) HasAgent(agentID string) bool {
	for _, a := range c.Agents {
		if a == agentID {
			return true
		}
	}
	return false
}

// Patch is an overwrite-if-provided update. Nil fields are left untouched and
// AddAgents is unioned into the agent set, which never shrinks.
type Patch struct {
	DateUpdated *time.Time `json:"date_updated,omitempty"`
	LastAgentID *string    `json:"last_agent_id,omitempty"`
	AddAgents   []string   `json:"add_agents,omitempty"`
	Replied     *bool      `json:"replied,omitempty"`
	Booked      *bool      `json:"booked,omitempty"`
	CurrBooked  *bool      `json:"curr_booked,omitempty"`
	Rescheduled *bool      `json:"rescheduled,omitempty"`
}

// Empty reports whether the patch carries no field.
func (p Patch) Empty() bool {
	return p.DateUpdated == nil && p.LastAgentID == nil && len(p.AddAgents) == 0 &&
		p.Replied == nil && p.Booked == nil && p.CurrBooked == nil && p.Rescheduled == nil
}

// Apply merges the patch into c, mirroring the store's merge rules.
func (p Patch) Apply(c *Conversation) {
	if p.DateUpdated != nil {
		c.DateUpdated = *p.DateUpdated
	}
	if p.LastAgentID != nil {
		c.LastAgentID = *p.LastAgentID
	}
	for _, a := range p.AddAgents {
		if !c.HasAgent(a) {
			c.Agents = append(c.Agents, a)
		}
	}
	if p.Replied != nil {
		c.Replied = *p.Replied
	}
	if p.Booked != nil {
		c.Booked = *p.Booked
	}
	if p.CurrBooked != nil {
		c.CurrBooked = *p.CurrBooked
	}
	if p.Rescheduled != nil {
		c.Rescheduled = *p.Rescheduled
	}
}

// ToolCall is a model-requested invocation, carried inside an assistant message.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one entry of the append-only log. Its identity is DateAdded:
// a second write at the same identity is rejected.
type Message struct {
	DateAdded  time.Time  `json:"date_added"`
	Body       string     `json:"body"`
	Direction  Direction  `json:"direction"`
	UserID     string     `json:"user_id"`
	UserName   string     `json:"user_name"`
	AgentID    string     `json:"agent_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ShowUser   bool       `json:"show_user"`
}

// IsToolResult reports whether the message carries a tool execution result.
func (m *Message) IsToolResult() bool { return m.ToolCallID != "" }

// ToolCallsJSON encodes the tool calls for storage; nil when there are none.
func (m *Message) ToolCallsJSON() ([]byte, error) {
	if len(m.ToolCalls) == 0 {
		return nil, nil
	}
	return json.Marshal(m.ToolCalls)
}
