// Package audit defines the structured audit log entry.
package audit

import (
	"encoding/json"
	"time"
)

// Operation classifies an audit entry.
type Operation string

const (
	OpAPIRequest  Operation = "APIRequest"
	OpDBWrite     Operation = "DBWrite"
	OpAPIResponse Operation = "APIResponse"
)

// Endpoints recorded on audit entries.
const (
	EndpointConversation  = "function/ghl_conversation"
	EndpointEmulator      = "function/emulator_conversation"
	EndpointKnowledgeBase = "function/location_knowledge_base"
)

// Entry is one audit record. Every rejected or failed trigger leaves exactly
// one APIResponse entry.
type Entry struct {
	ID         string          `json:"id"`
	LocationID string          `json:"location_id"`
	ContactID  string          `json:"contact_id"`
	Operation  Operation       `json:"operation"`
	Endpoint   string          `json:"endpoint"`
	Details    json.RawMessage `json:"details"`
	CreatedAt  time.Time       `json:"created_at"`
}
