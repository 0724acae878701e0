package messagequeue

import "encoding/json"

// AuditEntryPayload is the schema for audit.entries messages.
type AuditEntryPayload struct {
	ID         string          `json:"id"`
	LocationID string          `json:"location_id"`
	ContactID  string          `json:"contact_id"`
	Operation  string          `json:"operation"`
	Endpoint   string          `json:"endpoint"`
	Details    json.RawMessage `json:"details"`
	CreatedAt  string          `json:"created_at"`
}

// WebhookDispatchPayload is the schema for webhooks.dispatch messages.
type WebhookDispatchPayload struct {
	URL        string `json:"url"`
	LocationID string `json:"locationId"`
	ContactID  string `json:"contactId"`
}
