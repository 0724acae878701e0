// Package lead defines the inbound trigger, the CRM contact, and the
// outcomes of processing a trigger.
package lead

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/conversation"
)

// Pipeline outcomes. Each one maps to a distinct response status.
var (
	ErrDuplicateRequest                = errors.New("request already processed")
	ErrOptOut                          = errors.New("lead replied STOP")
	ErrNoApplicableAgent               = errors.New("no agent found for this lead based on the location and tags")
	ErrNoApplicableAgentPostGeneration = errors.New("agent no longer applies to this lead - not sending message")
	ErrSuperseded                      = errors.New("new text message sent since the previous one was processed here")
	ErrUnknownTool                     = errors.New("unknown tool")
	ErrArgumentValidation              = errors.New("invalid tool arguments")
	ErrToolLoopExceeded                = errors.New("tool loop exceeded iteration cap")
	ErrPolicy                          = errors.New("policy rejection")
)

// OptOutKeyword halts generation when it is the whole message body.
const OptOutKeyword = "stop"

// Trigger is one webhook event reporting a new message in a CRM conversation.
type Trigger struct {
	Type           string                 `json:"type"`
	Direction      conversation.Direction `json:"direction"`
	Body           string                 `json:"body"`
	DateAdded      string                 `json:"dateAdded"`
	ContactID      string                 `json:"contactId"`
	LocationID     string                 `json:"locationId"`
	ConversationID string                 `json:"conversationId,omitempty"`
	MessageType    string                 `json:"messageType,omitempty"`
	ContentType    string                 `json:"contentType,omitempty"`
}

// Validate checks the required fields and returns the parsed identity timestamp.
func (t *Trigger) Validate() (time.Time, error) {
	required := []struct{ name, value string }{
		{"direction", string(t.Direction)},
		{"body", t.Body},
		{"dateAdded", t.DateAdded},
		{"contactId", t.ContactID},
		{"locationId", t.LocationID},
	}
	for _, f := range required {
		if f.value == "" {
			return time.Time{}, fmt.Errorf("%w: request body missing required parameter: %s", domain.ErrValidation, f.name)
		}
	}
	if t.Direction != conversation.DirectionInbound && t.Direction != conversation.DirectionOutbound {
		return time.Time{}, fmt.Errorf("%w: invalid direction %q", domain.ErrValidation, t.Direction)
	}
	at, err := time.Parse(time.RFC3339Nano, t.DateAdded)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: dateAdded must be ISO-8601: %v", domain.ErrValidation, err)
	}
	return at.UTC(), nil
}

// IsOptOut reports whether body is exactly the opt-out keyword, ignoring case.
func IsOptOut(body string) bool {
	return strings.EqualFold(body, OptOutKeyword)
}

// Contact is the CRM view of a lead.
type Contact struct {
	ID        string   `json:"id"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Email     string   `json:"email"`
	Phone     string   `json:"phone"`
	Timezone  string   `json:"timezone"`
	Tags      []string `json:"tags"`
}

// FullName joins first and last name the way the CRM displays them.
func (c *Contact) FullName() string {
	return c.FirstName + " " + c.LastName
}
