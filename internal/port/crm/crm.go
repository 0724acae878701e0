// Package crm defines the port to the CRM the leads live in.
package crm

import (
	"context"
	"encoding/json"

	"github.com/textualy/autoreply/internal/domain/credential"
	"github.com/textualy/autoreply/internal/domain/lead"
)

// Session authenticates calls on behalf of one location.
type Session struct {
	LocationID  string
	AccessToken string
}

// Appointment is an existing calendar event of a contact.
type Appointment struct {
	ID         string `json:"id"`
	CalendarID string `json:"calendarId"`
}

// BookingRequest books a contact into a calendar slot.
type BookingRequest struct {
	CalendarID string `json:"calendarId"`
	LocationID string `json:"locationId"`
	ContactID  string `json:"contactId"`
	StartTime  string `json:"startTime"`
	ToNotify   bool   `json:"toNotify"`
}

// Client is the CRM surface the pipeline and its tools use.
type Client interface {
	// GetContact returns domain.ErrNotFound when the contact is still
	// missing after the configured retries.
	GetContact(ctx context.Context, s Session, contactID string) (*lead.Contact, error)
	AddTag(ctx context.Context, s Session, contactID, tag string) (json.RawMessage, error)
	RemoveTag(ctx context.Context, s Session, contactID, tag string) (json.RawMessage, error)
	FreeSlots(ctx context.Context, s Session, calendarID string) (json.RawMessage, error)
	ContactAppointments(ctx context.Context, s Session, contactID string) ([]Appointment, error)
	CancelAppointment(ctx context.Context, s Session, contactID string, a Appointment) error
	BookAppointment(ctx context.Context, s Session, req BookingRequest) (json.RawMessage, error)
	SendSMS(ctx context.Context, s Session, contactID, message string) error
}

// TokenExchanger trades a refresh token for a new grant.
type TokenExchanger interface {
	RefreshToken(ctx context.Context, refreshToken string) (*credential.Grant, error)
}
