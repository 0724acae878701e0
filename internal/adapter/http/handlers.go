package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/faq"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/middleware"
	"github.com/textualy/autoreply/internal/service"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// TriggerHandler runs the reply pipeline for one webhook trigger.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, t *lead.Trigger) (*service.Outcome, error)
}

// Emulator manages rehearsal conversations.
type Emulator interface {
	Create(ctx context.Context, companyID string, req *service.CreateEmulatorRequest) (*conversation.Conversation, error)
	Get(ctx context.Context, companyID, id string) (*conversation.Conversation, error)
	Messages(ctx context.Context, companyID, id string, limit int) ([]conversation.Message, error)
	AddLeadMessage(ctx context.Context, companyID, id, body string) (*conversation.Message, error)
	Reply(ctx context.Context, companyID, id string) (*service.Outcome, error)
}

// KnowledgeBase replaces the FAQ set of a location.
type KnowledgeBase interface {
	Replace(ctx context.Context, companyID, locationID string, req *faq.UpdateRequest) ([]string, error)
}

// Auditor records audit entries.
type Auditor interface {
	Record(ctx context.Context, endpoint string, op audit.Operation, locationID, contactID string, details any)
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	Triggers      TriggerHandler
	Emulator      Emulator
	KnowledgeBase KnowledgeBase
	// Audit records triggers refused before the pipeline runs; nil skips them.
	Audit Auditor
	// Ready reports whether backing services are reachable.
	Ready func(ctx context.Context) error

	BodyLimit int64
	// TriggerTimeout bounds one pipeline run. The run is detached from the
	// client connection so a dropped webhook does not abort it halfway.
	TriggerTimeout time.Duration
}

// HandleMessageTrigger handles POST /api/v1/webhooks/message.
func (h *Handlers) HandleMessageTrigger(w http.ResponseWriter, r *http.Request) {
	t, ok := readJSONOr[lead.Trigger](w, r, h.BodyLimit, func(status int, reason string) {
		h.RejectTrigger(r, status, reason)
	})
	if !ok {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if h.TriggerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.TriggerTimeout)
		defer cancel()
	}

	out, err := h.Triggers.HandleTrigger(ctx, &t)
	writeOutcome(w, out, err)
}

type rejectedTrigger struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Status  int    `json:"status"`
	Remote  string `json:"remote,omitempty"`
}

// RejectTrigger records the response to a trigger refused before it reached
// the pipeline, such as a bad signature or an undecodable body.
func (h *Handlers) RejectTrigger(r *http.Request, status int, reason string) {
	slog.WarnContext(r.Context(), "trigger rejected", "status", status, "reason", reason, "remote", r.RemoteAddr)
	if h.Audit == nil {
		return
	}
	h.Audit.Record(r.Context(), audit.EndpointConversation, audit.OpAPIResponse, "", "",
		rejectedTrigger{Reason: reason, Status: status, Remote: r.RemoteAddr})
}

type addMessageRequest struct {
	Body string `json:"body" validate:"required"`
}

// CreateEmulatorConversation handles POST /api/v1/emulator/conversations.
func (h *Handlers) CreateEmulatorConversation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.CreateEmulatorRequest](w, r, h.BodyLimit)
	if !ok {
		return
	}
	c, err := h.Emulator.Create(r.Context(), middleware.CompanyID(r.Context()), &req)
	if err != nil {
		writeResourceError(w, err, "location or agent not found")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetEmulatorConversation handles GET /api/v1/emulator/conversations/{id}.
func (h *Handlers) GetEmulatorConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.Emulator.Get(r.Context(), middleware.CompanyID(r.Context()), urlParam(r, "id"))
	if err != nil {
		writeResourceError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListEmulatorMessages handles GET /api/v1/emulator/conversations/{id}/messages.
func (h *Handlers) ListEmulatorMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultMessageLimit, maxMessageLimit)
	msgs, err := h.Emulator.Messages(r.Context(), middleware.CompanyID(r.Context()), urlParam(r, "id"), limit)
	if err != nil {
		writeResourceError(w, err, "conversation not found")
		return
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// AddEmulatorMessage handles POST /api/v1/emulator/conversations/{id}/messages.
func (h *Handlers) AddEmulatorMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[addMessageRequest](w, r, h.BodyLimit)
	if !ok {
		return
	}
	m, err := h.Emulator.AddLeadMessage(r.Context(), middleware.CompanyID(r.Context()), urlParam(r, "id"), req.Body)
	if err != nil {
		writeResourceError(w, err, "conversation not found")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ReplyEmulator handles POST /api/v1/emulator/conversations/{id}/reply.
func (h *Handlers) ReplyEmulator(w http.ResponseWriter, r *http.Request) {
	out, err := h.Emulator.Reply(r.Context(), middleware.CompanyID(r.Context()), urlParam(r, "id"))
	if err != nil && statusFor(err) == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "emulator reply failed", "conversation_id", urlParam(r, "id"), "error", err)
	}
	writeOutcome(w, out, err)
}

type replaceFAQsResponse struct {
	Success bool     `json:"success"`
	IDs     []string `json:"ids"`
}

// ReplaceFAQs handles PUT /api/v1/locations/{locationId}/faqs.
func (h *Handlers) ReplaceFAQs(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[faq.UpdateRequest](w, r, h.BodyLimit)
	if !ok {
		return
	}
	ids, err := h.KnowledgeBase.Replace(r.Context(), middleware.CompanyID(r.Context()), urlParam(r, "locationId"), &req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replaceFAQsResponse{Success: true, IDs: ids})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			slog.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
