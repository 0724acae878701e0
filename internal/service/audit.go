package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/port/database"
	"github.com/textualy/autoreply/internal/port/messagequeue"
)

// AuditRecorder publishes audit entries. Publishing is best effort: a failure
// degrades to a structured log line and never fails the caller.
type AuditRecorder struct {
	queue messagequeue.Queue
	now   func() time.Time
}

// NewAuditRecorder creates an AuditRecorder. A nil queue logs entries only.
func NewAuditRecorder(queue messagequeue.Queue) *AuditRecorder {
	return &AuditRecorder{queue: queue, now: time.Now}
}

// Record emits one entry. details is encoded as JSON.
func (r *AuditRecorder) Record(ctx context.Context, endpoint string, op audit.Operation, locationID, contactID string, details any) {
	if r == nil {
		return
	}
	raw, err := json.Marshal(details)
	if err != nil {
		raw = json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(details)))
	}
	p := messagequeue.AuditEntryPayload{
		ID:         uuid.NewString(),
		LocationID: locationID,
		ContactID:  contactID,
		Operation:  string(op),
		Endpoint:   endpoint,
		Details:    raw,
		CreatedAt:  r.now().UTC().Format(time.RFC3339Nano),
	}

	if r.queue != nil {
		data, err := json.Marshal(p)
		if err == nil {
			err = r.queue.Publish(ctx, messagequeue.SubjectAuditEntry, data)
		}
		if err == nil {
			return
		}
		slog.WarnContext(ctx, "audit publish failed, logging entry", "error", err)
	}
	slog.InfoContext(ctx, "audit",
		"audit_id", p.ID,
		"operation", p.Operation,
		"endpoint", p.Endpoint,
		"details", string(p.Details),
	)
}

// AuditSink persists audit entries received from the queue.
type AuditSink struct {
	queue messagequeue.Queue
	store database.AuditStore
}

// NewAuditSink creates an AuditSink.
func NewAuditSink(queue messagequeue.Queue, store database.AuditStore) *AuditSink {
	return &AuditSink{queue: queue, store: store}
}

// Start subscribes to audit entries. The returned function cancels the subscription.
func (s *AuditSink) Start(ctx context.Context) (func(), error) {
	cancel, err := s.queue.Subscribe(ctx, messagequeue.SubjectAuditEntry, s.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe audit entries: %w", err)
	}
	return cancel, nil
}

func (s *AuditSink) handle(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.AuditEntryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode audit entry: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit entry %s created_at: %w", p.ID, err)
	}
	e := &audit.Entry{
		ID:         p.ID,
		LocationID: p.LocationID,
		ContactID:  p.ContactID,
		Operation:  audit.Operation(p.Operation),
		Endpoint:   p.Endpoint,
		Details:    p.Details,
		CreatedAt:  created,
	}
	if err := s.store.InsertAuditEntry(ctx, e); err != nil {
		return fmt.Errorf("persist audit entry %s: %w", p.ID, err)
	}
	return nil
}
