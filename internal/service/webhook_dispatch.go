package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/textualy/autoreply/internal/port/messagequeue"
)

// WebhookDispatcher delivers invoke_webhook calls. Dispatch only enqueues;
// a subscriber POSTs. Delivery has no result contract: failures are logged
// and never reach the pipeline.
type WebhookDispatcher struct {
	queue  messagequeue.Queue
	client *resty.Client
}

// NewWebhookDispatcher creates a WebhookDispatcher. With a nil queue,
// Dispatch delivers from a background goroutine.
func NewWebhookDispatcher(queue messagequeue.Queue, timeout time.Duration) *WebhookDispatcher {
	return &WebhookDispatcher{
		queue: queue,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

// Dispatch schedules a POST of {locationId, contactId} to url.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, url, locationID, contactID string) {
	p := messagequeue.WebhookDispatchPayload{URL: url, LocationID: locationID, ContactID: contactID}
	if d.queue != nil {
		data, err := json.Marshal(p)
		if err == nil {
			err = d.queue.Publish(ctx, messagequeue.SubjectWebhookDispatch, data)
		}
		if err == nil {
			return
		}
		slog.WarnContext(ctx, "webhook enqueue failed, delivering inline", "url", url, "error", err)
	}
	go d.deliver(context.WithoutCancel(ctx), p)
}

// Start subscribes to queued webhook dispatches.
func (d *WebhookDispatcher) Start(ctx context.Context) (func(), error) {
	cancel, err := d.queue.Subscribe(ctx, messagequeue.SubjectWebhookDispatch, d.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe webhook dispatch: %w", err)
	}
	return cancel, nil
}

func (d *WebhookDispatcher) handle(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.WebhookDispatchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode webhook dispatch: %w", err)
	}
	d.deliver(ctx, p)
	return nil
}

func (d *WebhookDispatcher) deliver(ctx context.Context, p messagequeue.WebhookDispatchPayload) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"locationId": p.LocationID, "contactId": p.ContactID}).
		Post(p.URL)
	if err != nil {
		slog.WarnContext(ctx, "webhook delivery failed", "url", p.URL, "error", err)
		return
	}
	if resp.IsError() {
		slog.WarnContext(ctx, "webhook rejected", "url", p.URL, "status", resp.StatusCode())
		return
	}
	slog.DebugContext(ctx, "webhook delivered", "url", p.URL, "status", resp.StatusCode())
}
