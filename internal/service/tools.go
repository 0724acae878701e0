package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/port/crm"
	"github.com/textualy/autoreply/internal/port/database"
	"github.com/textualy/autoreply/internal/port/llm"
)

// Tool names advertised to the model.
const (
	ToolAddTag                  = "add_tag"
	ToolRemoveTag               = "remove_tag"
	ToolInvokeWebhook           = "invoke_webhook"
	ToolGetCalendarAvailability = "get_calendar_availability"
	ToolCancelAppointment       = "cancel_appointment"
	ToolBookAppointment         = "book_appointment"
)

// ToolContext is injected by the loop; the model never supplies it.
type ToolContext struct {
	Ref       conversation.Ref
	Session   crm.Session
	ContactID string
	Simulate  bool
	Endpoint  string
	// Webhooks lists the URLs invoke_webhook may call.
	Webhooks []string
}

// Failure is returned to the model when an external call fails, so it can
// tell the lead instead of aborting the turn.
type Failure struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func failure(msg string) *Failure {
	return &Failure{StatusCode: 400, Message: msg}
}

// AddTagArgs are the model-supplied arguments of add_tag.
type AddTagArgs struct {
	Tag string `json:"tag" jsonschema:"description=The tag to add to the lead" validate:"required"`
}

// RemoveTagArgs are the model-supplied arguments of remove_tag.
type RemoveTagArgs struct {
	Tag string `json:"tag" jsonschema:"description=The tag to remove from the lead" validate:"required"`
}

// InvokeWebhookArgs are the model-supplied arguments of invoke_webhook.
type InvokeWebhookArgs struct {
	URL string `json:"url" jsonschema:"description=The webhook URL to invoke" validate:"required,http_url"`
}

// CalendarAvailabilityArgs are the model-supplied arguments of get_calendar_availability.
type CalendarAvailabilityArgs struct {
	CalendarID string `json:"calendarId" jsonschema:"description=The ID of the calendar to get the availability from" validate:"required"`
}

// CancelAppointmentArgs are the model-supplied arguments of cancel_appointment.
type CancelAppointmentArgs struct {
	CalendarID   string `json:"calendarId" jsonschema:"description=The ID of the calendar the appointment is on" validate:"required"`
	CalendarName string `json:"calendarName" jsonschema:"description=The name of the calendar" validate:"required"`
}

// BookAppointmentArgs are the model-supplied arguments of book_appointment.
type BookAppointmentArgs struct {
	CalendarID   string `json:"calendarId" jsonschema:"description=The ID of the calendar to book on" validate:"required"`
	CalendarName string `json:"calendarName" jsonschema:"description=The name of the calendar" validate:"required"`
	BookingTime  string `json:"bookingTime" jsonschema:"description=The time to book the appointment in the format 2024-02-25T11:00:00" validate:"required,datetime=2006-01-02T15:04:05"`
}

// WebhookSink dispatches a webhook without waiting for it.
type WebhookSink interface {
	Dispatch(ctx context.Context, url, locationID, contactID string)
}

// boundCall is a validated tool call ready to run.
type boundCall func(ctx context.Context, tc ToolContext) (any, error)

type tool struct {
	def  llm.ToolDefinition
	bind func(raw string) (boundCall, error)
}

// ToolExecutor holds the static tool table and runs calls against the CRM.
type ToolExecutor struct {
	crm      crm.Client
	store    database.ConversationStore
	webhooks WebhookSink
	audit    *AuditRecorder

	settleMin, settleMax time.Duration
	sleep                func(ctx context.Context, d time.Duration) error
	jitter               func(n int64) int64

	tools map[string]tool
	defs  []llm.ToolDefinition
}

// NewToolExecutor builds the tool table. settleMin/settleMax bound the wait
// between cancelling and booking an appointment.
func NewToolExecutor(client crm.Client, store database.ConversationStore, webhooks WebhookSink, recorder *AuditRecorder, settleMin, settleMax time.Duration) *ToolExecutor {
	x := &ToolExecutor{
		crm:       client,
		store:     store,
		webhooks:  webhooks,
		audit:     recorder,
		settleMin: settleMin,
		settleMax: settleMax,
		sleep:     sleepCtx,
		jitter:    rand.Int64N,
		tools:     make(map[string]tool),
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}

	x.register(defineTool(r, v, ToolAddTag, "Call to add a tag to the lead", x.addTag))
	x.register(defineTool(r, v, ToolRemoveTag, "Call to remove a tag from the lead", x.removeTag))
	x.register(defineTool(r, v, ToolInvokeWebhook, "Call to invoke a webhook", x.invokeWebhook))
	x.register(defineTool(r, v, ToolGetCalendarAvailability, "Call to get availability from a calendar", x.calendarAvailability))
	x.register(defineTool(r, v, ToolCancelAppointment, "Call to cancel an appointment", x.cancelAppointment))
	x.register(defineTool(r, v, ToolBookAppointment, "Call to book an appointment", x.bookAppointment))
	return x
}

func (x *ToolExecutor) register(t tool) {
	x.tools[t.def.Name] = t
	x.defs = append(x.defs, t.def)
}

// Definitions returns the tool definitions in registration order.
func (x *ToolExecutor) Definitions() []llm.ToolDefinition {
	return x.defs
}

// Bind resolves and validates a model tool call without running it.
func (x *ToolExecutor) Bind(call llm.ToolCall) (boundCall, error) {
	t, ok := x.tools[call.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", lead.ErrUnknownTool, call.Name)
	}
	run, err := t.bind(call.Arguments)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call.Name, err)
	}
	return run, nil
}

func defineTool[A any](r *jsonschema.Reflector, v *validator.Validate, name, description string, run func(ctx context.Context, tc ToolContext, args *A) (any, error)) tool {
	schema := r.Reflect(new(A))
	schema.Version = ""
	params, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tool %s schema: %v", name, err))
	}
	return tool{
		def: llm.ToolDefinition{Name: name, Description: description, Parameters: params},
		bind: func(raw string) (boundCall, error) {
			args := new(A)
			if strings.TrimSpace(raw) == "" {
				raw = "{}"
			}
			if err := json.Unmarshal([]byte(raw), args); err != nil {
				return nil, fmt.Errorf("%w: %v", lead.ErrArgumentValidation, err)
			}
			if err := v.Struct(args); err != nil {
				return nil, fmt.Errorf("%w: %v", lead.ErrArgumentValidation, err)
			}
			return func(ctx context.Context, tc ToolContext) (any, error) {
				return run(ctx, tc, args)
			}, nil
		},
	}
}

// ResultBody renders a tool result as the message body the model sees.
func ResultBody(result any) (string, error) {
	switch v := result.(type) {
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode tool result: %w", err)
		}
		return string(b), nil
	}
}

// external turns a CRM error into a failure value. Cancellation stays fatal.
func external(ctx context.Context, op string, err error, msg string) (any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	slog.WarnContext(ctx, "tool call failed", "tool", op, "error", err)
	return failure(msg), nil
}

func (x *ToolExecutor) addTag(ctx context.Context, tc ToolContext, a *AddTagArgs) (any, error) {
	if tc.Simulate {
		return fmt.Sprintf("Tag %q added to lead.", a.Tag), nil
	}
	res, err := x.crm.AddTag(ctx, tc.Session, tc.ContactID, a.Tag)
	if err != nil {
		return external(ctx, ToolAddTag, err, "Couldn't add the tag to the lead.")
	}
	return res, nil
}

func (x *ToolExecutor) removeTag(ctx context.Context, tc ToolContext, a *RemoveTagArgs) (any, error) {
	if tc.Simulate {
		return fmt.Sprintf("Tag %q removed from lead.", a.Tag), nil
	}
	res, err := x.crm.RemoveTag(ctx, tc.Session, tc.ContactID, a.Tag)
	if err != nil {
		return external(ctx, ToolRemoveTag, err, "Couldn't remove the tag from the lead.")
	}
	return res, nil
}

func (x *ToolExecutor) invokeWebhook(ctx context.Context, tc ToolContext, a *InvokeWebhookArgs) (any, error) {
	if !slices.Contains(tc.Webhooks, a.URL) {
		slog.WarnContext(ctx, "webhook not configured for agent", "url", a.URL, "location_id", tc.Session.LocationID)
		return failure("Webhook URL is not configured for this agent."), nil
	}
	if tc.Simulate {
		slog.DebugContext(ctx, "webhook would have been invoked", "url", a.URL)
	} else if x.webhooks != nil {
		x.webhooks.Dispatch(ctx, a.URL, tc.Session.LocationID, tc.ContactID)
	}
	return fmt.Sprintf("URL %q was invoked.", a.URL), nil
}

func (x *ToolExecutor) calendarAvailability(ctx context.Context, tc ToolContext, a *CalendarAvailabilityArgs) (any, error) {
	if tc.Simulate {
		return fmt.Sprintf("Availability for calendar %q would be fetched here.", a.CalendarID), nil
	}
	res, err := x.crm.FreeSlots(ctx, tc.Session, a.CalendarID)
	if err != nil {
		return external(ctx, ToolGetCalendarAvailability, err, "Couldn't fetch the calendar availability.")
	}
	return res, nil
}

func (x *ToolExecutor) patch(ctx context.Context, tc ToolContext, p conversation.Patch) error {
	if err := x.store.PatchConversation(ctx, tc.Ref, p); err != nil {
		return fmt.Errorf("patch conversation: %w", err)
	}
	x.audit.Record(ctx, tc.Endpoint, audit.OpDBWrite, tc.Session.LocationID, tc.ContactID, p)
	return nil
}
