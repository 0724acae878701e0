package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/agent"
	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/faq"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/port/database"
)

// HumanTimeLayout is how timestamps are shown to the model.
const HumanTimeLayout = "2006-01-02 03:04:05 PM"

// retrievalWindow is how many trailing messages form the knowledge-base query.
const retrievalWindow = 2

// Retriever returns the knowledge-base entries most relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, apiKey, locationID, query string, k int) ([]faq.FAQ, error)
}

// PromptInput identifies what a prompt is built for.
type PromptInput struct {
	Ref        conversation.Ref
	LocationID string
	Agent      *agent.Agent
	// Timezone of the lead; empty uses the configured default.
	Timezone string
}

// BuiltPrompt is the model input of a turn before any tool call.
type BuiltPrompt struct {
	System   string
	History  []conversation.Message
	Location *time.Location
	// Webhooks are the URLs the agent's actions allow invoke_webhook to call.
	Webhooks []string
}

// PromptBuilder assembles the system prompt and history for a turn.
type PromptBuilder struct {
	agents       database.AgentDirectory
	messages     database.ConversationStore
	retriever    Retriever
	historyLimit int
	topK         int
	defaultTZ    string
	now          func() time.Time
}

// NewPromptBuilder creates a PromptBuilder. retriever may be nil.
func NewPromptBuilder(agents database.AgentDirectory, messages database.ConversationStore, retriever Retriever, historyLimit, topK int, defaultTZ string) *PromptBuilder {
	return &PromptBuilder{
		agents:       agents,
		messages:     messages,
		retriever:    retriever,
		historyLimit: historyLimit,
		topK:         topK,
		defaultTZ:    defaultTZ,
		now:          time.Now,
	}
}

func (b *PromptBuilder) location(tz string) *time.Location {
	for _, name := range []string{tz, b.defaultTZ} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Build loads the history and configuration and renders the system prompt.
func (b *PromptBuilder) Build(ctx context.Context, in PromptInput) (*BuiltPrompt, error) {
	companyID := in.Ref.CompanyID
	loc := b.location(in.Timezone)

	location, err := b.agents.GetLocation(ctx, companyID, in.LocationID)
	if err != nil {
		return nil, fmt.Errorf("location %s: %w", in.LocationID, err)
	}

	history, err := b.messages.LatestMessages(ctx, in.Ref, b.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	prompt, err := b.agents.GetPrompt(ctx, companyID, in.Agent.PromptID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("prompt %s: %w", in.Agent.PromptID, err)
	}
	if prompt == nil || prompt.Body == "" || len(history) == 0 {
		return nil, fmt.Errorf("%w: prompt or texts invalid for this request", lead.ErrPolicy)
	}

	var sb strings.Builder
	sb.WriteString(prompt.Body)

	if faqs := b.faqContext(ctx, in, history, loc); faqs != "" {
		sb.WriteString("\n\nFAQ for more context: \n")
		sb.WriteString(faqs)
	} else {
		sb.WriteString("\n\n")
	}

	if location.Context != "" {
		fmt.Fprintf(&sb, "More context for the location: \n%s\n\n", location.Context)
	}

	actions, webhooks := b.actionList(ctx, companyID, in.LocationID, in.Agent)
	if actions != "" {
		sb.WriteString("List of specific triggers that require you to prepend your response with the ID of an action to take (only choose zero or one): \n")
		sb.WriteString(actions)
		sb.WriteString("\nIf the lead asks for availablility, take that action even if you think you know the availability already.")
	}

	now := b.now().In(loc)
	fmt.Fprintf(&sb, "\n\nHere is some information for you on dates: %s", DateContext(now))
	fmt.Fprintf(&sb, "\n\nThe current time in the timezone of the lead is: %s. Your output will be sent directly to the lead as the next text message.",
		now.Format(HumanTimeLayout))

	return &BuiltPrompt{System: sb.String(), History: history, Location: loc, Webhooks: webhooks}, nil
}

func (b *PromptBuilder) faqContext(ctx context.Context, in PromptInput, history []conversation.Message, loc *time.Location) string {
	if b.retriever == nil || b.topK <= 0 {
		return ""
	}
	window := history
	if len(window) > retrievalWindow {
		window = window[len(window)-retrievalWindow:]
	}
	found, err := b.retriever.Retrieve(ctx, in.Agent.APIKey, in.LocationID, ConversationString(window, loc), b.topK)
	if err != nil {
		slog.WarnContext(ctx, "knowledge base lookup failed", "location_id", in.LocationID, "error", err)
		return ""
	}
	var sb strings.Builder
	for _, f := range found {
		sb.WriteString(f.PageContent())
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func (b *PromptBuilder) actionList(ctx context.Context, companyID, locationID string, a *agent.Agent) (string, []string) {
	var sb strings.Builder
	var webhooks []string
	for _, id := range a.Actions {
		act, err := b.agents.GetAction(ctx, companyID, id)
		if err != nil {
			slog.WarnContext(ctx, "skipping action", "action_id", id, "error", err)
			continue
		}
		if act.Type == agent.ActionInvokeWebhook {
			webhooks = append(webhooks, act.Parameter)
		}
		param := fmt.Sprintf("'%s'", act.Parameter)
		if act.Parameter == agent.PerLocationCalendar {
			cal, err := b.agents.GetActionCalendar(ctx, companyID, locationID, id)
			if err != nil {
				slog.WarnContext(ctx, "skipping action without location calendar", "action_id", id, "location_id", locationID, "error", err)
				continue
			}
			param = fmt.Sprintf("with calendar ID: '%s' and calendar name: '%s'", cal.CalendarID, cal.CalendarName)
		}
		fmt.Fprintf(&sb, "\n%s - %s %s", act.Trigger, act.Type, param)
	}
	return sb.String(), webhooks
}

// ConversationString renders messages the way the knowledge base is queried.
func ConversationString(msgs []conversation.Message, loc *time.Location) string {
	var sb strings.Builder
	for _, m := range msgs {
		from := "From lead:"
		if m.Direction == conversation.DirectionOutbound {
			from = "From us:"
		}
		fmt.Fprintf(&sb, "%s %s\n%s\n\n", m.DateAdded.In(loc).Format(HumanTimeLayout), from, m.Body)
	}
	return sb.String()
}

// DateContext names today, tomorrow and the following days with their dates.
func DateContext(now time.Time) string {
	const layout = "Monday, January 2, 2006"
	var sb strings.Builder
	fmt.Fprintf(&sb, "Today is %s. Tomorrow is %s.", now.Format(layout), now.AddDate(0, 0, 1).Format(layout))
	for i := 2; i <= 7; i++ {
		d := now.AddDate(0, 0, i)
		fmt.Fprintf(&sb, " The next %s is %s.", d.Weekday(), d.Format("January 2, 2006"))
	}
	return sb.String()
}
