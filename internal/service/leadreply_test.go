package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/agent"
	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/port/llm"
	"github.com/textualy/autoreply/internal/port/messagequeue"
)

type pipelineFixture struct {
	store *memStore
	crm   *fakeCRM
	model *scriptedModel
	queue *memQueue
	fence *Fence
	svc   *LeadReplyService
	ref   conversation.Ref
}

func newPipelineFixture(t *testing.T, responses ...llm.ChatResponse) *pipelineFixture {
	t.Helper()
	store := newMemStore()
	store.companies["L1"] = "co"
	store.locations["L1"] = agent.Location{ID: "L1", CompanyID: "co", Timezone: "UTC"}
	store.prompts["p1"] = agent.Prompt{ID: "p1", Body: "You book consults."}
	store.agents = []agent.Agent{{
		ID: "A", CompanyID: "co", Enabled: true, Tags: []string{"newlead"},
		PromptID: "p1", Model: "gpt-4o", APIKey: "sk",
	}}

	client := newFakeCRM()
	client.contacts["c1"] = &lead.Contact{ID: "c1", FirstName: "Jane", LastName: "Doe", Tags: []string{"newlead"}}

	queue := newMemQueue()
	recorder := NewAuditRecorder(queue)
	sink := NewAuditSink(queue, store)
	if _, err := sink.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	stamper := NewStamper()
	tools := NewToolExecutor(client, store, &recordingSink{}, recorder, 0, 0)
	tools.sleep = noSleep
	model := &scriptedModel{responses: responses}
	fence := NewFence(store, 0, 0)
	fence.sleep = noSleep

	svc := NewLeadReplyService(
		store,
		staticSessions{},
		client,
		NewGate(store, recorder),
		NewResolver(store),
		fence,
		NewPromptBuilder(store, store, nil, 20, 0, "UTC"),
		NewToolLoop(store, model, tools, stamper, recorder, 10),
		recorder,
	)
	return &pipelineFixture{
		store: store,
		crm:   client,
		model: model,
		queue: queue,
		fence: fence,
		svc:   svc,
		ref:   conversation.Live("co", "c1"),
	}
}

func (f *pipelineFixture) responses(op audit.Operation) []audit.Entry {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []audit.Entry
	for _, e := range f.store.audits {
		if e.Operation == op {
			out = append(out, e)
		}
	}
	return out
}

func inbound(body string) *lead.Trigger {
	return &lead.Trigger{
		Type:           "InboundMessage",
		Direction:      conversation.DirectionInbound,
		Body:           body,
		DateAdded:      "2024-02-26T10:00:00Z",
		ContactID:      "c1",
		LocationID:     "L1",
		ConversationID: "conv-1",
	}
}

func TestPipelineBooksAndReplies(t *testing.T) {
	f := newPipelineFixture(t,
		llm.ChatResponse{ToolCalls: []llm.ToolCall{toolCall("call_1", ToolBookAppointment,
			`{"calendarId":"cal-1","calendarName":"Consults","bookingTime":"2024-02-27T14:00:00"}`)}},
		llm.ChatResponse{Content: "Booked!"},
	)

	out, err := f.svc.HandleTrigger(context.Background(), inbound("Can I book Tuesday at 2pm?"))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Error {
		t.Fatalf("outcome = %+v", out)
	}

	if len(f.crm.sms) != 1 || f.crm.sms[0] != "Booked!" {
		t.Fatalf("sms = %v", f.crm.sms)
	}
	if len(f.crm.booked) != 1 || f.crm.booked[0].StartTime != "2024-02-27T14:00:00" || f.crm.booked[0].LocationID != "L1" {
		t.Fatalf("booked = %+v", f.crm.booked)
	}

	c, err := f.store.GetConversation(context.Background(), f.ref)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Booked || !c.CurrBooked || !c.Replied || c.LastAgentID != "A" || !c.HasAgent("A") {
		t.Fatalf("conversation = %+v", c)
	}
	if c.ContactFullName != "Jane Doe" || c.LocationID != "L1" {
		t.Fatalf("conversation contact = %+v", c)
	}

	msgs := f.store.messages(f.ref)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want inbound + tool call + tool result + reply", len(msgs))
	}
	if !msgs[0].DateAdded.Equal(time.Date(2024, 2, 26, 10, 0, 0, 0, time.UTC)) || msgs[0].UserName != "Jane Doe" {
		t.Fatalf("inbound = %+v", msgs[0])
	}

	if n := len(f.responses(audit.OpAPIResponse)); n != 1 {
		t.Fatalf("APIResponse entries = %d", n)
	}
	if n := len(f.responses(audit.OpAPIRequest)); n != 1 {
		t.Fatalf("APIRequest entries = %d", n)
	}
}

func TestPipelineAcceptsTriggerWithoutConversationID(t *testing.T) {
	f := newPipelineFixture(t, llm.ChatResponse{Content: "Hi Jane!"})

	var trig lead.Trigger
	body := `{"direction":"inbound","body":"hello","dateAdded":"2024-02-26T10:00:00Z","contactId":"c1","locationId":"L1"}`
	if err := json.Unmarshal([]byte(body), &trig); err != nil {
		t.Fatal(err)
	}

	out, err := f.svc.HandleTrigger(context.Background(), &trig)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if len(f.crm.sms) != 1 || f.crm.sms[0] != "Hi Jane!" {
		t.Fatalf("sms = %v", f.crm.sms)
	}
}

func TestPipelineStopNeverCallsModel(t *testing.T) {
	f := newPipelineFixture(t, llm.ChatResponse{Content: "unreachable"})

	out, err := f.svc.HandleTrigger(context.Background(), inbound("Stop"))
	if !errors.Is(err, lead.ErrOptOut) {
		t.Fatalf("err = %v", err)
	}
	if out.Success || out.Error || out.Reason != lead.ErrOptOut.Error() {
		t.Fatalf("outcome = %+v", out)
	}
	if f.model.calls() != 0 || len(f.crm.sms) != 0 {
		t.Fatal("opt-out must not generate or send")
	}
	if len(f.store.messages(f.ref)) != 1 {
		t.Fatal("the STOP message itself is still logged")
	}
}

func TestPipelineDuplicateTriggerIsInert(t *testing.T) {
	f := newPipelineFixture(t, llm.ChatResponse{Content: "Hi Jane!"}, llm.ChatResponse{Content: "again"})

	if _, err := f.svc.HandleTrigger(context.Background(), inbound("hello")); err != nil {
		t.Fatal(err)
	}
	before := len(f.store.messages(f.ref))

	out, err := f.svc.HandleTrigger(context.Background(), inbound("hello"))
	if !errors.Is(err, lead.ErrDuplicateRequest) {
		t.Fatalf("err = %v", err)
	}
	if out.Reason != "request already processed" {
		t.Fatalf("outcome = %+v", out)
	}
	if after := len(f.store.messages(f.ref)); after != before {
		t.Fatalf("messages %d -> %d", before, after)
	}
	if f.model.calls() != 1 || len(f.crm.sms) != 1 {
		t.Fatalf("model calls = %d, sms = %d", f.model.calls(), len(f.crm.sms))
	}
	if n := len(f.responses(audit.OpAPIResponse)); n != 2 {
		t.Fatalf("APIResponse entries = %d", n)
	}
}

func TestPipelineSupersededDuringDebounce(t *testing.T) {
	f := newPipelineFixture(t, llm.ChatResponse{Content: "stale"})
	f.fence.sleep = func(ctx context.Context, _ time.Duration) error {
		return f.store.CreateMessage(ctx, f.ref, &conversation.Message{
			DateAdded: time.Date(2024, 2, 26, 10, 0, 5, 0, time.UTC),
			Body:      "actually, Wednesday",
			Direction: conversation.DirectionInbound,
		})
	}

	_, err := f.svc.HandleTrigger(context.Background(), inbound("Tuesday?"))
	if !errors.Is(err, lead.ErrSuperseded) {
		t.Fatalf("err = %v", err)
	}
	if f.model.calls() != 0 || len(f.crm.sms) != 0 {
		t.Fatal("superseded trigger must not generate")
	}
}

func TestPipelineSupersededDuringGeneration(t *testing.T) {
	f := newPipelineFixture(t, llm.ChatResponse{Content: "stale"})
	// A lead message arriving mid-run moves the fence.
	f.store.afterCreateMessage = func(ref conversation.Ref, m conversation.Message) {
		if m.Body != "stale" {
			return
		}
		f.store.afterCreateMessage = nil
		_ = f.store.CreateMessage(context.Background(), ref, &conversation.Message{
			DateAdded: time.Now().Add(time.Hour),
			Body:      "never mind",
			Direction: conversation.DirectionInbound,
		})
	}

	_, err := f.svc.HandleTrigger(context.Background(), inbound("Tuesday?"))
	if !errors.Is(err, lead.ErrSuperseded) {
		t.Fatalf("err = %v", err)
	}
	if len(f.crm.sms) != 0 {
		t.Fatal("superseded reply must not be sent")
	}
	// The generated reply stays in the log.
	if n := len(f.store.messages(f.ref)); n != 3 {
		t.Fatalf("messages = %d", n)
	}
}

func TestPipelineSupersededBetweenOwnWrites(t *testing.T) {
	f := newPipelineFixture(t,
		llm.ChatResponse{ToolCalls: []llm.ToolCall{toolCall("call_1", ToolAddTag, `{"tag":"hot"}`)}},
		llm.ChatResponse{Content: "Tagged you!"},
	)
	// The lead writes right after the tool call is logged, so the message
	// sits between the run's own writes rather than after them.
	f.store.afterCreateMessage = func(ref conversation.Ref, m conversation.Message) {
		if len(m.ToolCalls) == 0 {
			return
		}
		f.store.afterCreateMessage = nil
		_ = f.store.CreateMessage(context.Background(), ref, &conversation.Message{
			DateAdded: m.DateAdded.Add(time.Nanosecond),
			Body:      "actually, wait",
			Direction: conversation.DirectionInbound,
		})
	}

	_, err := f.svc.HandleTrigger(context.Background(), inbound("Tag me"))
	if !errors.Is(err, lead.ErrSuperseded) {
		t.Fatalf("err = %v", err)
	}
	if len(f.crm.sms) != 0 {
		t.Fatalf("sms = %v", f.crm.sms)
	}
	msgs := f.store.messages(f.ref)
	if n := len(msgs); n != 5 {
		t.Fatalf("messages = %d, want inbound + tool call + lead + tool result + reply", n)
	}
	if msgs[len(msgs)-1].Body != "Tagged you!" {
		t.Fatalf("last message = %+v", msgs[len(msgs)-1])
	}
}

func TestPipelinePostGenerationCheckDeletesReply(t *testing.T) {
	f := newPipelineFixture(t, llm.ChatResponse{Content: "Hi Jane!"})
	f.crm.onGetContact = func(call int, c *lead.Contact) {
		if call == 2 {
			c.Tags = []string{"customer"}
		}
	}

	_, err := f.svc.HandleTrigger(context.Background(), inbound("hello"))
	if !errors.Is(err, lead.ErrNoApplicableAgentPostGeneration) {
		t.Fatalf("err = %v", err)
	}
	msgs := f.store.messages(f.ref)
	if len(msgs) != 1 || msgs[0].Direction != conversation.DirectionInbound {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(f.crm.sms) != 0 {
		t.Fatal("reply must not be sent")
	}
}

func TestPipelineOutboundEcho(t *testing.T) {
	f := newPipelineFixture(t)
	tr := inbound("We'll see you then.")
	tr.Direction = conversation.DirectionOutbound

	out, err := f.svc.HandleTrigger(context.Background(), tr)
	if err != nil || !out.Success {
		t.Fatalf("out = %+v, err = %v", out, err)
	}
	msgs := f.store.messages(f.ref)
	if len(msgs) != 1 || msgs[0].UserID != conversation.AIUserID || msgs[0].AgentID != "A" {
		t.Fatalf("messages = %+v", msgs)
	}
	if f.model.calls() != 0 {
		t.Fatal("outbound triggers never generate")
	}
}

func TestPipelineOutboundEchoForUnmatchedLeadIsNotStored(t *testing.T) {
	f := newPipelineFixture(t)
	f.crm.contacts["c1"].Tags = []string{"unrelated"}
	tr := inbound("We'll see you then.")
	tr.Direction = conversation.DirectionOutbound

	out, err := f.svc.HandleTrigger(context.Background(), tr)
	if !errors.Is(err, lead.ErrNoApplicableAgent) || out.Success {
		t.Fatalf("out = %+v, err = %v", out, err)
	}
	if n := len(f.store.messages(f.ref)); n != 0 {
		t.Fatalf("messages = %d", n)
	}
	if n := len(f.responses(audit.OpAPIResponse)); n != 1 {
		t.Fatalf("APIResponse entries = %d", n)
	}
}

func TestPipelineRejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*pipelineFixture, *lead.Trigger)
		want  error
		label string
	}{
		{"invalid", func(_ *pipelineFixture, tr *lead.Trigger) { tr.Body = "" }, domain.ErrValidation, "validation"},
		{"unknown location", func(_ *pipelineFixture, tr *lead.Trigger) { tr.LocationID = "L9" }, domain.ErrNotFound, "not_found"},
		{"untagged lead", func(f *pipelineFixture, _ *lead.Trigger) { f.crm.contacts["c1"].Tags = nil }, lead.ErrNoApplicableAgent, "no_agent"},
		{"no matching agent", func(f *pipelineFixture, _ *lead.Trigger) { f.crm.contacts["c1"].Tags = []string{"vip"} }, lead.ErrNoApplicableAgent, "no_agent"},
		{"disabled agents", func(f *pipelineFixture, _ *lead.Trigger) { f.store.agents[0].Enabled = false }, lead.ErrNoApplicableAgent, "no_agent"},
		{"missing prompt", func(f *pipelineFixture, _ *lead.Trigger) { delete(f.store.prompts, "p1") }, lead.ErrPolicy, "policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, llm.ChatResponse{Content: "hi"})
			tr := inbound("hello")
			tt.setup(f, tr)

			out, err := f.svc.HandleTrigger(context.Background(), tr)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if got := OutcomeLabel(err); got != tt.label {
				t.Fatalf("label = %s", got)
			}
			if out.Success || out.Error {
				t.Fatalf("outcome = %+v", out)
			}
			if n := len(f.responses(audit.OpAPIResponse)); n != 1 {
				t.Fatalf("APIResponse entries = %d", n)
			}
		})
	}
}

func TestPipelineInternalErrorOutcome(t *testing.T) {
	f := newPipelineFixture(t, llm.ChatResponse{Content: "Hi"})
	f.crm.smsErr = errors.New("carrier down")

	out, err := f.svc.HandleTrigger(context.Background(), inbound("hello"))
	if err == nil || !out.Error || out.Success {
		t.Fatalf("out = %+v, err = %v", out, err)
	}
	if out.Reason != "Internal error - send reply: carrier down" {
		t.Fatalf("reason = %q", out.Reason)
	}

	var body map[string]any
	e := f.responses(audit.OpAPIResponse)[0]
	if err := json.Unmarshal(e.Details, &body); err != nil || body["error"] != true {
		t.Fatalf("audit details = %s", e.Details)
	}
}

func TestAuditFallsBackToLogWhenPublishFails(t *testing.T) {
	q := newMemQueue()
	q.publishErr = errors.New("nats down")
	r := NewAuditRecorder(q)
	r.Record(context.Background(), audit.EndpointConversation, audit.OpAPIRequest, "L1", "c1", map[string]string{"a": "b"})
	if q.count(messagequeue.SubjectAuditEntry) != 0 {
		t.Fatal("nothing should have been published")
	}

	var nilRecorder *AuditRecorder
	nilRecorder.Record(context.Background(), "", audit.OpDBWrite, "", "", nil)
}
