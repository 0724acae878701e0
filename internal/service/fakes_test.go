package service

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/agent"
	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/credential"
	"github.com/textualy/autoreply/internal/domain/faq"
	"github.com/textualy/autoreply/internal/domain/lead"
	"github.com/textualy/autoreply/internal/port/crm"
	"github.com/textualy/autoreply/internal/port/database"
	"github.com/textualy/autoreply/internal/port/llm"
	"github.com/textualy/autoreply/internal/port/messagequeue"
)

var (
	_ database.Store     = (*memStore)(nil)
	_ crm.Client         = (*fakeCRM)(nil)
	_ crm.TokenExchanger = (*fakeExchanger)(nil)
	_ llm.ChatModel      = (*scriptedModel)(nil)
	_ llm.Embedder       = (*fakeEmbedder)(nil)
	_ messagequeue.Queue = (*memQueue)(nil)
	_ SessionProvider    = staticSessions{}
)

// memStore is an in-memory database.Store with the same merge and
// identity rules as the Postgres adapter.
type memStore struct {
	mu        sync.Mutex
	companies map[string]string
	agents    []agent.Agent
	locations map[string]agent.Location
	prompts   map[string]agent.Prompt
	actions   map[string]agent.Action
	calendars map[string]agent.ActionCalendar
	convs     map[conversation.Ref]*conversation.Conversation
	msgs      map[conversation.Ref][]conversation.Message
	tokens    map[string]credential.LocationToken
	faqs      map[string][]faq.Document
	audits    []audit.Entry

	// afterCreateMessage runs outside the lock after every successful insert.
	afterCreateMessage func(ref conversation.Ref, m conversation.Message)
}

func newMemStore() *memStore {
	return &memStore{
		companies: make(map[string]string),
		locations: make(map[string]agent.Location),
		prompts:   make(map[string]agent.Prompt),
		actions:   make(map[string]agent.Action),
		calendars: make(map[string]agent.ActionCalendar),
		convs:     make(map[conversation.Ref]*conversation.Conversation),
		msgs:      make(map[conversation.Ref][]conversation.Message),
		tokens:    make(map[string]credential.LocationToken),
		faqs:      make(map[string][]faq.Document),
	}
}

func (s *memStore) GetConversation(_ context.Context, ref conversation.Ref) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[ref]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", ref.ID, domain.ErrNotFound)
	}
	cp := *c
	cp.Agents = slices.Clone(c.Agents)
	return &cp, nil
}

func (s *memStore) CreateConversation(_ context.Context, c *conversation.Conversation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[c.Ref]; ok {
		return false, nil
	}
	cp := *c
	cp.Agents = slices.Clone(c.Agents)
	s.convs[c.Ref] = &cp
	return true, nil
}

func (s *memStore) PatchConversation(_ context.Context, ref conversation.Ref, p conversation.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[ref]
	if !ok {
		return fmt.Errorf("conversation %s: %w", ref.ID, domain.ErrNotFound)
	}
	p.Apply(c)
	return nil
}

func (s *memStore) CreateMessage(_ context.Context, ref conversation.Ref, m *conversation.Message) error {
	s.mu.Lock()
	list := s.msgs[ref]
	i, found := slices.BinarySearchFunc(list, m.DateAdded, func(e conversation.Message, t time.Time) int {
		return e.DateAdded.Compare(t)
	})
	if found {
		s.mu.Unlock()
		return fmt.Errorf("message at %s: %w", m.DateAdded, domain.ErrConflict)
	}
	s.msgs[ref] = slices.Insert(list, i, *m)
	hook := s.afterCreateMessage
	s.mu.Unlock()
	if hook != nil {
		hook(ref, *m)
	}
	return nil
}

func (s *memStore) GetMessage(_ context.Context, ref conversation.Ref, at time.Time) (*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs[ref] {
		if m.DateAdded.Equal(at) {
			return &m, nil
		}
	}
	return nil, fmt.Errorf("message at %s: %w", at, domain.ErrNotFound)
}

func (s *memStore) LatestMessages(_ context.Context, ref conversation.Ref, limit int) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.msgs[ref]
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return slices.Clone(list), nil
}

func (s *memStore) DeleteMessage(_ context.Context, ref conversation.Ref, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.msgs[ref]
	for i, m := range list {
		if m.DateAdded.Equal(at) {
			s.msgs[ref] = slices.Delete(list, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("message at %s: %w", at, domain.ErrNotFound)
}

func (s *memStore) messages(ref conversation.Ref) []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs[ref])
}

func (s *memStore) CompanyForLocation(_ context.Context, locationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.companies[locationID]
	if !ok {
		return "", fmt.Errorf("location %s: %w", locationID, domain.ErrNotFound)
	}
	return c, nil
}

func (s *memStore) AgentsForLocation(_ context.Context, companyID, locationID string) ([]agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bound, all []agent.Agent
	for _, a := range s.agents {
		if a.CompanyID != companyID || !a.Enabled {
			continue
		}
		switch {
		case len(a.Locations) == 0:
			all = append(all, a)
		case slices.Contains(a.Locations, locationID):
			bound = append(bound, a)
		}
	}
	byPosition := func(x, y agent.Agent) int {
		return cmp.Or(cmp.Compare(x.Position, y.Position), cmp.Compare(x.ID, y.ID))
	}
	slices.SortFunc(bound, byPosition)
	slices.SortFunc(all, byPosition)
	return append(bound, all...), nil
}

func (s *memStore) GetAgent(_ context.Context, companyID, agentID string) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.CompanyID == companyID && a.ID == agentID {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
}

func (s *memStore) ListAgents(_ context.Context, companyID string) ([]agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agent.Agent
	for _, a := range s.agents {
		if a.CompanyID == companyID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) GetLocation(_ context.Context, companyID, locationID string) (*agent.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locations[locationID]
	if !ok || l.CompanyID != companyID {
		return nil, fmt.Errorf("location %s: %w", locationID, domain.ErrNotFound)
	}
	return &l, nil
}

func (s *memStore) GetPrompt(_ context.Context, _, promptID string) (*agent.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[promptID]
	if !ok {
		return nil, fmt.Errorf("prompt %s: %w", promptID, domain.ErrNotFound)
	}
	return &p, nil
}

func (s *memStore) GetAction(_ context.Context, _, actionID string) (*agent.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[actionID]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", actionID, domain.ErrNotFound)
	}
	return &a, nil
}

func (s *memStore) GetActionCalendar(_ context.Context, _, locationID, actionID string) (*agent.ActionCalendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[locationID+"/"+actionID]
	if !ok {
		return nil, fmt.Errorf("calendar %s: %w", actionID, domain.ErrNotFound)
	}
	return &c, nil
}

func (s *memStore) GetLocationToken(_ context.Context, locationID string) (*credential.LocationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[locationID]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", locationID, domain.ErrNotFound)
	}
	return &t, nil
}

func (s *memStore) SaveLocationToken(_ context.Context, t *credential.LocationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.LocationID] = *t
	return nil
}

func (s *memStore) ListTokensExpiringBefore(_ context.Context, before time.Time) ([]credential.LocationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []credential.LocationToken
	for _, t := range s.tokens {
		if t.ExpiresAt.Before(before) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b credential.LocationToken) int { return cmp.Compare(a.LocationID, b.LocationID) })
	return out, nil
}

func (s *memStore) ListFAQs(_ context.Context, locationID string) ([]faq.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.faqs[locationID]), nil
}

func (s *memStore) UpsertFAQs(_ context.Context, docs []faq.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		list := s.faqs[d.LocationID]
		i := slices.IndexFunc(list, func(e faq.Document) bool { return e.FAQ.Question == d.FAQ.Question })
		if i >= 0 {
			list[i] = d
		} else {
			list = append(list, d)
		}
		s.faqs[d.LocationID] = list
	}
	return nil
}

func (s *memStore) DeleteFAQs(_ context.Context, locationID string, questions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faqs[locationID] = slices.DeleteFunc(s.faqs[locationID], func(d faq.Document) bool {
		return slices.Contains(questions, d.FAQ.Question)
	})
	return nil
}

func (s *memStore) InsertAuditEntry(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *e)
	return nil
}

// fakeCRM keeps contacts and appointments in memory.
type fakeCRM struct {
	mu           sync.Mutex
	contacts     map[string]*lead.Contact
	appointments map[string][]crm.Appointment
	nextAppt     int
	contactCalls int
	sms          []string
	booked       []crm.BookingRequest
	added        []string
	removed      []string
	slots        json.RawMessage
	slotCalls    int

	// onGetContact may rewrite the contact before it is returned.
	onGetContact func(call int, c *lead.Contact)
	listErr      error
	bookErr      error
	smsErr       error
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		contacts:     make(map[string]*lead.Contact),
		appointments: make(map[string][]crm.Appointment),
		slots:        json.RawMessage(`{"2024-02-27":{"slots":["2024-02-27T14:00:00-06:00"]}}`),
	}
}

func (f *fakeCRM) GetContact(_ context.Context, _ crm.Session, contactID string) (*lead.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contactCalls++
	c, ok := f.contacts[contactID]
	if !ok {
		return nil, fmt.Errorf("contact %s: %w", contactID, domain.ErrNotFound)
	}
	if f.onGetContact != nil {
		f.onGetContact(f.contactCalls, c)
	}
	cp := *c
	cp.Tags = slices.Clone(c.Tags)
	return &cp, nil
}

func (f *fakeCRM) AddTag(_ context.Context, _ crm.Session, contactID, tag string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, tag)
	if c, ok := f.contacts[contactID]; ok && !slices.Contains(c.Tags, tag) {
		c.Tags = append(c.Tags, tag)
	}
	return json.RawMessage(`{"tags":["` + tag + `"]}`), nil
}

func (f *fakeCRM) RemoveTag(_ context.Context, _ crm.Session, contactID, tag string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, tag)
	if c, ok := f.contacts[contactID]; ok {
		c.Tags = slices.DeleteFunc(c.Tags, func(t string) bool { return t == tag })
	}
	return json.RawMessage(`{"tags":[]}`), nil
}

func (f *fakeCRM) FreeSlots(context.Context, crm.Session, string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slotCalls++
	return f.slots, nil
}

func (f *fakeCRM) ContactAppointments(_ context.Context, _ crm.Session, contactID string) ([]crm.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.appointments[contactID]), nil
}

func (f *fakeCRM) CancelAppointment(_ context.Context, _ crm.Session, contactID string, a crm.Appointment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appointments[contactID] = slices.DeleteFunc(f.appointments[contactID], func(e crm.Appointment) bool { return e.ID == a.ID })
	return nil
}

func (f *fakeCRM) BookAppointment(_ context.Context, _ crm.Session, req crm.BookingRequest) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bookErr != nil {
		return nil, f.bookErr
	}
	f.nextAppt++
	a := crm.Appointment{ID: fmt.Sprintf("appt-%d", f.nextAppt), CalendarID: req.CalendarID}
	f.appointments[req.ContactID] = append(f.appointments[req.ContactID], a)
	f.booked = append(f.booked, req)
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"calendarId":%q,"startTime":%q}`, a.ID, a.CalendarID, req.StartTime)), nil
}

func (f *fakeCRM) SendSMS(_ context.Context, _ crm.Session, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.smsErr != nil {
		return f.smsErr
	}
	f.sms = append(f.sms, message)
	return nil
}

func (f *fakeCRM) appointmentsOf(contactID string) []crm.Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.appointments[contactID])
}

type fakeExchanger struct {
	calls int
	grant *credential.Grant
	err   error
}

func (f *fakeExchanger) RefreshToken(context.Context, string) (*credential.Grant, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.grant, nil
}

// scriptedModel replays canned responses in order.
type scriptedModel struct {
	mu        sync.Mutex
	responses []llm.ChatResponse
	requests  []llm.ChatRequest
	// loop returns the last response forever once the script is exhausted.
	loop bool
}

func (m *scriptedModel) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	n := len(m.requests) - 1
	if n >= len(m.responses) {
		if !m.loop || len(m.responses) == 0 {
			return nil, errors.New("script exhausted")
		}
		n = len(m.responses) - 1
	}
	r := m.responses[n]
	return &r, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

// fakeEmbedder maps known texts to fixed vectors; unknown texts get zeros.
type fakeEmbedder struct {
	vectors map[string][]float32
	calls   [][]string
	err     error
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	e.calls = append(e.calls, texts)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 0}
		}
	}
	return out, nil
}

type staticSessions struct{ err error }

func (s staticSessions) Session(_ context.Context, locationID string) (crm.Session, error) {
	if s.err != nil {
		return crm.Session{}, s.err
	}
	return crm.Session{LocationID: locationID, AccessToken: "tok-" + locationID}, nil
}

// memQueue delivers published messages synchronously to subscribers.
type memQueue struct {
	mu         sync.Mutex
	published  map[string][][]byte
	handlers   map[string]messagequeue.Handler
	publishErr error
}

func newMemQueue() *memQueue {
	return &memQueue{published: make(map[string][][]byte), handlers: make(map[string]messagequeue.Handler)}
}

func (q *memQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	if q.publishErr != nil {
		q.mu.Unlock()
		return q.publishErr
	}
	q.published[subject] = append(q.published[subject], data)
	h := q.handlers[subject]
	q.mu.Unlock()
	if h != nil {
		return h(ctx, subject, data)
	}
	return nil
}

func (q *memQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = h
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.handlers, subject)
	}, nil
}

func (q *memQueue) Close() error { return nil }

func (q *memQueue) count(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published[subject])
}

// recordingSink captures webhook dispatches.
type recordingSink struct {
	mu   sync.Mutex
	urls []string
}

func (r *recordingSink) Dispatch(_ context.Context, url, _, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
}

func noSleep(context.Context, time.Duration) error { return nil }
