package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/textualy/autoreply/internal/adapter/postgres"
	"github.com/textualy/autoreply/internal/domain"
	"github.com/textualy/autoreply/internal/domain/audit"
	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/domain/credential"
	"github.com/textualy/autoreply/internal/domain/faq"
	"github.com/textualy/autoreply/internal/secrets"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store plus the raw pool for seeding. The pool is closed via
// t.Cleanup.
func setupStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := secrets.NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}
	return postgres.NewStore(pool, sealer), pool
}

// seedCompany inserts a location with a random company and returns both IDs.
func seedCompany(t *testing.T, pool *pgxpool.Pool) (companyID, locationID string) {
	t.Helper()
	companyID = "co-" + uuid.NewString()[:8]
	locationID = "loc-" + uuid.NewString()[:8]
	_, err := pool.Exec(context.Background(),
		`INSERT INTO locations (id, company_id, context, timezone) VALUES ($1, $2, 'We sell solar.', 'America/Denver')`,
		locationID, companyID)
	if err != nil {
		t.Fatalf("seed location: %v", err)
	}
	return companyID, locationID
}

func newConversation(companyID, locationID string) *conversation.Conversation {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &conversation.Conversation{
		Ref:             conversation.Live(companyID, "contact-"+uuid.NewString()[:8]),
		LocationID:      locationID,
		DateStarted:     now,
		DateUpdated:     now,
		ContactFullName: "Jane Doe",
		Agents:          []string{},
	}
}

func TestStore_ConversationCreateIfAbsent(t *testing.T) {
	store, pool := setupStore(t)
	companyID, locationID := seedCompany(t, pool)
	ctx := context.Background()
	c := newConversation(companyID, locationID)

	created, err := store.CreateConversation(ctx, c)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = store.CreateConversation(ctx, c)
	if err != nil || created {
		t.Fatalf("second create should be a no-op: created=%v err=%v", created, err)
	}

	_, err = store.GetConversation(ctx, conversation.Live(companyID, "missing"))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PatchConversationMerges(t *testing.T) {
	store, pool := setupStore(t)
	companyID, locationID := seedCompany(t, pool)
	ctx := context.Background()
	c := newConversation(companyID, locationID)
	if _, err := store.CreateConversation(ctx, c); err != nil {
		t.Fatal(err)
	}

	// Concurrent disjoint patches must both land.
	yes := true
	agentA, agentB := "agent-a", "agent-b"
	var wg sync.WaitGroup
	for _, p := range []conversation.Patch{
		{Booked: &yes, CurrBooked: &yes, AddAgents: []string{agentA}},
		{Replied: &yes, LastAgentID: &agentB, AddAgents: []string{agentB, agentA}},
	} {
		wg.Add(1)
		go func(p conversation.Patch) {
			defer wg.Done()
			if err := store.PatchConversation(ctx, c.Ref, p); err != nil {
				t.Errorf("patch: %v", err)
			}
		}(p)
	}
	wg.Wait()

	got, err := store.GetConversation(ctx, c.Ref)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Booked || !got.CurrBooked || !got.Replied {
		t.Errorf("flags lost: %+v", got)
	}
	if got.LastAgentID != agentB {
		t.Errorf("last agent = %q", got.LastAgentID)
	}
	if len(got.Agents) != 2 {
		t.Errorf("agents should be the union without duplicates, got %v", got.Agents)
	}

	if err := store.PatchConversation(ctx, conversation.Live(companyID, "missing"), conversation.Patch{Replied: &yes}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound patching missing conversation, got %v", err)
	}
}

func TestStore_MessagesAppendOnly(t *testing.T) {
	store, pool := setupStore(t)
	companyID, locationID := seedCompany(t, pool)
	ctx := context.Background()
	c := newConversation(companyID, locationID)
	if _, err := store.CreateConversation(ctx, c); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, body := range []string{"hi", "hello, how can I help?", "book me"} {
		dir := conversation.DirectionInbound
		if i%2 == 1 {
			dir = conversation.DirectionOutbound
		}
		m := &conversation.Message{DateAdded: base.Add(time.Duration(i) * time.Second), Body: body, Direction: dir}
		if i == 1 {
			m.ToolCalls = []conversation.ToolCall{{ID: "call_1", Name: "add_tag", Args: map[string]any{"tag": "hot"}}}
		}
		if err := store.CreateMessage(ctx, c.Ref, m); err != nil {
			t.Fatalf("create message %d: %v", i, err)
		}
	}

	dup := &conversation.Message{DateAdded: base, Body: "again", Direction: conversation.DirectionInbound}
	if err := store.CreateMessage(ctx, c.Ref, dup); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate identity, got %v", err)
	}

	latest, err := store.LatestMessages(ctx, c.Ref, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 2 || latest[0].Body != "hello, how can I help?" || latest[1].Body != "book me" {
		t.Fatalf("expected last two oldest first, got %+v", latest)
	}
	if len(latest[0].ToolCalls) != 1 || latest[0].ToolCalls[0].Args["tag"] != "hot" {
		t.Errorf("tool calls not round-tripped: %+v", latest[0].ToolCalls)
	}

	if err := store.DeleteMessage(ctx, c.Ref, base.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetMessage(ctx, c.Ref, base.Add(2*time.Second)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected deleted message to be gone, got %v", err)
	}
}

func TestStore_AgentsForLocationOrder(t *testing.T) {
	store, pool := setupStore(t)
	companyID, locationID := seedCompany(t, pool)
	ctx := context.Background()

	seed := []struct {
		id        string
		enabled   bool
		locations []string
		position  int
	}{
		{"z-global", true, []string{}, 0},
		{"b-bound", true, []string{locationID}, 1},
		{"a-bound", true, []string{locationID}, 1},
		{"c-bound-first", true, []string{locationID, "other"}, 0},
		{"disabled", false, []string{locationID}, 0},
		{"elsewhere", true, []string{"other"}, 0},
	}
	for _, a := range seed {
		_, err := pool.Exec(ctx,
			`INSERT INTO agents (company_id, id, enabled, locations, tags, position) VALUES ($1, $2, $3, $4, '{}', $5)`,
			companyID, a.id, a.enabled, a.locations, a.position)
		if err != nil {
			t.Fatalf("seed agent %s: %v", a.id, err)
		}
	}

	agents, err := store.AgentsForLocation(ctx, companyID, locationID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c-bound-first", "a-bound", "b-bound", "z-global"}
	if len(agents) != len(want) {
		t.Fatalf("got %d agents, want %d", len(agents), len(want))
	}
	for i, id := range want {
		if agents[i].ID != id {
			t.Errorf("agent %d = %s, want %s", i, agents[i].ID, id)
		}
	}
}

func TestStore_TokensSealedAtRest(t *testing.T) {
	store, pool := setupStore(t)
	companyID, locationID := seedCompany(t, pool)
	ctx := context.Background()
	exp := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Microsecond)

	err := store.SaveLocationToken(ctx, &credential.LocationToken{
		LocationID: locationID, CompanyID: companyID,
		AccessToken: "access-plain", RefreshToken: "refresh-plain", ExpiresAt: exp,
	})
	if err != nil {
		t.Fatal(err)
	}

	var raw string
	if err := pool.QueryRow(ctx, `SELECT access_token FROM location_tokens WHERE location_id = $1`, locationID).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if raw == "access-plain" {
		t.Fatal("access token stored in plaintext")
	}

	got, err := store.GetLocationToken(ctx, locationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "access-plain" || got.RefreshToken != "refresh-plain" || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected token %+v", got)
	}

	expiring, err := store.ListTokensExpiringBefore(ctx, exp.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, tok := range expiring {
		found = found || tok.LocationID == locationID
	}
	if !found {
		t.Error("expected token in expiring list")
	}
}

func TestStore_FAQs(t *testing.T) {
	store, pool := setupStore(t)
	_, locationID := seedCompany(t, pool)
	ctx := context.Background()

	docs := []faq.Document{
		{LocationID: locationID, FAQ: faq.FAQ{Question: "Hours?", Answer: "9-5"}, Embedding: []float32{1, 0}},
		{LocationID: locationID, FAQ: faq.FAQ{Question: "Price?", Answer: "$10"}, Embedding: []float32{0, 1}},
	}
	if err := store.UpsertFAQs(ctx, docs); err != nil {
		t.Fatal(err)
	}
	docs[0].FAQ.Answer = "8-6"
	if err := store.UpsertFAQs(ctx, docs[:1]); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteFAQs(ctx, locationID, []string{"Price?"}); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListFAQs(ctx, locationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].FAQ.Answer != "8-6" || len(got[0].Embedding) != 2 {
		t.Fatalf("unexpected faqs %+v", got)
	}
}

func TestStore_AuditEntryIdempotent(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	e := &audit.Entry{
		ID: uuid.NewString(), LocationID: "loc", ContactID: "c",
		Operation: audit.OpAPIResponse, Endpoint: audit.EndpointConversation,
		Details: []byte(`{"success":true}`), CreatedAt: time.Now(),
	}
	for range 2 {
		if err := store.InsertAuditEntry(ctx, e); err != nil {
			t.Fatalf("insert audit entry: %v", err)
		}
	}
}
