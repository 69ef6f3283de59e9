package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jetsmx/opsrelay/internal/api/handlers"
	"github.com/jetsmx/opsrelay/internal/bus"
	"github.com/jetsmx/opsrelay/internal/config"
	"github.com/jetsmx/opsrelay/internal/dispatch"
	"github.com/jetsmx/opsrelay/internal/normalize"
	"github.com/jetsmx/opsrelay/internal/registrar"
	"github.com/jetsmx/opsrelay/internal/rules"
	"github.com/jetsmx/opsrelay/internal/signature"
	"github.com/jetsmx/opsrelay/internal/store"
	"github.com/jetsmx/opsrelay/pkg/models"
)

const webhookSecret = "test-mac-secret"

// countingSchema counts lookups so tests can assert the normalizer never
// ran for rejected requests.
type countingSchema struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSchema) bump() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *countingSchema) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingSchema) TableName(_ context.Context, tableID string) (string, error) {
	c.bump()
	if tableID == "tblCand" {
		return "Candidates", nil
	}
	return "", fmt.Errorf("unknown table %s", tableID)
}

func (c *countingSchema) FieldName(_ context.Context, _, fieldID string) (string, error) {
	c.bump()
	if fieldID == "fldDecision" {
		return "Screening Decision", nil
	}
	return "", fmt.Errorf("unknown field %s", fieldID)
}

type recordedAction struct {
	mu      sync.Mutex
	records []string
}

func (a *recordedAction) run(_ context.Context, ev *models.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, ev.RecordID)
	return nil
}

type testStack struct {
	router    http.Handler
	publisher *bus.Fake
	schema    *countingSchema
	action    *recordedAction
	store     *store.MemoryStore
}

type stackOptions struct {
	audience  string
	providers map[models.ResourceType]registrar.Provider
}

func newTestStack(t *testing.T, opts ...func(*stackOptions)) *testStack {
	t.Helper()
	so := &stackOptions{audience: "https://relay.jetsmx.com"}
	for _, opt := range opts {
		opt(so)
	}
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })

	schema := &countingSchema{}
	normalizer := normalize.New(mem, normalize.WithSchema(schema))
	publisher := bus.NewFake()

	engine, err := rules.New([]models.Rule{{
		Name:   "screening-approved",
		Source: "airtable",
		When:   `changed("Screening Decision") && current["Screening Decision"] == "Approve"`,
		Action: "generate_outreach_draft",
	}})
	if err != nil {
		t.Fatalf("rules.New() error = %v", err)
	}

	action := &recordedAction{}
	registry := dispatch.NewRegistry()
	registry.Register("generate_outreach_draft", action.run)
	dispatcher := dispatch.New(engine, registry, mem, nil, 5*time.Second)

	providers := so.providers
	if providers == nil {
		providers = map[models.ResourceType]registrar.Provider{}
	}
	reg := registrar.New(mem, providers)

	cfg := &config.Config{Version: "test"}
	cfg.Google.SchedulerAudience = so.audience

	h := handlers.New(normalizer, publisher, dispatcher, reg, mem)
	return &testStack{
		router:    NewRouter(cfg, h, signature.New(webhookSecret)),
		publisher: publisher,
		schema:    schema,
		action:    action,
		store:     mem,
	}
}

func approvalPayload() []byte {
	return []byte(`{
		"baseId": "appJ1",
		"changedTablesById": {
			"tblCand": {
				"changedRecordsById": {
					"recA": {
						"current":  {"cellValuesByFieldId": {"fldDecision": "Approve"}},
						"previous": {"cellValuesByFieldId": {"fldDecision": "Pending"}}
					}
				}
			}
		}
	}`)
}

func post(t *testing.T, router http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAirtableWebhook_TamperedSignatureRejectedBeforeNormalize(t *testing.T) {
	s := newTestStack(t)
	body := approvalPayload()
	sig := signature.Sign(body, []byte(webhookSecret))
	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] ^= 0x01

	rec := post(t, s.router, "/webhooks/airtable", tampered, map[string]string{"X-Airtable-Content-MAC": sig})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if s.schema.count() != 0 {
		t.Errorf("schema lookups = %d for rejected request, want 0 (normalizer must not run)", s.schema.count())
	}
	if len(s.publisher.Events()) != 0 {
		t.Errorf("events published = %d for rejected request, want 0", len(s.publisher.Events()))
	}
}

func TestAirtableWebhook_ValidSignaturePublishes(t *testing.T) {
	s := newTestStack(t)
	body := approvalPayload()

	rec := post(t, s.router, "/webhooks/airtable", body, map[string]string{
		"X-Airtable-Content-MAC": signature.Sign(body, []byte(webhookSecret)),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	events := s.publisher.Events()
	if len(events) != 1 {
		t.Fatalf("events published = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Resource != "Candidates" || ev.RecordID != "recA" {
		t.Errorf("published event = %+v", ev)
	}
	if !ev.HasChangedField("Screening Decision") {
		t.Errorf("changed fields = %v", ev.ChangedFields)
	}
}

func TestPubSubConsume_RoutesAndDispatches(t *testing.T) {
	s := newTestStack(t)

	// Ingest a signed webhook, then feed the published event back through
	// the push consumer the way Pub/Sub would.
	body := approvalPayload()
	post(t, s.router, "/webhooks/airtable", body, map[string]string{
		"X-Airtable-Content-MAC": signature.Sign(body, []byte(webhookSecret)),
	})
	events := s.publisher.Events()
	if len(events) != 1 {
		t.Fatalf("events published = %d, want 1", len(events))
	}

	data, _ := json.Marshal(events[0])
	envelope, _ := json.Marshal(map[string]any{
		"message": map[string]any{"data": base64.StdEncoding.EncodeToString(data), "messageId": "m1"},
	})

	rec := post(t, s.router, "/pubsub/airtable", envelope, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(s.action.records) != 1 || s.action.records[0] != "recA" {
		t.Fatalf("dispatched records = %v, want [recA]", s.action.records)
	}

	audits, _ := s.store.ListAuditEvents(context.Background(), models.AuditFilter{Outcome: models.AuditDispatched})
	if len(audits) != 1 || audits[0].Rule != "screening-approved" {
		t.Errorf("dispatched audit = %+v", audits)
	}
}

func TestMalformedWebhookIsAckedAndAudited(t *testing.T) {
	s := newTestStack(t)
	body := []byte(`{"baseId": "appJ1"}`)

	rec := post(t, s.router, "/webhooks/airtable", body, map[string]string{
		"X-Airtable-Content-MAC": signature.Sign(body, []byte(webhookSecret)),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 ack for malformed payload", rec.Code)
	}

	audits, _ := s.store.ListAuditEvents(context.Background(), models.AuditFilter{Outcome: models.AuditDropped})
	if len(audits) != 1 {
		t.Errorf("dropped audit records = %d, want 1", len(audits))
	}
}

func TestChatCommand_AcksWithText(t *testing.T) {
	s := newTestStack(t)
	body := []byte(`{
		"type": "MESSAGE",
		"space": {"name": "spaces/ops"},
		"user": {"name": "users/42"},
		"message": {"name": "spaces/ops/messages/m1", "text": "/status recA"}
	}`)

	rec := post(t, s.router, "/chat/command", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp["text"] == "" {
		t.Error("chat response missing text ack")
	}
	if len(s.publisher.Events()) != 1 {
		t.Errorf("events published = %d, want 1", len(s.publisher.Events()))
	}
}

func TestSchedulerEndpointRequiresIdentityToken(t *testing.T) {
	s := newTestStack(t)
	rec := post(t, s.router, "/internal/scheduler/renew-gmail-watch", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d without bearer token, want 401", rec.Code)
	}
}

// stubWatchProvider hands out a fixed registration so scheduler endpoint
// tests can run the real registrar without a vendor.
type stubWatchProvider struct {
	sub models.Subscription
}

func (s *stubWatchProvider) Find(context.Context) (*models.Subscription, error) {
	return nil, nil
}

func (s *stubWatchProvider) Create(context.Context) (*models.Subscription, error) {
	cp := s.sub
	return &cp, nil
}

func (s *stubWatchProvider) Refresh(_ context.Context, _ *models.Subscription) (*models.Subscription, error) {
	cp := s.sub
	return &cp, nil
}

func TestSchedulerRenewReportsSubscriptionIdentity(t *testing.T) {
	expiry := time.Now().Add(7 * 24 * time.Hour).UTC().Truncate(time.Second)
	s := newTestStack(t, func(o *stackOptions) {
		o.audience = "" // identity check off for local stacks
		o.providers = map[models.ResourceType]registrar.Provider{
			models.ResourceGmailWatch: &stubWatchProvider{sub: models.Subscription{
				ExternalID: "hist-42",
				ExpiresAt:  expiry,
			}},
		}
	})

	rec := post(t, s.router, "/internal/scheduler/renew-gmail-watch", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status       string    `json:"status"`
		ResourceType string    `json:"resource_type"`
		ExternalID   string    `json:"external_id"`
		ExpiresAt    time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if resp.Status != "ok" || resp.ResourceType != "gmail_watch" {
		t.Errorf("response = %+v", resp)
	}
	if resp.ExternalID != "hist-42" {
		t.Errorf("external_id = %q, want hist-42", resp.ExternalID)
	}
	if !resp.ExpiresAt.Equal(expiry) {
		t.Errorf("expires_at = %v, want %v", resp.ExpiresAt, expiry)
	}
}

func TestHealth(t *testing.T) {
	s := newTestStack(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
