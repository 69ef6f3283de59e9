package airtable

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jetsmx/opsrelay/pkg/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("pat-token", "appJ1", WithBaseURL(srv.URL))
}

func TestCreateWebhook(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"id":              "achWH1",
			"macSecretBase64": "c2VjcmV0",
			"expirationTime":  time.Now().Add(7 * 24 * time.Hour).Format(time.RFC3339),
		})
	}))

	wh, err := c.CreateWebhook(context.Background(), "https://relay.jetsmx.com/webhooks/airtable", DefaultSpecification())
	if err != nil {
		t.Fatalf("CreateWebhook() error = %v", err)
	}
	if gotPath != "/v0/bases/appJ1/webhooks" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer pat-token" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["notificationUrl"] != "https://relay.jetsmx.com/webhooks/airtable" {
		t.Errorf("notificationUrl = %v", gotBody["notificationUrl"])
	}
	if wh.ID != "achWH1" || wh.MacSecretBase64 != "c2VjcmV0" {
		t.Errorf("webhook = %+v", wh)
	}
}

func TestUpdateRecordUsesPatch(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"id": "recA", "fields": map[string]any{"Fit Score": 87}})
	}))

	rec, err := c.UpdateRecord(context.Background(), "Candidates", "recA", map[string]any{"Fit Score": 87})
	if err != nil {
		t.Fatalf("UpdateRecord() error = %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/v0/appJ1/Candidates/recA" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if rec.Fields["Fit Score"] != float64(87) {
		t.Errorf("fields = %v", rec.Fields)
	}
}

func TestAPIErrorStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": "NOT_FOUND"}`, http.StatusNotFound)
	}))

	_, err := c.GetRecord(context.Background(), "Candidates", "recMissing")
	if !IsNotFound(err) {
		t.Fatalf("GetRecord() error = %v, want 404 APIError", err)
	}
}

func schemaHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/meta/bases/appJ1/tables" {
			http.NotFound(w, r)
			return
		}
		*calls++
		json.NewEncoder(w).Encode(map[string]any{
			"tables": []map[string]any{{
				"id":   "tblCand",
				"name": "Candidates",
				"fields": []map[string]any{
					{"id": "fldDecision", "name": "Screening Decision"},
				},
			}},
		})
	})
}

func TestSchema_ResolvesAndCaches(t *testing.T) {
	var calls int
	c := newTestClient(t, schemaHandler(&calls))
	s := NewSchema(c)

	name, err := s.TableName(context.Background(), "tblCand")
	if err != nil || name != "Candidates" {
		t.Fatalf("TableName() = %q, %v", name, err)
	}
	field, err := s.FieldName(context.Background(), "tblCand", "fldDecision")
	if err != nil || field != "Screening Decision" {
		t.Fatalf("FieldName() = %q, %v", field, err)
	}
	if calls != 1 {
		t.Errorf("meta API calls = %d, want 1 (cached)", calls)
	}

	// Unknown id reloads once, then fails.
	if _, err := s.FieldName(context.Background(), "tblCand", "fldNew"); err == nil {
		t.Error("FieldName() = nil error for unknown field")
	}
	if calls != 2 {
		t.Errorf("meta API calls = %d after miss, want 2", calls)
	}
}

func TestWebhookProvider_FindAdoptsMatchAndPrunesDuplicates(t *testing.T) {
	expiry := time.Now().Add(5 * 24 * time.Hour).UTC().Truncate(time.Second)
	var deleted []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v0/bases/appJ1/webhooks":
			json.NewEncoder(w).Encode(map[string]any{
				"webhooks": []map[string]any{
					{"id": "achOther", "notificationUrl": "https://elsewhere.example.com/hook", "expirationTime": expiry.Format(time.RFC3339)},
					{"id": "achLive", "notificationUrl": "https://relay.jetsmx.com/webhooks/airtable", "expirationTime": expiry.Format(time.RFC3339)},
					{"id": "achDup", "notificationUrl": "https://relay.jetsmx.com/webhooks/airtable", "expirationTime": expiry.Format(time.RFC3339)},
				},
			})
		case r.Method == http.MethodDelete:
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	p := NewWebhookProvider(c, "https://relay.jetsmx.com/webhooks/airtable", "env:AIRTABLE_WEBHOOK_SECRET", nil)

	sub, err := p.Find(context.Background())
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if sub == nil || sub.ExternalID != "achLive" {
		t.Fatalf("Find() = %+v, want adoption of achLive", sub)
	}
	if !sub.ExpiresAt.Equal(expiry) {
		t.Errorf("expires at = %v, want %v", sub.ExpiresAt, expiry)
	}
	if len(deleted) != 1 || deleted[0] != "/v0/bases/appJ1/webhooks/achDup" {
		t.Errorf("deleted = %v, want only the duplicate achDup", deleted)
	}
}

func TestWebhookProvider_FindReturnsNilWhenUnregistered(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"webhooks": []map[string]any{}})
	}))
	p := NewWebhookProvider(c, "https://relay.jetsmx.com/webhooks/airtable", "env:AIRTABLE_WEBHOOK_SECRET", nil)

	sub, err := p.Find(context.Background())
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if sub != nil {
		t.Errorf("Find() = %+v on an empty base, want nil", sub)
	}
}

func TestWebhookProvider_RecreatesWhenGone(t *testing.T) {
	var refreshes, creates int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/bases/appJ1/webhooks/achOld/refresh":
			refreshes++
			http.Error(w, `{"error": "NOT_FOUND"}`, http.StatusNotFound)
		case "/v0/bases/appJ1/webhooks":
			creates++
			json.NewEncoder(w).Encode(map[string]any{
				"id":             "achNew",
				"expirationTime": time.Now().Add(7 * 24 * time.Hour).Format(time.RFC3339),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	p := NewWebhookProvider(c, "https://relay.jetsmx.com/webhooks/airtable", "env:AIRTABLE_WEBHOOK_SECRET", nil)

	sub, err := p.Refresh(context.Background(), &models.Subscription{
		ResourceType: models.ResourceAirtableWebhook,
		ExternalID:   "achOld",
	})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshes != 1 || creates != 1 {
		t.Errorf("refreshes = %d, creates = %d; want 1, 1", refreshes, creates)
	}
	if sub.ExternalID != "achNew" {
		t.Errorf("subscription external id = %q, want achNew", sub.ExternalID)
	}
}
