package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jetsmx/opsrelay/internal/signature"
)

type recordingDriver struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordingDriver) Name() string { return "recording" }

func (r *recordingDriver) Send(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return r.err
}

func TestService_FansOutToAllDrivers(t *testing.T) {
	a := &recordingDriver{}
	b := &recordingDriver{}
	svc := NewService(a, b)

	if err := svc.Alert(context.Background(), "Gmail watch failing", "quota exceeded"); err != nil {
		t.Fatalf("Alert() error = %v", err)
	}
	if len(a.alerts) != 1 || len(b.alerts) != 1 {
		t.Fatalf("driver deliveries = %d, %d; want 1 each", len(a.alerts), len(b.alerts))
	}
	if a.alerts[0].Title != "Gmail watch failing" {
		t.Errorf("alert title = %q", a.alerts[0].Title)
	}
}

func TestService_JoinsDriverErrors(t *testing.T) {
	ok := &recordingDriver{}
	bad := &recordingDriver{err: errors.New("space not found")}
	svc := NewService(ok, bad)

	err := svc.Alert(context.Background(), "t", "x")
	if err == nil {
		t.Fatal("Alert() = nil, want joined driver error")
	}
	if len(ok.alerts) != 1 {
		t.Errorf("healthy driver deliveries = %d, want 1 despite sibling failure", len(ok.alerts))
	}
}

func TestService_NoDriversIsNotAnError(t *testing.T) {
	svc := NewService()
	if err := svc.Alert(context.Background(), "t", "x"); err != nil {
		t.Fatalf("Alert() with no drivers = %v, want nil", err)
	}
}

func TestWebhookDriver_SignsBody(t *testing.T) {
	const secret = "alert-secret"
	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-OpsRelay-Signature")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewWebhookDriver(srv.URL, secret)
	if err := d.Send(context.Background(), Alert{Title: "Subscription refresh failing", Text: "airtable 500"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var decoded Alert
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("delivered body is not JSON: %v", err)
	}
	if decoded.Title != "Subscription refresh failing" {
		t.Errorf("delivered title = %q", decoded.Title)
	}
	if !signature.New(secret).Verify(gotBody, gotSig) {
		t.Errorf("signature %q does not verify against delivered body", gotSig)
	}
}

func TestWebhookDriver_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewWebhookDriver(srv.URL, "")
	// The deadline lets the first attempt complete and interrupts the
	// retry sleeps.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := d.Send(ctx, Alert{Title: "t"}); err == nil {
		t.Fatal("Send() = nil for 400 response")
	}
}

type fakePoster struct {
	space, title, text string
}

func (f *fakePoster) PostCard(_ context.Context, space, title, text string) error {
	f.space, f.title, f.text = space, title, text
	return nil
}

func TestChatDriver_PostsToConfiguredSpace(t *testing.T) {
	poster := &fakePoster{}
	d := NewChatDriver(poster, "spaces/ops")

	if err := d.Send(context.Background(), Alert{Title: "Action failed", Text: "details"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if poster.space != "spaces/ops" || poster.title != "Action failed" {
		t.Errorf("posted to %q with title %q", poster.space, poster.title)
	}
}
