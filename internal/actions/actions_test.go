package actions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	drive "google.golang.org/api/drive/v3"

	"github.com/jetsmx/opsrelay/internal/store"
	"github.com/jetsmx/opsrelay/internal/vendors/airtable"
	"github.com/jetsmx/opsrelay/pkg/models"
)

// ── Fakes ───────────────────────────────────────────────────

type fakeRecords struct {
	records map[string]*airtable.Record // key: table/id
	created []string
	updates map[string]map[string]any
	nextID  int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		records: make(map[string]*airtable.Record),
		updates: make(map[string]map[string]any),
	}
}

func (f *fakeRecords) put(table, id string, fields map[string]any) {
	f.records[table+"/"+id] = &airtable.Record{ID: id, Fields: fields}
}

func (f *fakeRecords) GetRecord(_ context.Context, table, recordID string) (*airtable.Record, error) {
	rec, ok := f.records[table+"/"+recordID]
	if !ok {
		return nil, &airtable.APIError{Status: 404, Body: "NOT_FOUND"}
	}
	return rec, nil
}

func (f *fakeRecords) CreateRecord(_ context.Context, table string, fields map[string]any) (*airtable.Record, error) {
	f.nextID++
	id := fmt.Sprintf("rec%03d", f.nextID)
	f.put(table, id, fields)
	f.created = append(f.created, table+"/"+id)
	return &airtable.Record{ID: id, Fields: fields}, nil
}

func (f *fakeRecords) UpdateRecord(_ context.Context, table, recordID string, fields map[string]any) (*airtable.Record, error) {
	rec, ok := f.records[table+"/"+recordID]
	if !ok {
		return nil, &airtable.APIError{Status: 404, Body: "NOT_FOUND"}
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	f.updates[table+"/"+recordID] = fields
	return rec, nil
}

type fakeMailer struct {
	drafts   map[string][]byte
	sent     []string
	threadID string
	nextID   int
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{drafts: make(map[string][]byte), threadID: "thr1"}
}

func (f *fakeMailer) CreateDraft(_ context.Context, raw []byte, _ string) (string, error) {
	f.nextID++
	id := fmt.Sprintf("draft%d", f.nextID)
	f.drafts[id] = raw
	return id, nil
}

func (f *fakeMailer) SendDraft(_ context.Context, draftID string) (string, error) {
	if _, ok := f.drafts[draftID]; !ok {
		return "", fmt.Errorf("draft %s not found", draftID)
	}
	f.sent = append(f.sent, draftID)
	return f.threadID, nil
}

type fakeChat struct {
	texts []string
	cards []string // recordID/draftID
}

func (f *fakeChat) PostText(_ context.Context, _, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeChat) PostApprovalCard(_ context.Context, _, _, recordID, draftID, _ string) error {
	f.cards = append(f.cards, recordID+"/"+draftID)
	return nil
}

type fakeDrive struct {
	files map[string]*drive.File
	data  map[string][]byte
}

func (f *fakeDrive) GetFile(_ context.Context, fileID string) (*drive.File, error) {
	file, ok := f.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileID)
	}
	return file, nil
}

func (f *fakeDrive) DownloadFile(_ context.Context, fileID string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data[fileID])), nil
}

type testEnv struct {
	records *fakeRecords
	mail    *fakeMailer
	chat    *fakeChat
	drive   *fakeDrive
	store   *store.MemoryStore
	actions *pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		records: newFakeRecords(),
		mail:    newFakeMailer(),
		chat:    &fakeChat{},
		drive:   &fakeDrive{files: make(map[string]*drive.File), data: make(map[string][]byte)},
		store:   store.NewMemoryStore(""),
	}
	t.Cleanup(func() { env.store.Close() })
	deps := Deps{
		Records:   env.records,
		Mail:      env.mail,
		Chat:      env.chat,
		Drive:     env.drive,
		Store:     env.store,
		ChatSpace: "spaces/ops",
	}
	deps.defaults()
	env.actions = &pipeline{deps: deps}
	return env
}

// ── Tests ───────────────────────────────────────────────────

func TestGenerateOutreachDraft(t *testing.T) {
	env := newTestEnv(t)
	env.records.put("Candidates", "recA", map[string]any{
		"Name":  "Jordan Reyes",
		"Email": "jordan@example.com",
	})

	err := env.actions.generateOutreachDraft(context.Background(), &models.Event{
		ID: "ev1", Source: models.SourceAirtable, RecordID: "recA",
	})
	if err != nil {
		t.Fatalf("generateOutreachDraft() error = %v", err)
	}

	if len(env.mail.drafts) != 1 {
		t.Fatalf("drafts created = %d, want 1", len(env.mail.drafts))
	}
	raw := string(env.mail.drafts["draft1"])
	if !strings.Contains(raw, "To: jordan@example.com") || !strings.Contains(raw, "Hi Jordan Reyes") {
		t.Errorf("draft body missing recipient or greeting:\n%s", raw)
	}
	if len(env.mail.sent) != 0 {
		t.Errorf("drafts sent = %d without approval, want 0", len(env.mail.sent))
	}
	if len(env.chat.cards) != 1 || env.chat.cards[0] != "recA/draft1" {
		t.Errorf("approval cards = %v", env.chat.cards)
	}

	state, err := env.store.GetWorkflowState(context.Background(), "recA")
	if err != nil {
		t.Fatalf("GetWorkflowState() error = %v", err)
	}
	if state.Stage != "draft_pending_approval" || state.DraftID != "draft1" {
		t.Errorf("workflow state = %+v", state)
	}
}

func TestSendApprovedDraft(t *testing.T) {
	env := newTestEnv(t)
	env.records.put("Candidates", "recA", map[string]any{"Name": "Jordan Reyes"})
	env.mail.drafts["draft1"] = []byte("raw")

	err := env.actions.sendApprovedDraft(context.Background(), &models.Event{
		ID:     "ev2",
		Source: models.SourceChat,
		CurrentValues: map[string]any{
			"action":    "approve_outreach",
			"record_id": "recA",
			"draft_id":  "draft1",
		},
	})
	if err != nil {
		t.Fatalf("sendApprovedDraft() error = %v", err)
	}

	if len(env.mail.sent) != 1 || env.mail.sent[0] != "draft1" {
		t.Errorf("sent drafts = %v", env.mail.sent)
	}
	if env.records.updates["Candidates/recA"]["Outreach Status"] != "Sent" {
		t.Errorf("record updates = %v", env.records.updates)
	}
	tracked, _ := env.store.GetCursor(context.Background(), threadCursorKey("thr1"))
	if tracked != "recA" {
		t.Errorf("thread cursor = %q, want recA", tracked)
	}
}

func TestRecordCandidateReply(t *testing.T) {
	env := newTestEnv(t)
	env.records.put("Candidates", "recA", map[string]any{"Name": "Jordan Reyes"})
	env.store.SetCursor(context.Background(), threadCursorKey("thr1"), "recA")

	reply := func(thread string) error {
		return env.actions.recordCandidateReply(context.Background(), &models.Event{
			ID:            "ev3",
			Source:        models.SourceGmail,
			RecordID:      "m9",
			CurrentValues: map[string]any{"thread_id": thread},
		})
	}

	if err := reply("thr1"); err != nil {
		t.Fatalf("recordCandidateReply() error = %v", err)
	}
	if env.records.updates["Candidates/recA"]["Outreach Status"] != "Replied" {
		t.Errorf("record updates = %v", env.records.updates)
	}

	// An untracked thread is a quiet no-op.
	env.records.updates = map[string]map[string]any{}
	if err := reply("thr-unknown"); err != nil {
		t.Fatalf("recordCandidateReply() untracked error = %v", err)
	}
	if len(env.records.updates) != 0 {
		t.Errorf("untracked reply touched records: %v", env.records.updates)
	}
}

func TestCreateContractorRecord(t *testing.T) {
	env := newTestEnv(t)
	env.records.put("Candidates", "recA", map[string]any{
		"Name":           "Jordan Reyes",
		"Email":          "jordan@example.com",
		"Certifications": "A&P, IA",
	})

	ev := &models.Event{ID: "ev4", Source: models.SourceAirtable, RecordID: "recA"}
	if err := env.actions.createContractorRecord(context.Background(), ev); err != nil {
		t.Fatalf("createContractorRecord() error = %v", err)
	}
	if len(env.records.created) != 1 || !strings.HasPrefix(env.records.created[0], "Contractors/") {
		t.Fatalf("created = %v, want one Contractors record", env.records.created)
	}
	if env.records.updates["Candidates/recA"]["Contractor Record"] == "" {
		t.Error("candidate not linked to contractor record")
	}

	// A duplicate event must not create a second contractor.
	if err := env.actions.createContractorRecord(context.Background(), ev); err != nil {
		t.Fatalf("createContractorRecord() repeat error = %v", err)
	}
	if len(env.records.created) != 1 {
		t.Errorf("created = %v after duplicate event, want still 1", env.records.created)
	}
}

func TestProcessResumeUpload(t *testing.T) {
	env := newTestEnv(t)
	env.drive.files["f1"] = &drive.File{Id: "f1", Name: "resume_jordan_reyes.pdf", MimeType: "application/pdf"}
	env.drive.data["f1"] = []byte("Jordan Reyes, A&P mechanic, Gulfstream and turbine experience, Part 145 repair station")

	err := env.actions.processResumeUpload(context.Background(), &models.Event{
		ID: "ev5", Source: models.SourceDrive, RecordID: "f1",
	})
	if err != nil {
		t.Fatalf("processResumeUpload() error = %v", err)
	}

	if len(env.records.created) != 1 {
		t.Fatalf("created = %v, want one candidate", env.records.created)
	}
	rec := env.records.records[env.records.created[0]]
	if rec.Fields["Name"] != "Jordan Reyes" {
		t.Errorf("candidate name = %v", rec.Fields["Name"])
	}
	score, _ := rec.Fields["Fit Score"].(int)
	if score < 50 {
		t.Errorf("fit score = %d for a strong resume, want >= 50", score)
	}
}

func TestProcessResumeUpload_SkipsNonPDF(t *testing.T) {
	env := newTestEnv(t)
	env.drive.files["f2"] = &drive.File{Id: "f2", Name: "headshot.jpg", MimeType: "image/jpeg"}

	err := env.actions.processResumeUpload(context.Background(), &models.Event{
		ID: "ev6", Source: models.SourceDrive, RecordID: "f2",
	})
	if err != nil {
		t.Fatalf("processResumeUpload() error = %v", err)
	}
	if len(env.records.created) != 0 {
		t.Errorf("created = %v for non-PDF upload, want none", env.records.created)
	}
}

func TestKeywordScorer(t *testing.T) {
	s := NewKeywordScorer()

	strong, err := s.Score(context.Background(), Candidate{
		Resume: []byte("A&P with Inspection Authorization, avionics, Part 145 experience"),
	})
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	weak, _ := s.Score(context.Background(), Candidate{Resume: []byte("barista, latte art")})

	if strong.Score <= weak.Score {
		t.Errorf("strong = %d, weak = %d; want strong > weak", strong.Score, weak.Score)
	}
	if weak.Score != 0 || weak.Summary != "No maintenance keywords found" {
		t.Errorf("weak verdict = %+v", weak)
	}
}

func TestNameFromFilename(t *testing.T) {
	for in, want := range map[string]string{
		"resume_jordan_reyes.pdf":   "Jordan Reyes",
		"Jordan Reyes - Resume.pdf": "Jordan Reyes",
		"cv-taylor.pdf":             "Taylor",
	} {
		if got := nameFromFilename(in); got != want {
			t.Errorf("nameFromFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
