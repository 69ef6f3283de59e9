// Package actions implements the side effects the rule table can dispatch:
// outreach drafting and sending, contractor onboarding, resume scoring, and
// reply tracking for the hiring pipeline.
package actions

import (
	"context"
	"io"

	drive "google.golang.org/api/drive/v3"

	"github.com/jetsmx/opsrelay/internal/dispatch"
	"github.com/jetsmx/opsrelay/internal/store"
	"github.com/jetsmx/opsrelay/internal/vendors/airtable"
)

// Records is the slice of the Airtable client the actions use.
type Records interface {
	GetRecord(ctx context.Context, table, recordID string) (*airtable.Record, error)
	CreateRecord(ctx context.Context, table string, fields map[string]any) (*airtable.Record, error)
	UpdateRecord(ctx context.Context, table, recordID string, fields map[string]any) (*airtable.Record, error)
}

// Mailer drafts and sends outreach email.
type Mailer interface {
	CreateDraft(ctx context.Context, raw []byte, threadID string) (string, error)
	SendDraft(ctx context.Context, draftID string) (threadID string, err error)
}

// ChatPoster posts to the ops Chat space.
type ChatPoster interface {
	PostText(ctx context.Context, space, text string) error
	PostApprovalCard(ctx context.Context, space, candidate, recordID, draftID, preview string) error
}

// DriveFiles fetches uploaded resumes.
type DriveFiles interface {
	GetFile(ctx context.Context, fileID string) (*drive.File, error)
	DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// Deps wires the actions to their collaborators. Table names default to
// the production base layout when left empty.
type Deps struct {
	Records Records
	Mail    Mailer
	Chat    ChatPoster
	Drive   DriveFiles
	Store   store.Store
	Scorer  Scorer

	ChatSpace        string
	FromAddress      string
	CandidatesTable  string
	ContractorsTable string
}

func (d *Deps) defaults() {
	if d.CandidatesTable == "" {
		d.CandidatesTable = "Candidates"
	}
	if d.ContractorsTable == "" {
		d.ContractorsTable = "Contractors"
	}
	if d.FromAddress == "" {
		d.FromAddress = "recruiting@jetsmx.com"
	}
	if d.Scorer == nil {
		d.Scorer = NewKeywordScorer()
	}
}

// Register adds all pipeline actions to the registry. Contractor-record
// creation is critical: a silently missed background-check event could put
// an uncleared mechanic on the schedule.
func Register(reg *dispatch.Registry, deps Deps) {
	deps.defaults()
	a := &pipeline{deps: deps}

	reg.Register("generate_outreach_draft", a.generateOutreachDraft)
	reg.Register("send_approved_draft", a.sendApprovedDraft)
	reg.Register("discard_outreach_draft", a.discardOutreachDraft)
	reg.Register("notify_interview_complete", a.notifyInterviewComplete)
	reg.RegisterCritical("create_contractor_record", a.createContractorRecord)
	reg.Register("process_resume_upload", a.processResumeUpload)
	reg.Register("record_candidate_reply", a.recordCandidateReply)
}

type pipeline struct {
	deps Deps
}

// threadCursorKey maps a Gmail thread back to the candidate record the
// outreach was sent for.
func threadCursorKey(threadID string) string { return "thread:" + threadID }
