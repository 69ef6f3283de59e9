package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// generateOutreachDraft runs when screening approves a candidate: it drafts
// the outreach email and posts an approval card to the ops Chat space. The
// draft is never sent without a human clicking approve.
func (a *pipeline) generateOutreachDraft(ctx context.Context, ev *models.Event) error {
	rec, err := a.deps.Records.GetRecord(ctx, a.deps.CandidatesTable, ev.RecordID)
	if err != nil {
		return fmt.Errorf("load candidate %s: %w", ev.RecordID, err)
	}
	name, _ := rec.Fields["Name"].(string)
	email, _ := rec.Fields["Email"].(string)
	if email == "" {
		return fmt.Errorf("candidate %s has no email address", ev.RecordID)
	}

	body := outreachBody(name)
	raw := buildEmail(a.deps.FromAddress, email, "Contract opportunity with JetsMX", body)
	draftID, err := a.deps.Mail.CreateDraft(ctx, raw, "")
	if err != nil {
		return fmt.Errorf("create outreach draft: %w", err)
	}

	if err := a.deps.Chat.PostApprovalCard(ctx, a.deps.ChatSpace, name, ev.RecordID, draftID, body); err != nil {
		return fmt.Errorf("post approval card: %w", err)
	}

	return a.deps.Store.PutWorkflowState(ctx, &models.WorkflowState{
		RecordID:  ev.RecordID,
		Stage:     "draft_pending_approval",
		DraftID:   draftID,
		UpdatedAt: time.Now().UTC(),
	})
}

// sendApprovedDraft runs on the approve_outreach card click.
func (a *pipeline) sendApprovedDraft(ctx context.Context, ev *models.Event) error {
	recordID := ev.CurrentString("record_id")
	draftID := ev.CurrentString("draft_id")
	if recordID == "" || draftID == "" {
		return fmt.Errorf("approval interaction missing record_id or draft_id")
	}

	threadID, err := a.deps.Mail.SendDraft(ctx, draftID)
	if err != nil {
		return fmt.Errorf("send draft %s: %w", draftID, err)
	}

	if _, err := a.deps.Records.UpdateRecord(ctx, a.deps.CandidatesTable, recordID, map[string]any{
		"Outreach Status": "Sent",
	}); err != nil {
		return fmt.Errorf("mark outreach sent on %s: %w", recordID, err)
	}

	if threadID != "" {
		if err := a.deps.Store.SetCursor(ctx, threadCursorKey(threadID), recordID); err != nil {
			return fmt.Errorf("track outreach thread: %w", err)
		}
	}

	return a.deps.Store.PutWorkflowState(ctx, &models.WorkflowState{
		RecordID:  recordID,
		Stage:     "outreach_sent",
		DraftID:   draftID,
		ThreadID:  threadID,
		UpdatedAt: time.Now().UTC(),
	})
}

// discardOutreachDraft runs on the discard_outreach card click. The Gmail
// draft is left in place for the recruiter to reuse or delete.
func (a *pipeline) discardOutreachDraft(ctx context.Context, ev *models.Event) error {
	recordID := ev.CurrentString("record_id")
	if recordID == "" {
		return fmt.Errorf("discard interaction missing record_id")
	}
	log.Info().Str("record_id", recordID).Msg("outreach draft discarded")
	return a.deps.Store.PutWorkflowState(ctx, &models.WorkflowState{
		RecordID:  recordID,
		Stage:     "draft_discarded",
		UpdatedAt: time.Now().UTC(),
	})
}

// recordCandidateReply runs on a new Gmail message. Only threads opened by
// an approved outreach are tracked; everything else is a no-op.
func (a *pipeline) recordCandidateReply(ctx context.Context, ev *models.Event) error {
	threadID, _ := ev.CurrentValues["thread_id"].(string)
	if threadID == "" {
		return nil
	}
	recordID, err := a.deps.Store.GetCursor(ctx, threadCursorKey(threadID))
	if err != nil {
		return fmt.Errorf("look up thread %s: %w", threadID, err)
	}
	if recordID == "" {
		return nil
	}

	if _, err := a.deps.Records.UpdateRecord(ctx, a.deps.CandidatesTable, recordID, map[string]any{
		"Outreach Status": "Replied",
	}); err != nil {
		return fmt.Errorf("mark reply on %s: %w", recordID, err)
	}

	log.Info().Str("record_id", recordID).Str("thread_id", threadID).Msg("candidate replied")
	return a.deps.Store.PutWorkflowState(ctx, &models.WorkflowState{
		RecordID:  recordID,
		Stage:     "replied",
		ThreadID:  threadID,
		UpdatedAt: time.Now().UTC(),
	})
}

func outreachBody(name string) string {
	greeting := "Hi"
	if name != "" {
		greeting = "Hi " + name
	}
	return greeting + ",\n\n" +
		"Your background caught our eye while we were reviewing contract A&P " +
		"candidates. JetsMX has open maintenance contracts and we would like " +
		"to talk about fit and availability.\n\n" +
		"If you are interested, reply to this email and we will set up a call.\n\n" +
		"JetsMX Recruiting"
}

// buildEmail assembles a minimal RFC 2822 message.
func buildEmail(from, to, subject, body string) []byte {
	msg := "From: " + from + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=\"UTF-8\"\r\n" +
		"\r\n" +
		body
	return []byte(msg)
}
