package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// createContractorRecord runs when a candidate's background check passes.
// It copies the candidate into the Contractors table and links the two
// records. Idempotent per candidate: a second event for the same record
// finds the existing link and stops.
func (a *pipeline) createContractorRecord(ctx context.Context, ev *models.Event) error {
	cand, err := a.deps.Records.GetRecord(ctx, a.deps.CandidatesTable, ev.RecordID)
	if err != nil {
		return fmt.Errorf("load candidate %s: %w", ev.RecordID, err)
	}
	if linked, _ := cand.Fields["Contractor Record"].(string); linked != "" {
		log.Info().Str("record_id", ev.RecordID).Str("contractor", linked).Msg("contractor record already exists")
		return nil
	}

	fields := map[string]any{
		"Name":             cand.Fields["Name"],
		"Email":            cand.Fields["Email"],
		"Certifications":   cand.Fields["Certifications"],
		"Source Candidate": ev.RecordID,
		"Status":           "Onboarding",
	}
	contractor, err := a.deps.Records.CreateRecord(ctx, a.deps.ContractorsTable, fields)
	if err != nil {
		return fmt.Errorf("create contractor for %s: %w", ev.RecordID, err)
	}

	if _, err := a.deps.Records.UpdateRecord(ctx, a.deps.CandidatesTable, ev.RecordID, map[string]any{
		"Contractor Record": contractor.ID,
	}); err != nil {
		return fmt.Errorf("link contractor %s to candidate %s: %w", contractor.ID, ev.RecordID, err)
	}

	return a.deps.Store.PutWorkflowState(ctx, &models.WorkflowState{
		RecordID:  ev.RecordID,
		Stage:     "contractor_created",
		Data:      map[string]any{"contractor_id": contractor.ID},
		UpdatedAt: time.Now().UTC(),
	})
}

// notifyInterviewComplete posts an interview summary to the ops space so
// the hiring team sees outcomes without polling the base.
func (a *pipeline) notifyInterviewComplete(ctx context.Context, ev *models.Event) error {
	rec, err := a.deps.Records.GetRecord(ctx, a.deps.CandidatesTable, ev.RecordID)
	if err != nil {
		return fmt.Errorf("load candidate %s: %w", ev.RecordID, err)
	}
	name, _ := rec.Fields["Name"].(string)
	if name == "" {
		name = ev.RecordID
	}
	outcome := ev.CurrentString("Interview Status")

	text := fmt.Sprintf("Interview complete for %s: %s", name, outcome)
	if err := a.deps.Chat.PostText(ctx, a.deps.ChatSpace, text); err != nil {
		return fmt.Errorf("post interview notification: %w", err)
	}
	return nil
}
