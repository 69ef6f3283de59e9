package actions

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// maxResumeBytes caps how much of an uploaded file the scorer reads.
const maxResumeBytes = 10 << 20

// processResumeUpload runs on a new file in the resumes folder: score the
// resume and create a candidate row with the verdict. Non-PDF uploads are
// skipped quietly since the folder also collects cover letters and photos.
func (a *pipeline) processResumeUpload(ctx context.Context, ev *models.Event) error {
	f, err := a.deps.Drive.GetFile(ctx, ev.RecordID)
	if err != nil {
		return fmt.Errorf("load file %s: %w", ev.RecordID, err)
	}
	if f.MimeType != "application/pdf" {
		log.Info().Str("file_id", ev.RecordID).Str("mime_type", f.MimeType).Msg("skipping non-PDF upload")
		return nil
	}

	body, err := a.deps.Drive.DownloadFile(ctx, ev.RecordID)
	if err != nil {
		return fmt.Errorf("download %s: %w", ev.RecordID, err)
	}
	defer body.Close()
	content, err := io.ReadAll(io.LimitReader(body, maxResumeBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", ev.RecordID, err)
	}

	verdict, err := a.deps.Scorer.Score(ctx, Candidate{
		Name:     nameFromFilename(f.Name),
		FileName: f.Name,
		Resume:   content,
	})
	if err != nil {
		return fmt.Errorf("score resume %s: %w", f.Name, err)
	}

	rec, err := a.deps.Records.CreateRecord(ctx, a.deps.CandidatesTable, map[string]any{
		"Name":        nameFromFilename(f.Name),
		"Resume File": f.Name,
		"Fit Score":   verdict.Score,
		"Fit Summary": verdict.Summary,
		"Stage":       "Screening",
	})
	if err != nil {
		return fmt.Errorf("create candidate for %s: %w", f.Name, err)
	}

	log.Info().Str("file", f.Name).Str("record_id", rec.ID).Int("score", verdict.Score).Msg("resume scored")
	return a.deps.Store.PutWorkflowState(ctx, &models.WorkflowState{
		RecordID:  rec.ID,
		Stage:     "scored",
		Data:      map[string]any{"file_id": ev.RecordID, "score": verdict.Score},
		UpdatedAt: time.Now().UTC(),
	})
}

// nameFromFilename guesses a display name from uploads like
// "resume_jordan_reyes.pdf" or "Jordan Reyes - Resume.pdf".
func nameFromFilename(filename string) string {
	base := strings.TrimSuffix(filename, ".pdf")
	base = strings.TrimSuffix(base, ".PDF")
	for _, noise := range []string{"resume", "Resume", "RESUME", "cv", "CV"} {
		base = strings.ReplaceAll(base, noise, "")
	}
	base = strings.Trim(base, " -_")
	base = strings.ReplaceAll(base, "_", " ")
	fields := strings.Fields(base)
	for i, f := range fields {
		fields[i] = strings.ToUpper(f[:1]) + f[1:]
	}
	return strings.Join(fields, " ")
}
