package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// gmailCursorKey persists the last history id we have materialized. The
// mailbox address is part of the key so a future multi-mailbox deployment
// does not collide.
func gmailCursorKey(mailbox string) string { return "gmail_history:" + mailbox }

type gmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// Gmail converts one push notification into events for the messages added
// since the last stored history id. The notification itself carries only a
// history id, so this is the one normalization path that talks to a vendor:
// the history fetch runs under a timeout with exponential-backoff retries,
// and its failure is retryable rather than terminal.
//
// The first notification for a mailbox primes the cursor and emits nothing;
// there is no meaningful "since" position to diff against.
func (n *Normalizer) Gmail(ctx context.Context, body []byte) ([]models.Event, error) {
	var note gmailNotification
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, malformed(models.SourceGmail, "invalid notification JSON", err)
	}
	newID, err := strconv.ParseUint(note.HistoryID.String(), 10, 64)
	if err != nil || newID == 0 {
		return nil, malformed(models.SourceGmail, "missing or invalid historyId", err)
	}
	if n.history == nil {
		return nil, fmt.Errorf("gmail history source not configured")
	}

	mailbox := note.EmailAddress
	if mailbox == "" {
		mailbox = n.mailbox
	}

	stored, err := n.cursors.GetCursor(ctx, gmailCursorKey(mailbox))
	if err != nil {
		return nil, fmt.Errorf("read gmail cursor: %w", err)
	}
	if stored == "" {
		if err := n.cursors.SetCursor(ctx, gmailCursorKey(mailbox), note.HistoryID.String()); err != nil {
			return nil, fmt.Errorf("prime gmail cursor: %w", err)
		}
		log.Info().Str("mailbox", mailbox).Uint64("history_id", newID).Msg("gmail cursor primed")
		return nil, nil
	}
	startID, err := strconv.ParseUint(stored, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt gmail cursor %q: %w", stored, err)
	}
	if newID <= startID {
		// Duplicate or out-of-order delivery, already materialized.
		return nil, nil
	}

	refs, err := n.fetchHistory(ctx, startID)
	if err != nil {
		// Cursor is left untouched so the next notification retries the
		// same window.
		return nil, &models.RetryablePayloadError{Source: models.SourceGmail, Err: err}
	}

	events := make([]models.Event, 0, len(refs))
	for _, ref := range refs {
		ev := newEvent(models.SourceGmail, body)
		ev.Resource = mailbox
		ev.RecordID = ref.MessageID
		ev.CurrentValues = map[string]any{
			"thread_id": ref.ThreadID,
			"label_ids": ref.LabelIDs,
		}
		events = append(events, ev)
	}

	if err := n.cursors.SetCursor(ctx, gmailCursorKey(mailbox), note.HistoryID.String()); err != nil {
		return nil, fmt.Errorf("advance gmail cursor: %w", err)
	}
	return events, nil
}

func (n *Normalizer) fetchHistory(ctx context.Context, startID uint64) ([]MessageRef, error) {
	ctx, cancel := context.WithTimeout(ctx, n.fetchTimeout)
	defer cancel()

	var refs []MessageRef
	op := func() error {
		var err error
		refs, err = n.history.History(ctx, startID)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(n.fetchRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("fetch history since %d: %w", startID, err)
	}
	return refs, nil
}
