// Package normalize converts vendor-specific webhook bodies into the
// uniform internal event shape.
//
// Normalization is pure and re-entrant with one exception: Gmail push
// notifications carry only a history id, so materializing the affected
// messages requires a call to the mail provider. That call runs with a
// timeout and bounded retries; its failure is retryable, not terminal.
package normalize

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jetsmx/opsrelay/internal/store"
	"github.com/jetsmx/opsrelay/pkg/models"
)

// SchemaResolver resolves Airtable table and field ids to display names.
// Implementations cache the base schema; a lookup miss returns an error
// and the raw id is used as-is.
type SchemaResolver interface {
	TableName(ctx context.Context, tableID string) (string, error)
	FieldName(ctx context.Context, tableID, fieldID string) (string, error)
}

// MessageRef identifies one message surfaced by a Gmail history delta.
type MessageRef struct {
	MessageID string
	ThreadID  string
	LabelIDs  []string
}

// HistorySource fetches the Gmail history delta since a known history id.
type HistorySource interface {
	History(ctx context.Context, startHistoryID uint64) ([]MessageRef, error)
}

// Normalizer builds models.Event values from vendor payloads.
type Normalizer struct {
	schema  SchemaResolver
	history HistorySource
	cursors store.CursorStore

	mailbox      string // mailbox the Gmail watch is attached to
	fetchTimeout time.Duration
	fetchRetries int
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithSchema sets the Airtable schema resolver.
func WithSchema(s SchemaResolver) Option {
	return func(n *Normalizer) { n.schema = s }
}

// WithHistory sets the Gmail history source and the mailbox it serves.
func WithHistory(h HistorySource, mailbox string) Option {
	return func(n *Normalizer) {
		n.history = h
		n.mailbox = mailbox
	}
}

// WithFetchPolicy bounds the Gmail history fetch.
func WithFetchPolicy(timeout time.Duration, retries int) Option {
	return func(n *Normalizer) {
		n.fetchTimeout = timeout
		n.fetchRetries = retries
	}
}

// New creates a Normalizer. cursors persists the Gmail history position.
func New(cursors store.CursorStore, opts ...Option) *Normalizer {
	n := &Normalizer{
		cursors:      cursors,
		fetchTimeout: 10 * time.Second,
		fetchRetries: 3,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// newEvent stamps the shared envelope fields.
func newEvent(source models.Source, raw []byte) models.Event {
	return models.Event{
		ID:         uuid.NewString(),
		Source:     source,
		RawPayload: raw,
		ReceivedAt: time.Now().UTC(),
	}
}

func malformed(source models.Source, reason string, err error) error {
	return &models.MalformedPayloadError{Source: source, Reason: reason, Err: err}
}
