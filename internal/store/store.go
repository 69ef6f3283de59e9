// Package store provides the storage interface and implementations for the
// opsrelay gateway. The in-memory store covers local development and tests;
// the PostgreSQL store is for deployments where audit history and
// subscription metadata must survive restarts.
package store

import (
	"context"
	"time"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// Store is the primary storage interface. Handler and service code depends
// on this interface, so the memory and PostgreSQL implementations are
// interchangeable.
type Store interface {
	SubscriptionStore
	AuditStore
	CursorStore
	WorkflowStateStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Subscription Store ──────────────────────────────────────

// SubscriptionStore persists vendor push-subscription metadata. Secrets are
// never stored here, only a reference into the secret resolver.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, rt models.ResourceType) (*models.Subscription, error)

	// UpsertSubscription writes the single subscription record for its
	// resource type. Implementations must make the write atomic so
	// concurrent registrar refreshes cannot interleave.
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	// CreateAuditEvent appends an audit record.
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error

	// ListAuditEvents returns filtered audit records, newest first.
	ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)

	// CountAuditEvents returns the count of records matching the filter.
	CountAuditEvents(ctx context.Context, filter models.AuditFilter) (int64, error)

	// PruneAuditEvents deletes records created before the cutoff and
	// returns how many were removed. Used by the retention janitor.
	PruneAuditEvents(ctx context.Context, before time.Time) (int, error)
}

// ── Cursor Store ────────────────────────────────────────────

// CursorStore persists incremental-sync positions, keyed by name.
// The Gmail normalizer keeps its last-seen history id here.
type CursorStore interface {
	// GetCursor returns the stored value, or "" when the key is unset.
	GetCursor(ctx context.Context, key string) (string, error)
	SetCursor(ctx context.Context, key, value string) error
}

// ── Workflow State Store ────────────────────────────────────

// WorkflowStateStore persists per-pipeline-record action state so a step
// can be retried or resumed after a crash.
type WorkflowStateStore interface {
	GetWorkflowState(ctx context.Context, recordID string) (*models.WorkflowState, error)
	PutWorkflowState(ctx context.Context, state *models.WorkflowState) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
