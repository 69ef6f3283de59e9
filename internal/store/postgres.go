package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// PostgresStore implements Store on PostgreSQL via pgxpool.
// Subscriptions use one row per resource type with an upsert, audit events
// are append-only, cursors and workflow state are keyed upserts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS subscriptions (
			resource_type TEXT PRIMARY KEY,
			external_id   TEXT NOT NULL,
			expires_at    TIMESTAMPTZ NOT NULL,
			secret_ref    TEXT NOT NULL DEFAULT '',
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS audit_events (
			id          TEXT PRIMARY KEY,
			event_id    TEXT NOT NULL,
			source      TEXT NOT NULL,
			resource    TEXT NOT NULL DEFAULT '',
			record_id   TEXT NOT NULL DEFAULT '',
			rule        TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_source ON audit_events (source, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_events (outcome, created_at DESC);

		CREATE TABLE IF NOT EXISTS cursors (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS workflow_state (
			record_id  TEXT PRIMARY KEY,
			stage      TEXT NOT NULL DEFAULT '',
			draft_id   TEXT NOT NULL DEFAULT '',
			thread_id  TEXT NOT NULL DEFAULT '',
			data       JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// ── Subscription Store ──────────────────────────────────────

func (s *PostgresStore) GetSubscription(ctx context.Context, rt models.ResourceType) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.pool.QueryRow(ctx,
		`SELECT resource_type, external_id, expires_at, secret_ref, updated_at
		 FROM subscriptions WHERE resource_type = $1`, string(rt)).
		Scan(&sub.ResourceType, &sub.ExternalID, &sub.ExpiresAt, &sub.SecretRef, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "subscription", Key: string(rt)}
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (resource_type, external_id, expires_at, secret_ref, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (resource_type) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			expires_at  = EXCLUDED.expires_at,
			secret_ref  = EXCLUDED.secret_ref,
			updated_at  = NOW()`,
		string(sub.ResourceType), sub.ExternalID, sub.ExpiresAt, sub.SecretRef)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// ── Audit Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events
			(id, event_id, source, resource, record_id, rule, action, outcome, error, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.EventID, string(event.Source), event.Resource, event.RecordID,
		event.Rule, event.Action, string(event.Outcome), event.Error, event.DurationMs, createdAt)
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	where, args := auditWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT id, event_id, source, resource, record_id, rule, action, outcome, error, duration_ms, created_at
		 FROM audit_events %s ORDER BY created_at DESC LIMIT $%d`, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Source, &ev.Resource, &ev.RecordID,
			&ev.Rule, &ev.Action, &ev.Outcome, &ev.Error, &ev.DurationMs, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountAuditEvents(ctx context.Context, filter models.AuditFilter) (int64, error) {
	where, args := auditWhere(filter)
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) PruneAuditEvents(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func auditWhere(filter models.AuditFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.Source != "" {
		args = append(args, string(filter.Source))
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.Outcome != "" {
		args = append(args, string(filter.Outcome))
		conds = append(conds, fmt.Sprintf("outcome = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		conds = append(conds, fmt.Sprintf("action = $%d", len(args)))
	}
	if !filter.Before.IsZero() {
		args = append(args, filter.Before)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// ── Cursor Store ────────────────────────────────────────────

func (s *PostgresStore) GetCursor(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM cursors WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) SetCursor(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cursors (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// ── Workflow State Store ────────────────────────────────────

func (s *PostgresStore) GetWorkflowState(ctx context.Context, recordID string) (*models.WorkflowState, error) {
	var st models.WorkflowState
	err := s.pool.QueryRow(ctx,
		`SELECT record_id, stage, draft_id, thread_id, data, updated_at
		 FROM workflow_state WHERE record_id = $1`, recordID).
		Scan(&st.RecordID, &st.Stage, &st.DraftID, &st.ThreadID, &st.Data, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "workflow state", Key: recordID}
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow state: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) PutWorkflowState(ctx context.Context, state *models.WorkflowState) error {
	data := state.Data
	if data == nil {
		data = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_state (record_id, stage, draft_id, thread_id, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (record_id) DO UPDATE SET
			stage      = EXCLUDED.stage,
			draft_id   = EXCLUDED.draft_id,
			thread_id  = EXCLUDED.thread_id,
			data       = EXCLUDED.data,
			updated_at = NOW()`,
		state.RecordID, state.Stage, state.DraftID, state.ThreadID, data)
	if err != nil {
		return fmt.Errorf("put workflow state: %w", err)
	}
	return nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
