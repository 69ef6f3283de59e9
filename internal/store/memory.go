// In-memory Store implementation, used for local development and tests.
// Supports file-based snapshot persistence so subscription state survives
// restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Subscriptions map[models.ResourceType]*models.Subscription `json:"subscriptions"`
	Cursors       map[string]string                            `json:"cursors"`
	AuditEvents   []*models.AuditEvent                         `json:"audit_events"`
	Workflow      map[string]*models.WorkflowState             `json:"workflow"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[models.ResourceType]*models.Subscription
	cursors       map[string]string
	auditEvents   []*models.AuditEvent // append-only log
	workflow      map[string]*models.WorkflowState

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutine to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store. If dataDir is non-empty,
// state is persisted to a JSON snapshot in that directory.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		subscriptions: make(map[models.ResourceType]*models.Subscription),
		cursors:       make(map[string]string),
		auditEvents:   make([]*models.AuditEvent, 0),
		workflow:      make(map[string]*models.WorkflowState),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(dataDir, "state.json")
			m.loadSnapshot()
			go m.saveLoop()
		}
	}

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop debounces save requests (max one write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Subscriptions: m.subscriptions,
		Cursors:       m.cursors,
		AuditEvents:   m.auditEvents,
		Workflow:      m.workflow,
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Warn().Err(err).Msg("marshal snapshot failed")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Warn().Err(err).Msg("write snapshot failed")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Warn().Err(err).Msg("rename snapshot failed")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("read snapshot failed")
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("snapshot corrupt, starting empty")
		return
	}
	if snap.Subscriptions != nil {
		m.subscriptions = snap.Subscriptions
	}
	if snap.Cursors != nil {
		m.cursors = snap.Cursors
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}
	if snap.Workflow != nil {
		m.workflow = snap.Workflow
	}
	log.Info().
		Int("subscriptions", len(m.subscriptions)).
		Int("audit_events", len(m.auditEvents)).
		Msg("loaded state snapshot")
}

// ── Subscription Store ──────────────────────────────────────

func (m *MemoryStore) GetSubscription(ctx context.Context, rt models.ResourceType) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[rt]
	if !ok {
		return nil, &ErrNotFound{Entity: "subscription", Key: string(rt)}
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	cp := *sub
	cp.UpdatedAt = time.Now().UTC()
	m.subscriptions[sub.ResourceType] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	cp := *event
	m.auditEvents = append(m.auditEvents, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AuditEvent, 0, limit)
	// Newest first: walk the append-only log backwards.
	for i := len(m.auditEvents) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.auditEvents[i]
		if auditMatches(ev, filter) {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountAuditEvents(ctx context.Context, filter models.AuditFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, ev := range m.auditEvents {
		if auditMatches(ev, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PruneAuditEvents(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	kept := m.auditEvents[:0]
	for _, ev := range m.auditEvents {
		if !ev.CreatedAt.Before(before) {
			kept = append(kept, ev)
		}
	}
	removed := len(m.auditEvents) - len(kept)
	m.auditEvents = kept
	m.mu.Unlock()
	if removed > 0 {
		m.requestSave()
	}
	return removed, nil
}

func auditMatches(ev *models.AuditEvent, f models.AuditFilter) bool {
	if f.Source != "" && ev.Source != f.Source {
		return false
	}
	if f.Outcome != "" && ev.Outcome != f.Outcome {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if !f.Before.IsZero() && !ev.CreatedAt.Before(f.Before) {
		return false
	}
	return true
}

// ── Cursor Store ────────────────────────────────────────────

func (m *MemoryStore) GetCursor(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[key], nil
}

func (m *MemoryStore) SetCursor(ctx context.Context, key, value string) error {
	m.mu.Lock()
	m.cursors[key] = value
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Workflow State Store ────────────────────────────────────

func (m *MemoryStore) GetWorkflowState(ctx context.Context, recordID string) (*models.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.workflow[recordID]
	if !ok {
		return nil, &ErrNotFound{Entity: "workflow state", Key: recordID}
	}
	cp := *st
	return &cp, nil
}

func (m *MemoryStore) PutWorkflowState(ctx context.Context, state *models.WorkflowState) error {
	m.mu.Lock()
	cp := *state
	cp.UpdatedAt = time.Now().UTC()
	m.workflow[state.RecordID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}
