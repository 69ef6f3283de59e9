// Package handlers implements the HTTP surface: vendor webhook ingress,
// Chat app endpoints, Pub/Sub push consumers, and the internal scheduler
// hooks.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/internal/bus"
	"github.com/jetsmx/opsrelay/internal/dispatch"
	"github.com/jetsmx/opsrelay/internal/normalize"
	"github.com/jetsmx/opsrelay/internal/registrar"
	"github.com/jetsmx/opsrelay/internal/store"
	"github.com/jetsmx/opsrelay/pkg/models"
)

const maxBody = 4 << 20

// Handlers bundles the pipeline components the HTTP layer drives.
type Handlers struct {
	normalizer *normalize.Normalizer
	publisher  bus.Publisher
	dispatcher *dispatch.Dispatcher
	registrar  *registrar.Registrar
	audit      store.AuditStore
}

func New(n *normalize.Normalizer, p bus.Publisher, d *dispatch.Dispatcher, r *registrar.Registrar, audit store.AuditStore) *Handlers {
	return &Handlers{
		normalizer: n,
		publisher:  p,
		dispatcher: d,
		registrar:  r,
		audit:      audit,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return nil, false
	}
	return body, true
}

// ── Webhook ingress ─────────────────────────────────────────

type normalizeFunc func(ctx context.Context, body []byte) ([]models.Event, error)

// ingest runs one normalizer over the body and publishes the resulting
// events. Malformed payloads are acknowledged and audited as dropped so a
// permanently bad sender cannot cause a retry storm; transient failures
// return 500 so the sender redelivers.
func (h *Handlers) ingest(w http.ResponseWriter, r *http.Request, source models.Source, fn normalizeFunc, body []byte) {
	events, err := fn(r.Context(), body)
	if err != nil {
		var malformed *models.MalformedPayloadError
		if errors.As(err, &malformed) {
			log.Warn().Err(err).Str("source", string(source)).Msg("dropping malformed payload")
			h.auditDrop(r.Context(), source, err)
			writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
			return
		}
		var retryable *models.RetryablePayloadError
		if errors.As(err, &retryable) {
			log.Warn().Err(err).Str("source", string(source)).Msg("transient normalization failure, asking sender to retry")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "transient failure"})
			return
		}
		log.Error().Err(err).Str("source", string(source)).Msg("normalization failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	published := 0
	for i := range events {
		if err := h.publisher.Publish(r.Context(), &events[i]); err != nil {
			log.Error().Err(err).Str("event_id", events[i].ID).Msg("publish failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "publish failed"})
			return
		}
		published++
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "events": published})
}

func (h *Handlers) auditDrop(ctx context.Context, source models.Source, dropErr error) {
	rec := &models.AuditEvent{
		ID:        uuid.NewString(),
		Source:    source,
		Outcome:   models.AuditDropped,
		Error:     dropErr.Error(),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.audit.CreateAuditEvent(context.WithoutCancel(ctx), rec); err != nil {
		log.Error().Err(err).Msg("audit write failed")
	}
}

// AirtableWebhook handles base change notifications. Signature checking
// happens in middleware before this runs.
func (h *Handlers) AirtableWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	h.ingest(w, r, models.SourceAirtable, h.normalizer.Airtable, body)
}

// GmailWebhook handles Gmail push notifications, which arrive wrapped in a
// Pub/Sub push envelope.
func (h *Handlers) GmailWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	data, _, err := bus.DecodePush(body)
	if err != nil || len(data) == 0 {
		log.Warn().Err(err).Msg("dropping undecodable gmail push envelope")
		h.auditDrop(r.Context(), models.SourceGmail, errors.New("undecodable push envelope"))
		writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
		return
	}
	h.ingest(w, r, models.SourceGmail, h.normalizer.Gmail, data)
}

// DriveWebhook handles Drive change channel notifications. Drive sends a
// bare "sync" ping when a channel opens; that is acknowledged and skipped.
func (h *Handlers) DriveWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Goog-Resource-State") == "sync" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "sync"})
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	h.ingest(w, r, models.SourceDrive, h.normalizer.Drive, body)
}

// ── Chat endpoints ──────────────────────────────────────────

// ChatCommand handles slash commands. Chat expects a synchronous message
// response, so the ack text doubles as user feedback.
func (h *Handlers) ChatCommand(w http.ResponseWriter, r *http.Request) {
	h.chatIngest(w, r, "Working on it.")
}

// ChatInteraction handles card clicks (approve/discard buttons).
func (h *Handlers) ChatInteraction(w http.ResponseWriter, r *http.Request) {
	h.chatIngest(w, r, "Got it.")
}

func (h *Handlers) chatIngest(w http.ResponseWriter, r *http.Request, ack string) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	events, err := h.normalizer.Chat(r.Context(), body)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed chat event")
		h.auditDrop(r.Context(), models.SourceChat, err)
		writeJSON(w, http.StatusOK, map[string]string{"text": "Sorry, I could not read that."})
		return
	}
	for i := range events {
		if err := h.publisher.Publish(r.Context(), &events[i]); err != nil {
			log.Error().Err(err).Str("event_id", events[i].ID).Msg("publish failed")
			writeJSON(w, http.StatusOK, map[string]string{"text": "Something went wrong, try again."})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": ack})
}

// ── Pub/Sub push consumers ──────────────────────────────────

// PubSubConsume routes a re-published event through the rule engine and
// dispatcher. It always acks: dispatch failures are audited internally and
// redelivering the same event would not fix them.
func (h *Handlers) PubSubConsume(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	ev, err := bus.DecodePushEvent(body)
	if err != nil {
		log.Warn().Err(err).Msg("acking undecodable push delivery")
		writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
		return
	}
	result := h.dispatcher.Dispatch(r.Context(), ev)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "processed",
		"action":  result.Action,
		"success": result.Success,
	})
}

// ── Scheduler endpoints ─────────────────────────────────────

// EnsureSubscription returns a handler that runs the registrar for one
// resource type. Idempotent: a healthy subscription is a fast no-op.
func (h *Handlers) EnsureSubscription(rt models.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := h.registrar.Ensure(r.Context(), rt)
		if err != nil {
			log.Error().Err(err).Str("resource_type", string(rt)).Msg("scheduler ensure failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"resource_type": string(rt),
			"external_id":   sub.ExternalID,
			"expires_at":    sub.ExpiresAt,
		})
	}
}
