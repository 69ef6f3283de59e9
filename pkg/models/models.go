package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Event Source ─────────────────────────────────────────────

// Source identifies which vendor system an event originated from.
type Source string

const (
	SourceAirtable Source = "airtable"
	SourceGmail    Source = "gmail"
	SourceDrive    Source = "drive"
	SourceChat     Source = "chat"
	SourceManual   Source = "manual"
)

// ValidSource reports whether s is a recognized event source.
func ValidSource(s Source) bool {
	switch s {
	case SourceAirtable, SourceGmail, SourceDrive, SourceChat, SourceManual:
		return true
	}
	return false
}

// ── Normalized Event ─────────────────────────────────────────

// Event is the uniform internal representation of a vendor notification.
// An Event is immutable once constructed: the dispatcher and rule engine
// only read it, RawPayload is retained verbatim for audit and never mutated.
type Event struct {
	ID     string `json:"id"`
	Source Source `json:"source"`

	// Resource is the originating container: Airtable table name, Gmail
	// mailbox, Drive folder id, or Chat space name.
	Resource string `json:"resource"`

	// RecordID identifies the affected entity in the source system
	// (record id, message id, file id, interaction id).
	RecordID string `json:"record_id"`

	// ChangedFields holds the field names that changed. Empty for
	// creation/deletion-only events. Treated as a set.
	ChangedFields []string `json:"changed_fields,omitempty"`

	PreviousValues map[string]any `json:"previous_values,omitempty"`
	CurrentValues  map[string]any `json:"current_values,omitempty"`

	// RawPayload is the original vendor body, kept for audit/debug.
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// HasChangedField reports whether the named field is in ChangedFields.
func (e *Event) HasChangedField(name string) bool {
	for _, f := range e.ChangedFields {
		if f == name {
			return true
		}
	}
	return false
}

// CurrentString returns the current value of a field as a string,
// or "" when absent or not a string.
func (e *Event) CurrentString(field string) string {
	s, _ := e.CurrentValues[field].(string)
	return s
}

// ── Routing Rules ────────────────────────────────────────────

// Rule is a declarative routing rule evaluated in configuration order.
// The first rule whose predicate matches wins; later rules are not evaluated.
type Rule struct {
	// Name uniquely identifies the rule in logs and audit records.
	Name string `yaml:"name" json:"name"`

	// Source and Resource are optional exact-match shortcuts applied
	// before the When expression.
	Source   string `yaml:"source,omitempty" json:"source,omitempty"`
	Resource string `yaml:"resource,omitempty" json:"resource,omitempty"`

	// When is a boolean expression over the event (expr syntax). Empty
	// means "always matches" once Source/Resource filters pass. Predicates
	// must be total: evaluation errors count as a non-match, never a throw.
	When string `yaml:"when,omitempty" json:"when,omitempty"`

	// Action names the registered dispatcher action to invoke.
	Action string `yaml:"action" json:"action"`
}

// ── Subscriptions ────────────────────────────────────────────

// ResourceType identifies the kind of vendor push subscription.
type ResourceType string

const (
	ResourceAirtableWebhook ResourceType = "airtable_webhook"
	ResourceGmailWatch      ResourceType = "gmail_watch"
	ResourceDriveWatch      ResourceType = "drive_watch"
)

// Subscription is the persisted record of one vendor push registration.
// There is at most one live subscription per resource type; refresh is
// the only mutation path after creation.
type Subscription struct {
	ResourceType ResourceType `json:"resource_type"`
	ExternalID   string       `json:"external_id"`
	ExpiresAt    time.Time    `json:"expires_at"`

	// SecretRef points at the signing secret in the secret resolver
	// (e.g. "env:AIRTABLE_WEBHOOK_SECRET" or "gsm:projects/.../versions/latest").
	// The secret value itself is never stored alongside expiry metadata.
	SecretRef string `json:"secret_ref,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ── Dispatch & Audit ─────────────────────────────────────────

// DispatchResult captures the outcome of one action invocation.
type DispatchResult struct {
	Action   string        `json:"action"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
}

// AuditOutcome classifies an audit entry.
type AuditOutcome string

const (
	AuditDispatched   AuditOutcome = "dispatched"
	AuditActionFailed AuditOutcome = "action_failed"
	AuditNoRoute      AuditOutcome = "no_route"
	AuditDropped      AuditOutcome = "dropped"
	AuditAlertRaised  AuditOutcome = "alert_raised"
)

// AuditEvent is the append-only record emitted for every processed event,
// regardless of outcome.
type AuditEvent struct {
	ID         string       `json:"id"`
	EventID    string       `json:"event_id"`
	Source     Source       `json:"source"`
	Resource   string       `json:"resource,omitempty"`
	RecordID   string       `json:"record_id,omitempty"`
	Rule       string       `json:"rule,omitempty"`
	Action     string       `json:"action,omitempty"`
	Outcome    AuditOutcome `json:"outcome"`
	Error      string       `json:"error,omitempty"`
	DurationMs int64        `json:"duration_ms,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// AuditFilter narrows ListAuditEvents results.
type AuditFilter struct {
	Source  Source
	Outcome AuditOutcome
	Action  string
	Before  time.Time // only records created before this instant; zero means unbounded
	Limit   int       // default 100
}

// ── Workflow State ───────────────────────────────────────────

// WorkflowState is the serializable per-pipeline-record state that actions
// persist between steps, so a step can be retried or resumed after a crash.
type WorkflowState struct {
	RecordID  string         `json:"record_id"`
	Stage     string         `json:"stage"`
	DraftID   string         `json:"draft_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ── Error Taxonomy ───────────────────────────────────────────

// MalformedPayloadError means normalization could not parse the vendor body.
// The event is dropped and ingress still acknowledges the vendor, so
// permanently-bad payloads do not cause retry storms.
type MalformedPayloadError struct {
	Source Source
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s payload: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s payload: %s", e.Source, e.Reason)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// RetryablePayloadError marks a normalization failure caused by a transient
// collaborator failure (the Gmail history fetch). The caller may retry.
type RetryablePayloadError struct {
	Source Source
	Err    error
}

func (e *RetryablePayloadError) Error() string {
	return fmt.Sprintf("transient %s normalization failure: %v", e.Source, e.Err)
}

func (e *RetryablePayloadError) Unwrap() error { return e.Err }

// ActionFailedError means the dispatched action failed downstream. It is
// logged and, for safety-relevant actions, surfaced to a human channel.
// It is never raised back to the webhook ingress.
type ActionFailedError struct {
	Action string
	Err    error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *ActionFailedError) Unwrap() error { return e.Err }

// RefreshFailedError means a subscription create/refresh exhausted its
// retries. Degraded, not fatal: events stop arriving until the next
// scheduler tick, so the error is surfaced as an operational alert.
type RefreshFailedError struct {
	ResourceType ResourceType
	Attempts     int
	Err          error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("subscription refresh for %s failed after %d attempts: %v", e.ResourceType, e.Attempts, e.Err)
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }
