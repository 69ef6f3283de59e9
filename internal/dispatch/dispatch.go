// Package dispatch routes normalized events through the rule engine and
// invokes the matched action under a bounded timeout. Every event produces
// exactly one audit record regardless of outcome.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/internal/rules"
	"github.com/jetsmx/opsrelay/internal/store"
	"github.com/jetsmx/opsrelay/pkg/models"
)

// Action executes one side effect for a matched event. Implementations own
// their retries; the dispatcher only enforces the deadline.
type Action func(ctx context.Context, ev *models.Event) error

// Alerter surfaces a failure to a human channel. Wired to the notify
// service in production, a fake in tests.
type Alerter interface {
	Alert(ctx context.Context, title, text string) error
}

type actionEntry struct {
	fn Action

	// critical marks actions whose silent failure could stall a
	// safety-sensitive step (background checks, certification records).
	// Their failures page a human instead of only landing in the audit log.
	critical bool
}

// Registry holds the named actions rules may reference.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]actionEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]actionEntry)}
}

// Register adds a named action. Registering the same name twice panics:
// that is a wiring bug, not a runtime condition.
func (r *Registry) Register(name string, fn Action) {
	r.register(name, fn, false)
}

// RegisterCritical adds an action whose failures raise a human alert.
func (r *Registry) RegisterCritical(name string, fn Action) {
	r.register(name, fn, true)
}

func (r *Registry) register(name string, fn Action, critical bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		panic(fmt.Sprintf("dispatch: action %q registered twice", name))
	}
	r.entries[name] = actionEntry{fn: fn, critical: critical}
}

func (r *Registry) get(name string) (actionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatcher evaluates events against the rule table and runs the winner.
type Dispatcher struct {
	engine   *rules.Engine
	registry *Registry
	audit    store.AuditStore
	alerter  Alerter
	timeout  time.Duration
}

func New(engine *rules.Engine, registry *Registry, audit store.AuditStore, alerter Alerter, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		engine:   engine,
		registry: registry,
		audit:    audit,
		alerter:  alerter,
		timeout:  timeout,
	}
}

// ValidateRules checks that every rule references a registered action.
// Called once at startup so a typo in the rules file fails fast instead of
// surfacing as a runtime no-op.
func (d *Dispatcher) ValidateRules() error {
	for _, name := range d.engine.ActionNames() {
		if _, ok := d.registry.get(name); !ok {
			return fmt.Errorf("rules reference unregistered action %q (registered: %v)", name, d.registry.Names())
		}
	}
	return nil
}

// Dispatch routes one event. A non-matching event is a normal terminal
// outcome, audited as no_route. Action failures and timeouts are audited
// and, for critical actions, alerted; they are never returned to the
// ingress path.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *models.Event) models.DispatchResult {
	rule, ok := d.engine.Match(ev)
	if !ok {
		log.Debug().Str("event_id", ev.ID).Str("source", string(ev.Source)).Msg("no rule matched")
		d.writeAudit(ctx, ev, "", "", models.AuditNoRoute, nil, 0)
		return models.DispatchResult{Success: true}
	}

	entry, ok := d.registry.get(rule.Action)
	if !ok {
		err := fmt.Errorf("action %q not registered", rule.Action)
		log.Error().Err(err).Str("rule", rule.Name).Msg("dispatch failed")
		d.writeAudit(ctx, ev, rule.Name, rule.Action, models.AuditActionFailed, err, 0)
		return models.DispatchResult{Action: rule.Action, Error: err.Error()}
	}

	start := time.Now()
	err, timedOut := d.run(ctx, entry.fn, ev)
	elapsed := time.Since(start)

	result := models.DispatchResult{
		Action:   rule.Action,
		Success:  err == nil,
		TimedOut: timedOut,
		Duration: elapsed,
	}

	if err != nil {
		afe := &models.ActionFailedError{Action: rule.Action, Err: err}
		result.Error = afe.Error()
		log.Error().Err(err).
			Str("rule", rule.Name).
			Str("action", rule.Action).
			Str("event_id", ev.ID).
			Bool("timed_out", timedOut).
			Msg("action failed")
		d.writeAudit(ctx, ev, rule.Name, rule.Action, models.AuditActionFailed, afe, elapsed)
		if entry.critical {
			d.raiseAlert(ctx, ev, rule, afe)
		}
		return result
	}

	log.Info().
		Str("rule", rule.Name).
		Str("action", rule.Action).
		Str("event_id", ev.ID).
		Dur("duration", elapsed).
		Msg("action dispatched")
	d.writeAudit(ctx, ev, rule.Name, rule.Action, models.AuditDispatched, nil, elapsed)
	return result
}

// run executes the action in its own goroutine so a hung action cannot
// wedge the dispatch loop past the deadline. A timed-out action keeps its
// cancelled context and is expected to unwind on its own.
func (d *Dispatcher) run(ctx context.Context, fn Action, ev *models.Event) (error, bool) {
	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("action panicked: %v", p)
			}
		}()
		done <- fn(runCtx, ev)
	}()

	select {
	case err := <-done:
		return err, false
	case <-runCtx.Done():
		return fmt.Errorf("deadline exceeded after %s", d.timeout), true
	}
}

// writeAudit runs on a non-cancellable context: the audit trail must record
// the outcome even when the request context is already gone.
func (d *Dispatcher) writeAudit(ctx context.Context, ev *models.Event, rule, action string, outcome models.AuditOutcome, actionErr error, elapsed time.Duration) {
	rec := &models.AuditEvent{
		ID:         uuid.NewString(),
		EventID:    ev.ID,
		Source:     ev.Source,
		Resource:   ev.Resource,
		RecordID:   ev.RecordID,
		Rule:       rule,
		Action:     action,
		Outcome:    outcome,
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if actionErr != nil {
		rec.Error = actionErr.Error()
	}
	if err := d.audit.CreateAuditEvent(context.WithoutCancel(ctx), rec); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("audit write failed")
	}
}

func (d *Dispatcher) raiseAlert(ctx context.Context, ev *models.Event, rule *models.Rule, afe *models.ActionFailedError) {
	if d.alerter == nil {
		return
	}
	title := fmt.Sprintf("Action %s failed", afe.Action)
	text := fmt.Sprintf("rule %s, %s record %s: %v", rule.Name, ev.Source, ev.RecordID, afe.Err)
	if err := d.alerter.Alert(context.WithoutCancel(ctx), title, text); err != nil {
		log.Error().Err(err).Str("action", afe.Action).Msg("alert delivery failed")
		return
	}
	d.writeAudit(ctx, ev, rule.Name, afe.Action, models.AuditAlertRaised, afe, 0)
}
