// Package registrar keeps vendor push subscriptions alive. Ensure is
// idempotent and safe to call from overlapping scheduler ticks: it adopts
// an existing vendor registration the store lost track of, creates one when
// neither side has any, refreshes one inside the renewal window, and
// otherwise does nothing.
package registrar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/internal/store"
	"github.com/jetsmx/opsrelay/pkg/models"
)

// Provider manages one kind of vendor push subscription (Airtable webhook,
// Gmail watch, Drive changes watch).
type Provider interface {
	// Find looks up a live vendor-side registration matching this
	// provider's target URL/scope, so a registration the store lost track
	// of is adopted instead of duplicated. Returns nil when the vendor has
	// none, or when the vendor cannot enumerate registrations.
	Find(ctx context.Context) (*models.Subscription, error)

	// Create registers a new subscription with the vendor.
	Create(ctx context.Context) (*models.Subscription, error)

	// Refresh extends an existing subscription. Providers whose vendor has
	// no extend call (Gmail watch) re-register and return the new identity.
	Refresh(ctx context.Context, sub *models.Subscription) (*models.Subscription, error)
}

// Alerter surfaces refresh exhaustion to a human channel.
type Alerter interface {
	Alert(ctx context.Context, title, text string) error
}

// Registrar serializes subscription lifecycle per resource type.
type Registrar struct {
	store     store.SubscriptionStore
	providers map[models.ResourceType]Provider
	alerter   Alerter

	// window is how far before expiry a refresh is due.
	window     time.Duration
	maxRetries int
	retryBase  time.Duration

	mu    sync.Mutex
	locks map[models.ResourceType]*sync.Mutex
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithAlerter wires the human alert channel for refresh exhaustion.
func WithAlerter(a Alerter) Option {
	return func(r *Registrar) { r.alerter = a }
}

// WithPolicy overrides the renewal window and retry schedule.
func WithPolicy(window time.Duration, maxRetries int, retryBase time.Duration) Option {
	return func(r *Registrar) {
		r.window = window
		r.maxRetries = maxRetries
		r.retryBase = retryBase
	}
}

func New(st store.SubscriptionStore, providers map[models.ResourceType]Provider, opts ...Option) *Registrar {
	r := &Registrar{
		store:      st,
		providers:  providers,
		window:     48 * time.Hour,
		maxRetries: 3,
		retryBase:  time.Second,
		locks:      make(map[models.ResourceType]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureAll runs Ensure for every configured resource type. Failures are
// collected, not short-circuited, so one broken vendor cannot block renewal
// of the others.
func (r *Registrar) EnsureAll(ctx context.Context) error {
	var firstErr error
	for rt := range r.providers {
		if _, err := r.Ensure(ctx, rt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Ensure brings the subscription for rt into a live, non-expiring state and
// returns it. Concurrent calls for the same resource type serialize on a
// per-type mutex, so overlapping scheduler ticks cannot double-register.
// When the store has no record, the vendor is consulted first: a live
// registration found there is adopted, so a wiped store cannot cause a
// duplicate vendor subscription.
func (r *Registrar) Ensure(ctx context.Context, rt models.ResourceType) (*models.Subscription, error) {
	provider, ok := r.providers[rt]
	if !ok {
		return nil, fmt.Errorf("no provider configured for %s", rt)
	}

	lock := r.typeLock(rt)
	lock.Lock()
	defer lock.Unlock()

	sub, err := r.store.GetSubscription(ctx, rt)
	switch {
	case store.IsNotFound(err):
		sub, err = r.adopt(ctx, rt, provider)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return r.create(ctx, rt, provider)
		}
	case err != nil:
		return nil, fmt.Errorf("load subscription %s: %w", rt, err)
	}

	remaining := time.Until(sub.ExpiresAt)
	if remaining > r.window {
		log.Debug().Str("resource_type", string(rt)).Dur("remaining", remaining).Msg("subscription healthy")
		return sub, nil
	}
	return r.refresh(ctx, rt, provider, sub)
}

// adopt asks the vendor for an existing registration and persists it when
// one is found. Returns nil, nil when the vendor has none.
func (r *Registrar) adopt(ctx context.Context, rt models.ResourceType, provider Provider) (*models.Subscription, error) {
	found, err := provider.Find(ctx)
	if err != nil {
		return nil, fmt.Errorf("look up vendor subscription %s: %w", rt, err)
	}
	if found == nil {
		return nil, nil
	}
	found.ResourceType = rt
	if err := r.store.UpsertSubscription(ctx, found); err != nil {
		return nil, fmt.Errorf("persist subscription %s: %w", rt, err)
	}
	log.Info().
		Str("resource_type", string(rt)).
		Str("external_id", found.ExternalID).
		Time("expires_at", found.ExpiresAt).
		Msg("subscription adopted from vendor")
	return found, nil
}

func (r *Registrar) create(ctx context.Context, rt models.ResourceType, provider Provider) (*models.Subscription, error) {
	var sub *models.Subscription
	err := r.withRetry(ctx, func() error {
		var err error
		sub, err = provider.Create(ctx)
		return err
	})
	if err != nil {
		return nil, r.exhausted(ctx, rt, "create", err)
	}
	sub.ResourceType = rt
	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist subscription %s: %w", rt, err)
	}
	log.Info().
		Str("resource_type", string(rt)).
		Str("external_id", sub.ExternalID).
		Time("expires_at", sub.ExpiresAt).
		Msg("subscription created")
	return sub, nil
}

func (r *Registrar) refresh(ctx context.Context, rt models.ResourceType, provider Provider, old *models.Subscription) (*models.Subscription, error) {
	var sub *models.Subscription
	err := r.withRetry(ctx, func() error {
		var err error
		sub, err = provider.Refresh(ctx, old)
		return err
	})
	if err != nil {
		return nil, r.exhausted(ctx, rt, "refresh", err)
	}
	sub.ResourceType = rt
	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist subscription %s: %w", rt, err)
	}
	log.Info().
		Str("resource_type", string(rt)).
		Str("external_id", sub.ExternalID).
		Time("expires_at", sub.ExpiresAt).
		Msg("subscription refreshed")
	return sub, nil
}

func (r *Registrar) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryBase
	var retries uint64
	if r.maxRetries > 1 {
		retries = uint64(r.maxRetries - 1)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
}

// exhausted converts a retried-out vendor failure into a degraded-mode
// error plus an operational alert. Events stop arriving until the next
// scheduler tick retries, so a human needs to know, but the process keeps
// serving whatever still works.
func (r *Registrar) exhausted(ctx context.Context, rt models.ResourceType, op string, err error) error {
	rfe := &models.RefreshFailedError{ResourceType: rt, Attempts: r.maxRetries, Err: err}
	log.Error().Err(err).Str("resource_type", string(rt)).Str("op", op).Msg("subscription upkeep exhausted retries")
	if r.alerter != nil {
		title := fmt.Sprintf("Subscription %s for %s failing", op, rt)
		if alertErr := r.alerter.Alert(context.WithoutCancel(ctx), title, rfe.Error()); alertErr != nil {
			log.Error().Err(alertErr).Msg("alert delivery failed")
		}
	}
	return rfe
}

func (r *Registrar) typeLock(rt models.ResourceType) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[rt]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[rt] = lock
	}
	return lock
}
