package airtable

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// SecretSink stores the MAC secret a webhook creation returns. Airtable
// only reveals the secret once, so losing it means re-creating the webhook.
type SecretSink interface {
	StoreWebhookSecret(ctx context.Context, secret string) error
}

// WebhookProvider keeps the base's webhook registration alive for the
// registrar.
type WebhookProvider struct {
	client          *Client
	notificationURL string
	secretRef       string
	sink            SecretSink
}

// NewWebhookProvider builds a provider. sink may be nil, in which case the
// MAC secret is only logged as a fingerprint and the operator must place it
// at secretRef by hand.
func NewWebhookProvider(client *Client, notificationURL, secretRef string, sink SecretSink) *WebhookProvider {
	return &WebhookProvider{
		client:          client,
		notificationURL: notificationURL,
		secretRef:       secretRef,
		sink:            sink,
	}
}

// Find lists the base's webhook registrations and adopts the one pointing
// at this provider's notification URL. Extra registrations for the same URL
// are deleted so duplicates never accumulate on the vendor side.
func (p *WebhookProvider) Find(ctx context.Context) (*models.Subscription, error) {
	hooks, err := p.client.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}

	var match *Webhook
	for i := range hooks {
		wh := &hooks[i]
		if wh.NotificationURL != p.notificationURL {
			continue
		}
		if match == nil {
			match = wh
			continue
		}
		if err := p.client.DeleteWebhook(ctx, wh.ID); err != nil {
			log.Warn().Err(err).Str("webhook_id", wh.ID).Msg("failed to delete duplicate webhook")
		} else {
			log.Warn().Str("webhook_id", wh.ID).Msg("deleted duplicate webhook registration")
		}
	}
	if match == nil {
		return nil, nil
	}

	return &models.Subscription{
		ResourceType: models.ResourceAirtableWebhook,
		ExternalID:   match.ID,
		ExpiresAt:    match.ExpirationTime,
		SecretRef:    p.secretRef,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

func (p *WebhookProvider) Create(ctx context.Context) (*models.Subscription, error) {
	wh, err := p.client.CreateWebhook(ctx, p.notificationURL, DefaultSpecification())
	if err != nil {
		return nil, err
	}

	if p.sink != nil {
		if err := p.sink.StoreWebhookSecret(ctx, wh.MacSecretBase64); err != nil {
			// The webhook works, the secret just is not persisted. Surface
			// loudly instead of failing the registration.
			log.Error().Err(err).Str("webhook_id", wh.ID).Msg("failed to store webhook MAC secret")
		}
	} else {
		log.Warn().Str("webhook_id", wh.ID).Str("secret_ref", p.secretRef).
			Msg("no secret sink configured, store the MAC secret at the ref manually")
	}

	return &models.Subscription{
		ResourceType: models.ResourceAirtableWebhook,
		ExternalID:   wh.ID,
		ExpiresAt:    wh.ExpirationTime,
		SecretRef:    p.secretRef,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

func (p *WebhookProvider) Refresh(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	expiry, err := p.client.RefreshWebhook(ctx, sub.ExternalID)
	if err != nil {
		// A 404 means the webhook is gone (expired out or deleted), so
		// re-register instead of retrying a dead id.
		if IsNotFound(err) {
			log.Warn().Str("webhook_id", sub.ExternalID).Msg("webhook gone, re-creating")
			return p.Create(ctx)
		}
		return nil, err
	}

	renewed := *sub
	renewed.ExpiresAt = expiry
	renewed.UpdatedAt = time.Now().UTC()
	return &renewed, nil
}
