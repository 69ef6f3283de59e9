package airtable

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Webhook is a registration in the Airtable webhooks API.
type Webhook struct {
	ID              string    `json:"id"`
	MacSecretBase64 string    `json:"macSecretBase64,omitempty"`
	NotificationURL string    `json:"notificationUrl,omitempty"`
	ExpirationTime  time.Time `json:"expirationTime"`
}

// DefaultSpecification watches cell-value and record changes on all tables
// in the base, asking Airtable to include previous cell values so the
// normalizer can diff without another API call.
func DefaultSpecification() map[string]any {
	return map[string]any{
		"options": map[string]any{
			"filters": map[string]any{
				"dataTypes": []string{"tableData"},
			},
			"includes": map[string]any{
				"includePreviousCellValues":   true,
				"includeCellValuesInFieldIds": "all",
			},
		},
	}
}

// CreateWebhook registers a webhook on the base. The returned
// MacSecretBase64 is only ever returned by this one call.
func (c *Client) CreateWebhook(ctx context.Context, notificationURL string, spec map[string]any) (*Webhook, error) {
	var wh Webhook
	path := fmt.Sprintf("/v0/bases/%s/webhooks", c.baseID)
	in := map[string]any{
		"notificationUrl": notificationURL,
		"specification":   spec,
	}
	if err := c.do(ctx, http.MethodPost, path, in, &wh); err != nil {
		return nil, err
	}
	return &wh, nil
}

// RefreshWebhook extends the webhook's life and returns the new expiry.
func (c *Client) RefreshWebhook(ctx context.Context, webhookID string) (time.Time, error) {
	var out struct {
		ExpirationTime time.Time `json:"expirationTime"`
	}
	path := fmt.Sprintf("/v0/bases/%s/webhooks/%s/refresh", c.baseID, webhookID)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return time.Time{}, err
	}
	return out.ExpirationTime, nil
}

// ListWebhooks returns all registrations on the base.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var out struct {
		Webhooks []Webhook `json:"webhooks"`
	}
	path := fmt.Sprintf("/v0/bases/%s/webhooks", c.baseID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Webhooks, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	path := fmt.Sprintf("/v0/bases/%s/webhooks/%s", c.baseID, webhookID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
