package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jetsmx/opsrelay/internal/signature"
)

// WebhookDriver posts alerts as JSON to a configured URL with HMAC-SHA256
// signing when a secret is set.
type WebhookDriver struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookDriver(url, secret string) *WebhookDriver {
	return &WebhookDriver{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (d *WebhookDriver) Name() string { return "webhook" }

// Send posts the alert with up to 3 attempts and linear backoff.
func (d *WebhookDriver) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt*2) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "OpsRelay-Alert/1.0")
		req.Header.Set("X-OpsRelay-Alert", alert.Title)
		if d.secret != "" {
			req.Header.Set("X-OpsRelay-Signature", signature.Sign(body, []byte(d.secret)))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url)
	}
	return fmt.Errorf("alert webhook failed after 3 attempts: %w", lastErr)
}
