// Package notify delivers operator alerts to a chat webhook. Alert delivery
// is best effort; callers log failures and move on rather than letting a
// down chat service disturb mailbox processing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/portal-intake/internal/pkg/httpretry"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Alert(ctx context.Context, title, message string) error
}

// Noop is a Notifier that discards alerts. Used when no webhook is configured.
type Noop struct{}

// Alert does nothing.
func (Noop) Alert(ctx context.Context, title, message string) error { return nil }

// Webhook posts alerts to a Slack-compatible incoming webhook.
type Webhook struct {
	url        string
	httpClient httpretry.HTTPDoer
}

// NewWebhook creates a webhook notifier for the given URL.
func NewWebhook(webhookURL string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url: webhookURL,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: timeout,
		}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (w *Webhook) SetHTTPClient(client httpretry.HTTPDoer) {
	w.httpClient = client
}

// Alert posts a formatted message to the webhook.
func (w *Webhook) Alert(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", title, message),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("creating alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
