// Package slack posts billing notifications to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Provider interface {
	PostMessage(ctx context.Context, channelID string, message string) error
}

// NoOpProvider is wired when no webhook URL is configured.
type NoOpProvider struct{}

func (p *NoOpProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	return nil
}

// WebhookProvider delivers through a Slack incoming-webhook URL. The channel
// override only applies when the webhook allows it; otherwise Slack uses the
// webhook's bound channel.
type WebhookProvider struct {
	url    string
	client *http.Client
}

func NewWebhook(url string) *WebhookProvider {
	return &WebhookProvider{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *WebhookProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	payload, err := json.Marshal(map[string]string{
		"channel": channelID,
		"text":    message,
	})
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := p.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode >= 300 {
		return fmt.Errorf("slack webhook: status %d", response.StatusCode)
	}
	return nil
}
