package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"stock-ledger/internal/core"
)

// WebhookPublisher POSTs each event as JSON. The dedupe key travels in the
// Idempotency-Key header so the receiver can drop redeliveries.
type WebhookPublisher struct {
	client *resty.Client
	url    string
}

func NewWebhookPublisher(url string, timeout time.Duration) *WebhookPublisher {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "stock-ledger/outbox")
	return &WebhookPublisher{client: client, url: url}
}

func (p *WebhookPublisher) Publish(ctx context.Context, evt core.OutboxEvent) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", evt.Payload.DedupeKey()).
		SetHeader("X-Event-Id", evt.ID).
		SetHeader("X-Event-Topic", evt.Topic).
		SetBody(evt.Payload).
		Post(p.url)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
