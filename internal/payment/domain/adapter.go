package domain

import (
	"context"
	"net/http"
	"time"
)

// Webhook event types after provider-specific normalization.
const (
	EventPaymentSucceeded    = "payment.succeeded"
	EventPaymentFailed       = "payment.failed"
	EventRefundCompleted     = "refund.completed"
	EventSubscriptionUpdated = "subscription.updated"
	EventSubscriptionDeleted = "subscription.deleted"
	EventIgnored             = "ignored"
)

// PaymentEvent is a provider notification normalized to the engine's shape.
type PaymentEvent struct {
	Provider      string
	ExternalID    string // provider-side event id, unique per delivery
	Type          string
	CorrelationID string
	GatewayRef    string
	Amount        int64
	Currency      string
	FailureCode   string
	OccurredAt    time.Time
	Raw           []byte
}

// PaymentAdapter verifies and normalizes one provider's webhook deliveries.
type PaymentAdapter interface {
	Provider() string
	Verify(ctx context.Context, header http.Header, body []byte) error
	Parse(ctx context.Context, body []byte) (PaymentEvent, error)
}

// AdapterFactory resolves the adapter for a provider slug.
type AdapterFactory interface {
	Adapter(provider string) (PaymentAdapter, error)
}
