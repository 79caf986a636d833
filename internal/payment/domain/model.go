package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord stores one verified webhook delivery. The (provider, external_id)
// unique index is the idempotency guard: redelivered events insert-conflict and
// are acknowledged without reprocessing.
type EventRecord struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	Provider      string            `gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_external,priority:1"`
	ExternalID    string            `gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_external,priority:2"`
	EventType     string            `gorm:"type:text;not null;index"`
	CorrelationID string            `gorm:"type:text;index"`
	GatewayRef    string            `gorm:"type:text"`
	Amount        int64             `gorm:"not null;default:0"`
	Currency      string            `gorm:"type:text"`
	Payload       datatypes.JSONMap `gorm:"type:jsonb"`
	ProcessedAt   *time.Time        `gorm:""`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (EventRecord) TableName() string { return "payment_events" }

// WebhookService ingests raw provider deliveries: verify, normalize, dedupe,
// then reconcile against the transaction the correlation id points at.
type WebhookService interface {
	Ingest(ctx context.Context, provider string, header map[string][]string, body []byte) error
}
