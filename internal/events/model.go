package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BillingEvent is the persisted outbox row. Writes go through Outbox with raw
// SQL; the model exists for schema derivation and read paths.
type BillingEvent struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	TenantID  snowflake.ID      `gorm:"not null;index"`
	EventType string            `gorm:"type:text;not null"`
	Payload   datatypes.JSONMap `gorm:"type:jsonb"`
	DedupeKey *string           `gorm:"type:text;uniqueIndex:ux_billing_events_dedupe_key"`
	Published bool              `gorm:"not null;default:false;index"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BillingEvent) TableName() string { return "billing_events" }
