// Package domain holds the billing transaction ledger.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	TransactionRefunded  TransactionStatus = "refunded"
)

// Transaction is one charge attempt. The row is created before the gateway is
// called, so a crash mid-charge leaves a pending record the webhook
// reconciler or an operator can resolve instead of a silent gap.
type Transaction struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	TenantID      snowflake.ID      `gorm:"not null;index"`
	InstanceID    snowflake.ID      `gorm:"not null;index"`
	AddOnCode     string            `gorm:"type:text;not null"`
	CorrelationID string            `gorm:"type:text;not null;uniqueIndex"`
	Status        TransactionStatus `gorm:"type:text;not null;index"`
	Subtotal      int64             `gorm:"not null"`
	TaxAmount     int64             `gorm:"not null"`
	Total         int64             `gorm:"not null"`
	Currency      string            `gorm:"type:text;not null"`
	PeriodStart   *time.Time        `gorm:""`
	PeriodEnd     *time.Time        `gorm:""`
	GatewayRef    *string           `gorm:"type:text"`
	FailureCode   *string           `gorm:"type:text"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	AttemptedAt   time.Time         `gorm:"not null"`
	CompletedAt   *time.Time        `gorm:""`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Transaction) TableName() string { return "billing_transactions" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, txn *Transaction) error
	Update(ctx context.Context, db *gorm.DB, txn *Transaction) error
	FindByCorrelationIDForUpdate(ctx context.Context, db *gorm.DB, correlationID string) (*Transaction, error)
	ListByInstance(ctx context.Context, db *gorm.DB, instanceID snowflake.ID, limit int) ([]Transaction, error)
}

var (
	ErrTransactionNotFound = errors.New("transaction_not_found")
	ErrNotDue              = errors.New("instance_not_due")
	ErrNotBillable         = errors.New("instance_not_billable")
)
