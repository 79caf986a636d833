package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, instance *AddOnInstance) error
	Update(ctx context.Context, db *gorm.DB, instance *AddOnInstance) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*AddOnInstance, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*AddOnInstance, error)
	FindByTenantAndAddOn(ctx context.Context, db *gorm.DB, tenantID, addOnID snowflake.ID) (*AddOnInstance, error)
	ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]AddOnInstance, error)
	ListEntitledByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]AddOnInstance, error)

	// ConsumeCredits decrements remaining credits and increments total used in
	// one conditional statement. It reports false when the guard (entitled
	// status, usage-based cycle, sufficient balance, not expired) rejects the
	// decrement, leaving the row untouched.
	ConsumeCredits(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error)

	// AddCredits increments remaining credits and clears the low-balance alert
	// flag. It reports false when the instance is not usage-based.
	AddCredits(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error)

	AppendHistory(ctx context.Context, db *gorm.DB, entry *HistoryEntry) error
	ListHistory(ctx context.Context, db *gorm.DB, instanceID snowflake.ID, limit int) ([]HistoryEntry, error)

	Archive(ctx context.Context, db *gorm.DB, id snowflake.ID) error
}
