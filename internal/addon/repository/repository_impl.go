package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() addondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, instance *addondomain.AddOnInstance) error {
	return db.WithContext(ctx).Create(instance).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, instance *addondomain.AddOnInstance) error {
	return db.WithContext(ctx).Save(instance).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*addondomain.AddOnInstance, error) {
	var instance addondomain.AddOnInstance
	err := db.WithContext(ctx).Where("id = ?", id).First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &instance, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*addondomain.AddOnInstance, error) {
	var instance addondomain.AddOnInstance
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &instance, nil
}

func (r *repo) FindByTenantAndAddOn(ctx context.Context, db *gorm.DB, tenantID, addOnID snowflake.ID) (*addondomain.AddOnInstance, error) {
	var instance addondomain.AddOnInstance
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND add_on_id = ?", tenantID, addOnID).
		First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &instance, nil
}

func (r *repo) ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]addondomain.AddOnInstance, error) {
	var instances []addondomain.AddOnInstance
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id ASC").
		Find(&instances).Error
	return instances, err
}

func (r *repo) ListEntitledByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]addondomain.AddOnInstance, error) {
	var instances []addondomain.AddOnInstance
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, []addondomain.InstanceStatus{addondomain.StatusActive, addondomain.StatusTrial}).
		Order("id ASC").
		Find(&instances).Error
	return instances, err
}

// ConsumeCredits relies on a single conditional UPDATE so that two concurrent
// consumers can never drive remaining_credits below zero: the balance check and
// the decrement are one statement at the storage layer.
func (r *repo) ConsumeCredits(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE addon_instances
		 SET remaining_credits = remaining_credits - ?,
		     total_used = total_used + ?,
		     updated_at = ?
		 WHERE id = ?
		   AND deleted_at IS NULL
		   AND billing_cycle = ?
		   AND status IN (?, ?)
		   AND remaining_credits >= ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		amount,
		amount,
		now,
		id,
		catalogdomain.BillingCycleUsageBased,
		addondomain.StatusActive,
		addondomain.StatusTrial,
		amount,
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) AddCredits(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE addon_instances
		 SET remaining_credits = remaining_credits + ?,
		     low_balance_alerted = ?,
		     low_balance_alert_at = NULL,
		     updated_at = ?
		 WHERE id = ?
		   AND deleted_at IS NULL
		   AND billing_cycle = ?`,
		amount,
		false,
		now,
		id,
		catalogdomain.BillingCycleUsageBased,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) AppendHistory(ctx context.Context, db *gorm.DB, entry *addondomain.HistoryEntry) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, instanceID snowflake.ID, limit int) ([]addondomain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []addondomain.HistoryEntry
	err := db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *repo) Archive(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&addondomain.AddOnInstance{}).Error
}
