package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/bolton/internal/billing/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, txn *billingdomain.Transaction) error {
	return db.WithContext(ctx).Create(txn).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, txn *billingdomain.Transaction) error {
	return db.WithContext(ctx).Save(txn).Error
}

func (r *repo) FindByCorrelationIDForUpdate(ctx context.Context, db *gorm.DB, correlationID string) (*billingdomain.Transaction, error) {
	var txn billingdomain.Transaction
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("correlation_id = ?", correlationID).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *repo) ListByInstance(ctx context.Context, db *gorm.DB, instanceID snowflake.ID, limit int) ([]billingdomain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txns []billingdomain.Transaction
	err := db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}
