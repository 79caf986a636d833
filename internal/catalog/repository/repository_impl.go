package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() catalogdomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*catalogdomain.AddOn, error) {
	var addOn catalogdomain.AddOn
	err := db.WithContext(ctx).Where("id = ?", id).First(&addOn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &addOn, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*catalogdomain.AddOn, error) {
	var addOn catalogdomain.AddOn
	err := db.WithContext(ctx).Where("code = ?", code).First(&addOn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &addOn, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB) ([]catalogdomain.AddOn, error) {
	var addOns []catalogdomain.AddOn
	err := db.WithContext(ctx).Where("active = ?", true).Order("code ASC").Find(&addOns).Error
	return addOns, err
}

func (r *repo) ListByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]catalogdomain.AddOn, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var addOns []catalogdomain.AddOn
	err := db.WithContext(ctx).Where("id IN ?", ids).Find(&addOns).Error
	return addOns, err
}
