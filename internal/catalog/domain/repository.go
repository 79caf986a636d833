package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*AddOn, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*AddOn, error)
	ListActive(ctx context.Context, db *gorm.DB) ([]AddOn, error)
	ListByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]AddOn, error)
}
