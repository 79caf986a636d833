// Package domain contains the effective-entitlement snapshot persisted per tenant.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TenantEntitlement is the denormalized snapshot of a tenant's effective
// feature/limit map. Readers never re-derive aggregation; they read this row.
type TenantEntitlement struct {
	ID           snowflake.ID                      `gorm:"primaryKey"`
	TenantID     snowflake.ID                      `gorm:"not null;uniqueIndex:ux_tenant_entitlements_tenant"`
	BaseFeatures datatypes.JSONType[FeatureMap]    `gorm:"column:base_features"`
	Effective    datatypes.JSONType[FeatureMap]    `gorm:"column:effective"`
	Version      int64                             `gorm:"not null;default:0"`
	ComputedAt   time.Time                         `gorm:"not null"`
	LastUsedAt   *time.Time                        `gorm:""`
	CreatedAt    time.Time                         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time                         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (TenantEntitlement) TableName() string { return "tenant_entitlements" }
