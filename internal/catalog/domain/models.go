// Package domain contains the admin-managed add-on catalog. The billing engine
// treats it as read-only.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/bolton/internal/entitlement/domain"
	"gorm.io/datatypes"
)

// BillingCycle enumerates how an add-on is billed.
type BillingCycle string

const (
	BillingCycleMonthly    BillingCycle = "monthly"
	BillingCycleYearly     BillingCycle = "yearly"
	BillingCycleOneTime    BillingCycle = "one_time"
	BillingCycleUsageBased BillingCycle = "usage_based"
)

func (c BillingCycle) Recurring() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

// PricingVariant is one purchasable price point, optionally scoped to a region.
// Amounts are minor units (cents).
type PricingVariant struct {
	Variant       string `json:"variant,omitempty"`
	Region        string `json:"region,omitempty"`
	Currency      string `json:"currency"`
	MonthlyAmount int64  `json:"monthly_amount,omitempty"`
	YearlyAmount  int64  `json:"yearly_amount,omitempty"`
	OneTimeAmount int64  `json:"one_time_amount,omitempty"`
}

// UsageUnit defines the consumable credit bundle for usage-based add-ons.
type UsageUnit struct {
	UnitName           string `json:"unit_name"`
	CreditsPerPurchase int64  `json:"credits_per_purchase"`
	ResetCadence       string `json:"reset_cadence,omitempty"`
	LowBalanceDefault  int64  `json:"low_balance_default,omitempty"`
}

// AddOn is a purchasable capability layered on a tenant's base plan.
type AddOn struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Code        string       `gorm:"type:text;not null;uniqueIndex:ux_add_ons_code"`
	Name        string       `gorm:"type:text;not null"`
	Description *string      `gorm:"type:text"`
	Category    string       `gorm:"type:text;not null"`

	DefaultCycle BillingCycle                                        `gorm:"column:default_cycle;type:text;not null"`
	Pricing      datatypes.JSONType[[]PricingVariant]                `gorm:"column:pricing"`
	Grants       datatypes.JSONType[entitlementdomain.FeatureMap]    `gorm:"column:grants"`
	UsageUnit    datatypes.JSONType[*UsageUnit]                      `gorm:"column:usage_unit"`
	TrialDays    int                                                 `gorm:"not null;default:0"`
	Active       bool                                                `gorm:"not null;default:true"`
	Metadata     datatypes.JSONMap                                   `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (AddOn) TableName() string { return "add_ons" }

// VariantFor resolves the pricing variant for a variant/region pair, falling
// back to the first variant when no exact match exists.
func (a *AddOn) VariantFor(variant, region string) *PricingVariant {
	variants := a.Pricing.Data()
	if len(variants) == 0 {
		return nil
	}
	for i := range variants {
		if variants[i].Variant == variant && variants[i].Region == region {
			return &variants[i]
		}
	}
	for i := range variants {
		if variants[i].Variant == variant {
			return &variants[i]
		}
	}
	return &variants[0]
}
