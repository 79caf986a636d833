// Package domain contains the per-(tenant, add-on) instance record, the system
// of record for the entitlement and billing engine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	entitlementdomain "github.com/smallbiznis/bolton/internal/entitlement/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// InstanceStatus represents lifecycle states for an add-on instance.
type InstanceStatus string

const (
	StatusPendingPayment InstanceStatus = "pending_payment"
	StatusTrial          InstanceStatus = "trial"
	StatusActive         InstanceStatus = "active"
	StatusSuspended      InstanceStatus = "suspended"
	StatusCancelled      InstanceStatus = "cancelled"
	StatusExpired        InstanceStatus = "expired"
)

// Terminal reports whether the status admits no further billing transitions.
// Terminal records persist for audit; they are archived, never deleted early.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Entitled reports whether the instance contributes to the tenant's effective
// feature map.
func (s InstanceStatus) Entitled() bool {
	return s == StatusActive || s == StatusTrial
}

// AssignmentMethod records how the instance came to exist.
type AssignmentMethod string

const (
	AssignmentSelfService AssignmentMethod = "self_service"
	AssignmentAdmin       AssignmentMethod = "admin"
	AssignmentSales       AssignmentMethod = "sales"
	AssignmentTrial       AssignmentMethod = "trial"
	AssignmentPromotion   AssignmentMethod = "promotion"
)

// PricingSnapshot is captured at purchase time and immutable afterwards, so
// later catalog price changes never affect existing subscribers.
type PricingSnapshot struct {
	Variant       string `json:"variant,omitempty"`
	Region        string `json:"region,omitempty"`
	Currency      string `json:"currency"`
	MonthlyAmount int64  `json:"monthly_amount,omitempty"`
	YearlyAmount  int64  `json:"yearly_amount,omitempty"`
	OneTimeAmount int64  `json:"one_time_amount,omitempty"`
}

// AmountFor returns the per-unit charge amount for the given cycle.
func (p PricingSnapshot) AmountFor(cycle catalogdomain.BillingCycle) int64 {
	switch cycle {
	case catalogdomain.BillingCycleMonthly:
		return p.MonthlyAmount
	case catalogdomain.BillingCycleYearly:
		return p.YearlyAmount
	case catalogdomain.BillingCycleOneTime, catalogdomain.BillingCycleUsageBased:
		return p.OneTimeAmount
	default:
		return 0
	}
}

// DiscountKind is either a percentage or a fixed minor-unit reduction.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

type Discount struct {
	Kind       DiscountKind `json:"kind"`
	Value      int64        `json:"value"`
	ValidFrom  *time.Time   `json:"valid_from,omitempty"`
	ValidUntil *time.Time   `json:"valid_until,omitempty"`
}

// ActiveAt reports whether the discount applies at the given instant.
func (d *Discount) ActiveAt(at time.Time) bool {
	if d == nil {
		return false
	}
	if d.ValidFrom != nil && at.Before(*d.ValidFrom) {
		return false
	}
	if d.ValidUntil != nil && at.After(*d.ValidUntil) {
		return false
	}
	return true
}

// Apply reduces the amount by the discount, flooring at zero.
func (d *Discount) Apply(amount int64, at time.Time) int64 {
	if !d.ActiveAt(at) {
		return amount
	}
	var discounted int64
	switch d.Kind {
	case DiscountPercentage:
		discounted = amount - amount*d.Value/100
	case DiscountFixed:
		discounted = amount - d.Value
	default:
		return amount
	}
	if discounted < 0 {
		return 0
	}
	return discounted
}

// ConfigOverride layers tenant-specific values on top of the catalog defaults.
type ConfigOverride struct {
	CustomPricing *PricingSnapshot              `json:"custom_pricing,omitempty"`
	CustomGrants  entitlementdomain.FeatureMap  `json:"custom_grants,omitempty"`
	CustomLimits  map[string]int64              `json:"custom_limits,omitempty"`
	Discount      *Discount                     `json:"discount,omitempty"`
}

// DailyUsage is one entry of the rolling per-day usage window.
type DailyUsage struct {
	Date      string `json:"date"` // UTC, YYYY-MM-DD
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}

// AddOnInstance is one tenant's subscription to one add-on.
type AddOnInstance struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	TenantID snowflake.ID `gorm:"not null;uniqueIndex:ux_addon_instances_tenant_addon,priority:1,where:deleted_at IS NULL"`
	AddOnID  snowflake.ID `gorm:"not null;uniqueIndex:ux_addon_instances_tenant_addon,priority:2,where:deleted_at IS NULL"`

	AddOnCode string         `gorm:"type:text;not null"` // snapshot
	Quantity  int            `gorm:"not null;default:1"`
	Status    InstanceStatus `gorm:"type:text;not null;index"`

	ActivatedAt   *time.Time `gorm:""`
	TrialStartAt  *time.Time `gorm:""`
	TrialEndsAt   *time.Time `gorm:""`
	ExpiresAt     *time.Time `gorm:""`
	CancelledAt   *time.Time `gorm:""`
	SuspendedAt   *time.Time `gorm:""`
	CancelReason  *string    `gorm:"type:text"`
	SuspendReason *string    `gorm:"type:text"`
	RefundAmount  int64      `gorm:"not null;default:0"`

	BillingCycle    catalogdomain.BillingCycle           `gorm:"type:text;not null"`
	NextBillingDate *time.Time                           `gorm:"index"`
	PricingSnapshot datatypes.JSONType[PricingSnapshot]  `gorm:"column:pricing_snapshot"`
	Override        datatypes.JSONType[*ConfigOverride]  `gorm:"column:config_override"`

	TotalUsed          int64                             `gorm:"not null;default:0"`
	RemainingCredits   int64                             `gorm:"not null;default:0"`
	DailyUsage         datatypes.JSONType[[]DailyUsage]  `gorm:"column:daily_usage"`
	LowBalanceAlerted  bool                              `gorm:"not null;default:false"`
	LowBalanceAlertAt  *time.Time                        `gorm:""`
	AlertThreshold     int64                             `gorm:"not null;default:0"`
	AutoRenew          bool                              `gorm:"not null;default:false"`
	AutoRenewThreshold int64                             `gorm:"not null;default:0"`
	ResetCadence       string                            `gorm:"type:text"`

	FailedAttempts int        `gorm:"not null;default:0"`
	LastFailedAt   *time.Time `gorm:""`
	NextRetryAt    *time.Time `gorm:"index"`

	TrialConsumed bool `gorm:"not null;default:false"`
	TrialDays     int  `gorm:"not null;default:0"`

	AssignedBy       string           `gorm:"type:text;not null"`
	AssignmentMethod AssignmentMethod `gorm:"type:text;not null"`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	DeletedAt gorm.DeletedAt    `gorm:"index"`
}

func (AddOnInstance) TableName() string { return "addon_instances" }

// EffectivePricing resolves override pricing when present, else the snapshot.
func (i *AddOnInstance) EffectivePricing() PricingSnapshot {
	if override := i.Override.Data(); override != nil && override.CustomPricing != nil {
		return *override.CustomPricing
	}
	return i.PricingSnapshot.Data()
}

// HistoryKind classifies billing-history entries.
type HistoryKind string

const (
	HistoryKindCharge      HistoryKind = "charge"
	HistoryKindRefund      HistoryKind = "refund"
	HistoryKindCreditGrant HistoryKind = "credit_grant"
	HistoryKindAdjustment  HistoryKind = "adjustment"
)

// HistoryEntry is an append-only billing-history record. Corrections are new
// entries (refund/adjustment), never edits.
type HistoryEntry struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	InstanceID    snowflake.ID      `gorm:"not null;index"`
	TenantID      snowflake.ID      `gorm:"not null;index"`
	Kind          HistoryKind       `gorm:"type:text;not null"`
	Amount        int64             `gorm:"not null"`
	Currency      string            `gorm:"type:text;not null"`
	PeriodStart   *time.Time        `gorm:""`
	PeriodEnd     *time.Time        `gorm:""`
	PaymentStatus string            `gorm:"type:text;not null"`
	GatewayRef    *string           `gorm:"type:text"`
	TransactionID *snowflake.ID     `gorm:""`
	Reason        *string           `gorm:"type:text"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (HistoryEntry) TableName() string { return "addon_billing_history" }
