package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// PurchaseRequest creates a new instance for a tenant. AssignedBy and
// AssignmentMethod record the acting party for audit.
type PurchaseRequest struct {
	TenantID         string           `json:"tenant_id"`
	AddOnCode        string           `json:"add_on_code"`
	Quantity         int              `json:"quantity"`
	Variant          string           `json:"variant,omitempty"`
	Region           string           `json:"region,omitempty"`
	AutoRenew        bool             `json:"auto_renew"`
	AssignedBy       string           `json:"assigned_by"`
	AssignmentMethod AssignmentMethod `json:"assignment_method"`
	Override         *ConfigOverride  `json:"override,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
}

type StartTrialRequest struct {
	TenantID   string `json:"tenant_id"`
	AddOnCode  string `json:"add_on_code"`
	AutoRenew  bool   `json:"auto_renew"`
	AssignedBy string `json:"assigned_by"`
}

type CancelRequest struct {
	InstanceID   string `json:"instance_id"`
	Reason       string `json:"reason"`
	RefundAmount int64  `json:"refund_amount,omitempty"`
}

// Service owns the add-on instance lifecycle. Every status-changing operation
// runs through the transition table and is followed by an explicit entitlement
// recompute for the owning tenant.
type Service interface {
	Purchase(ctx context.Context, req PurchaseRequest) (*AddOnInstance, error)
	StartTrial(ctx context.Context, req StartTrialRequest) (*AddOnInstance, error)

	Suspend(ctx context.Context, instanceID string, reason string) error
	Reactivate(ctx context.Context, instanceID string) error
	Cancel(ctx context.Context, req CancelRequest) error
	Expire(ctx context.Context, instanceID string) error

	GetByID(ctx context.Context, instanceID string) (AddOnInstance, error)
	ListByTenant(ctx context.Context, tenantID snowflake.ID) ([]AddOnInstance, error)
}

var (
	ErrInvalidTenant       = errors.New("invalid_tenant")
	ErrInvalidInstance     = errors.New("invalid_instance")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidReason       = errors.New("invalid_reason")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrInstanceNotFound    = errors.New("instance_not_found")
	ErrAlreadyAssigned     = errors.New("add_on_already_assigned")
	ErrTrialConsumed       = errors.New("trial_already_consumed")
	ErrTrialNotOffered     = errors.New("trial_not_offered")
	ErrNotUsageBased       = errors.New("not_usage_based")
	ErrInvalidBillingCycle = errors.New("invalid_billing_cycle")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrInvalidAmount       = errors.New("invalid_amount")
)
