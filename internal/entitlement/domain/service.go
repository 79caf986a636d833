package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Service maintains the denormalized entitlement snapshot per tenant.
//
// Recompute is invoked explicitly by whoever mutates the active-instance set
// (purchase, suspension, cancellation, expiry). It is never triggered from a
// persistence hook and never computed lazily on the read path.
type Service interface {
	SetBasePlan(ctx context.Context, tenantID snowflake.ID, base FeatureMap) error
	Recompute(ctx context.Context, tenantID snowflake.ID) (FeatureMap, error)
	GetEffective(ctx context.Context, tenantID snowflake.ID) (FeatureMap, error)
	TouchLastUsed(ctx context.Context, tenantID snowflake.ID) error
}

var (
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrNotFound      = errors.New("entitlement_not_found")
)
