// Package domain defines the usage metering contract for usage-based add-on
// instances.
package domain

import (
	"context"
)

// ConsumeRequest deducts credits from one usage-based instance.
type ConsumeRequest struct {
	InstanceID string         `json:"instance_id"`
	Amount     int64          `json:"amount"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ConsumeResult reports the balance after a successful deduction.
type ConsumeResult struct {
	Remaining int64 `json:"remaining"`
	TotalUsed int64 `json:"total_used"`
}

type AddCreditsRequest struct {
	InstanceID string `json:"instance_id"`
	Amount     int64  `json:"amount"`
	GrantedBy  string `json:"granted_by"`
	Reason     string `json:"reason,omitempty"`
}

// Service meters credit consumption. Consume is atomic: concurrent requests
// against the same instance never take the balance negative, and the sum of
// accepted deductions never exceeds the credits granted.
type Service interface {
	CanConsume(ctx context.Context, instanceID string, amount int64) (bool, error)
	Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error)
	AddCredits(ctx context.Context, req AddCreditsRequest) (ConsumeResult, error)
}
