// Package domain defines the payment gateway boundary. The billing engine
// never talks to a provider SDK directly; it charges through Gateway and
// reconciles asynchronous provider notifications through PaymentAdapter.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
	ChargePending   ChargeStatus = "pending"
)

// ChargeRequest is one synchronous charge attempt. CorrelationID ties the
// attempt to the transaction row created before the gateway call, so webhook
// reconciliation can find it later.
type ChargeRequest struct {
	TenantID      snowflake.ID
	InstanceID    snowflake.ID
	Amount        int64
	Currency      string
	CorrelationID string
	Description   string
	Metadata      map[string]any
}

type ChargeResult struct {
	Status         ChargeStatus
	GatewayRef     string
	FailureCode    string
	FailureMessage string
}

type RefundRequest struct {
	TenantID      snowflake.ID
	InstanceID    snowflake.ID
	Amount        int64
	Currency      string
	GatewayRef    string
	CorrelationID string
	Reason        string
}

type RefundResult struct {
	Status     ChargeStatus
	GatewayRef string
}

// RecurringRequest asks the provider to own the renewal schedule instead of
// the engine charging per cycle.
type RecurringRequest struct {
	TenantID      snowflake.ID
	InstanceID    snowflake.ID
	Amount        int64
	Currency      string
	Interval      string
	Quantity      int
	TrialDays     int
	CorrelationID string
	Metadata      map[string]any
}

type RecurringResult struct {
	SubscriptionRef string
	Status          ChargeStatus
	PeriodStart     time.Time
	PeriodEnd       time.Time
}

// Gateway is the synchronous charge interface. A failed charge is a normal
// ChargeResult with Status ChargeFailed; error returns are reserved for
// transport-level failures where the outcome is unknown. Providers that do
// not manage subscriptions themselves return ErrRecurringUnsupported from
// CreateRecurring.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	CreateRecurring(ctx context.Context, req RecurringRequest) (RecurringResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

var (
	ErrGatewayFailure       = errors.New("gateway_failure")
	ErrRecurringUnsupported = errors.New("recurring_unsupported")
	ErrUnknownProvider      = errors.New("unknown_payment_provider")
	ErrInvalidSignature     = errors.New("invalid_webhook_signature")
	ErrMalformedPayload     = errors.New("malformed_webhook_payload")
	ErrDuplicateDelivery    = errors.New("duplicate_webhook_delivery")
)
