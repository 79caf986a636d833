// Package processor executes charge attempts for add-on instances and applies
// the outcome to the instance lifecycle.
package processor

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	billingdomain "github.com/smallbiznis/bolton/internal/billing/domain"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	"github.com/smallbiznis/bolton/internal/clock"
	"github.com/smallbiznis/bolton/internal/config"
	entitlementdomain "github.com/smallbiznis/bolton/internal/entitlement/domain"
	"github.com/smallbiznis/bolton/internal/events"
	"github.com/smallbiznis/bolton/internal/notification"
	paymentdomain "github.com/smallbiznis/bolton/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ProcessorParam struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	AddOnRepo      addondomain.Repository
	BillingRepo    billingdomain.Repository
	Gateway        paymentdomain.Gateway
	EntitlementSvc entitlementdomain.Service
	Outbox         *events.Outbox
	Notifier       notification.Notifier
	Policy         *config.BillingPolicyHolder
}

type Processor struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	addOnRepo      addondomain.Repository
	billingRepo    billingdomain.Repository
	gateway        paymentdomain.Gateway
	entitlementSvc entitlementdomain.Service
	outbox         *events.Outbox
	notifier       notification.Notifier
	policy         *config.BillingPolicyHolder
}

func NewProcessor(p ProcessorParam) *Processor {
	return &Processor{
		db:             p.DB,
		log:            p.Log.Named("billing.processor"),
		genID:          p.GenID,
		clock:          p.Clock,
		addOnRepo:      p.AddOnRepo,
		billingRepo:    p.BillingRepo,
		gateway:        p.Gateway,
		entitlementSvc: p.EntitlementSvc,
		outbox:         p.Outbox,
		notifier:       p.Notifier,
		policy:         p.Policy,
	}
}

// ProcessBilling runs one charge attempt. The pending transaction row is
// committed before the gateway call so an interrupted attempt leaves an
// auditable trail instead of a silent gap; the webhook reconciler or the
// retry duty resolves it later.
func (p *Processor) ProcessBilling(ctx context.Context, instanceID snowflake.ID) error {
	var (
		txn        *billingdomain.Transaction
		chargeMeta map[string]any
		tenantID   snowflake.ID
		addOnCode  string
		freePeriod bool
		freeEvent  string
		recomputed bool
	)

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instance, err := p.addOnRepo.FindByIDForUpdate(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if instance == nil {
			return addondomain.ErrInstanceNotFound
		}
		if instance.Status.Terminal() || instance.Status == addondomain.StatusSuspended {
			return billingdomain.ErrNotBillable
		}

		now := p.clock.Now()
		subtotal := p.chargeAmount(instance, now)
		policy := p.policy.Get()
		tax := int64(math.Round(float64(subtotal) * policy.TaxRate))

		currency := instance.EffectivePricing().Currency
		if currency == "" {
			currency = policy.DefaultCurrency
		}

		periodStart := now
		periodEnd := advanceCycle(now, instance.BillingCycle)

		// Nothing to collect: a fully discounted or free period is skipped
		// without a transaction row. The cycle still advances and a first
		// period still activates the instance.
		if subtotal+tax <= 0 {
			freePeriod = true
			switch instance.Status {
			case addondomain.StatusPendingPayment:
				if err := instance.Transition(addondomain.StatusActive); err != nil {
					return err
				}
				instance.ActivatedAt = &now
				freeEvent = events.EventAddOnActivated
				recomputed = true
			case addondomain.StatusTrial:
				if err := instance.Transition(addondomain.StatusActive); err != nil {
					return err
				}
				instance.ActivatedAt = &now
				freeEvent = events.EventTrialConverted
				recomputed = true
			}
			if instance.BillingCycle.Recurring() {
				instance.NextBillingDate = &periodEnd
			} else {
				instance.NextBillingDate = nil
			}
			instance.FailedAttempts = 0
			instance.LastFailedAt = nil
			instance.NextRetryAt = nil
			instance.UpdatedAt = now
			if err := p.addOnRepo.Update(ctx, tx, instance); err != nil {
				return err
			}
			tenantID = instance.TenantID
			addOnCode = instance.AddOnCode
			if freeEvent == "" {
				return nil
			}
			return p.outbox.PublishTx(ctx, tx, events.Event{
				TenantID: instance.TenantID,
				Type:     freeEvent,
				Payload: map[string]any{
					"instance_id": instance.ID.String(),
					"add_on":      instance.AddOnCode,
					"amount":      int64(0),
				},
				DedupeKey: "free_period:" + instance.ID.String() + ":" + now.Format(time.RFC3339),
			})
		}

		txn = &billingdomain.Transaction{
			ID:            p.genID.Generate(),
			TenantID:      instance.TenantID,
			InstanceID:    instance.ID,
			AddOnCode:     instance.AddOnCode,
			CorrelationID: uuid.NewString(),
			Status:        billingdomain.TransactionPending,
			Subtotal:      subtotal,
			TaxAmount:     tax,
			Total:         subtotal + tax,
			Currency:      currency,
			PeriodStart:   &periodStart,
			PeriodEnd:     &periodEnd,
			AttemptedAt:   now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		chargeMeta = map[string]any(instance.Metadata)
		return p.billingRepo.Insert(ctx, tx, txn)
	})
	if err != nil {
		return err
	}
	if freePeriod {
		if recomputed {
			if _, err := p.entitlementSvc.Recompute(ctx, tenantID); err != nil {
				return err
			}
		}
		if freeEvent != "" {
			p.notifier.Notify(ctx, tenantID, freeEvent, map[string]any{"add_on": addOnCode})
		}
		return nil
	}

	result, err := p.gateway.Charge(ctx, paymentdomain.ChargeRequest{
		TenantID:      txn.TenantID,
		InstanceID:    txn.InstanceID,
		Amount:        txn.Total,
		Currency:      txn.Currency,
		CorrelationID: txn.CorrelationID,
		Description:   "add-on " + txn.AddOnCode,
		Metadata:      chargeMeta,
	})
	if err != nil {
		// A timeout or transport failure counts as a decline so the backoff
		// and suspension policy engages. If the charge actually landed, the
		// provider webhook for the same correlation id settles the attempt.
		p.log.Error("gateway charge errored",
			zap.String("correlation_id", txn.CorrelationID),
			zap.Error(err),
		)
		if finErr := p.FinalizeFailure(ctx, txn.CorrelationID, "gateway_error"); finErr != nil {
			return errors.Join(err, finErr)
		}
		return err
	}

	switch result.Status {
	case paymentdomain.ChargeSucceeded:
		return p.FinalizeSuccess(ctx, txn.CorrelationID, result.GatewayRef)
	case paymentdomain.ChargeFailed:
		return p.FinalizeFailure(ctx, txn.CorrelationID, result.FailureCode)
	default:
		p.log.Info("charge pending gateway confirmation",
			zap.String("correlation_id", txn.CorrelationID),
			zap.String("gateway_ref", result.GatewayRef),
		)
		return nil
	}
}

// FinalizeSuccess completes the transaction and applies the success side
// effects: history entry, next billing date, failure-counter reset, and the
// pending_payment/trial promotion to active. Reapplying the same correlation
// id is a no-op.
func (p *Processor) FinalizeSuccess(ctx context.Context, correlationID, gatewayRef string) error {
	var (
		tenantID   snowflake.ID
		addOnCode  string
		eventType  string
		recomputed bool
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := p.billingRepo.FindByCorrelationIDForUpdate(ctx, tx, correlationID)
		if err != nil {
			return err
		}
		if txn == nil {
			return billingdomain.ErrTransactionNotFound
		}
		if txn.Status == billingdomain.TransactionCompleted {
			return nil
		}

		instance, err := p.addOnRepo.FindByIDForUpdate(ctx, tx, txn.InstanceID)
		if err != nil {
			return err
		}
		if instance == nil {
			return addondomain.ErrInstanceNotFound
		}

		now := p.clock.Now()
		txn.Status = billingdomain.TransactionCompleted
		txn.CompletedAt = &now
		txn.UpdatedAt = now
		if gatewayRef != "" {
			txn.GatewayRef = &gatewayRef
		}
		if err := p.billingRepo.Update(ctx, tx, txn); err != nil {
			return err
		}

		entry := &addondomain.HistoryEntry{
			ID:            p.genID.Generate(),
			InstanceID:    instance.ID,
			TenantID:      instance.TenantID,
			Kind:          addondomain.HistoryKindCharge,
			Amount:        txn.Total,
			Currency:      txn.Currency,
			PeriodStart:   txn.PeriodStart,
			PeriodEnd:     txn.PeriodEnd,
			PaymentStatus: string(billingdomain.TransactionCompleted),
			TransactionID: &txn.ID,
			CreatedAt:     now,
		}
		if gatewayRef != "" {
			entry.GatewayRef = &gatewayRef
		}
		if err := p.addOnRepo.AppendHistory(ctx, tx, entry); err != nil {
			return err
		}

		switch instance.Status {
		case addondomain.StatusPendingPayment:
			if err := instance.Transition(addondomain.StatusActive); err != nil {
				return err
			}
			instance.ActivatedAt = &now
			eventType = events.EventAddOnActivated
			recomputed = true
		case addondomain.StatusTrial:
			if err := instance.Transition(addondomain.StatusActive); err != nil {
				return err
			}
			instance.ActivatedAt = &now
			eventType = events.EventTrialConverted
			recomputed = true
		default:
			eventType = events.EventRenewalSucceeded
		}

		if instance.BillingCycle.Recurring() {
			instance.NextBillingDate = txn.PeriodEnd
		} else {
			instance.NextBillingDate = nil
		}
		instance.FailedAttempts = 0
		instance.LastFailedAt = nil
		instance.NextRetryAt = nil
		instance.UpdatedAt = now
		if err := p.addOnRepo.Update(ctx, tx, instance); err != nil {
			return err
		}

		tenantID = instance.TenantID
		addOnCode = instance.AddOnCode
		return p.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: instance.TenantID,
			Type:     eventType,
			Payload: map[string]any{
				"instance_id":    instance.ID.String(),
				"add_on":         instance.AddOnCode,
				"amount":         txn.Total,
				"currency":       txn.Currency,
				"correlation_id": txn.CorrelationID,
			},
			DedupeKey: "billing_success:" + txn.CorrelationID,
		})
	})
	if err != nil || eventType == "" {
		return err
	}

	if recomputed {
		if _, err := p.entitlementSvc.Recompute(ctx, tenantID); err != nil {
			return err
		}
	}
	p.notifier.Notify(ctx, tenantID, eventType, map[string]any{"add_on": addOnCode})
	return nil
}

// FinalizeFailure records a declined charge: increments the failure counter,
// schedules the doubling-backoff retry, suspends after the configured maximum,
// and cancels outright when a trial conversion is declined.
func (p *Processor) FinalizeFailure(ctx context.Context, correlationID, failureCode string) error {
	var (
		tenantID   snowflake.ID
		addOnCode  string
		eventType  string
		recomputed bool
		attempts   int
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := p.billingRepo.FindByCorrelationIDForUpdate(ctx, tx, correlationID)
		if err != nil {
			return err
		}
		if txn == nil {
			return billingdomain.ErrTransactionNotFound
		}
		if txn.Status != billingdomain.TransactionPending {
			return nil
		}

		instance, err := p.addOnRepo.FindByIDForUpdate(ctx, tx, txn.InstanceID)
		if err != nil {
			return err
		}
		if instance == nil {
			return addondomain.ErrInstanceNotFound
		}

		now := p.clock.Now()
		txn.Status = billingdomain.TransactionFailed
		txn.UpdatedAt = now
		if failureCode != "" {
			txn.FailureCode = &failureCode
		}
		if err := p.billingRepo.Update(ctx, tx, txn); err != nil {
			return err
		}

		instance.FailedAttempts++
		instance.LastFailedAt = &now
		attempts = instance.FailedAttempts
		eventType = events.EventPaymentFailed

		policy := p.policy.Get()
		switch {
		case instance.Status == addondomain.StatusTrial:
			// A declined trial conversion ends the relationship; there is no
			// paid period to protect with retries.
			if err := instance.Transition(addondomain.StatusCancelled); err != nil {
				return err
			}
			reason := "trial_conversion_payment_failed"
			instance.CancelledAt = &now
			instance.CancelReason = &reason
			instance.NextRetryAt = nil
			eventType = events.EventCancelled
			recomputed = true
		case instance.FailedAttempts >= policy.MaxFailedAttempts:
			target := addondomain.StatusSuspended
			if instance.Status == addondomain.StatusPendingPayment {
				target = addondomain.StatusCancelled
				reason := "payment_failed"
				instance.CancelledAt = &now
				instance.CancelReason = &reason
				eventType = events.EventCancelled
			} else {
				reason := "max_payment_attempts_exceeded"
				instance.SuspendedAt = &now
				instance.SuspendReason = &reason
				eventType = events.EventSuspended
			}
			if err := instance.Transition(target); err != nil {
				return err
			}
			instance.NextRetryAt = nil
			recomputed = true
		default:
			retryAt := now.Add(NextRetryDelay(instance.FailedAttempts))
			instance.NextRetryAt = &retryAt
		}

		instance.UpdatedAt = now
		if err := p.addOnRepo.Update(ctx, tx, instance); err != nil {
			return err
		}

		tenantID = instance.TenantID
		addOnCode = instance.AddOnCode
		return p.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: instance.TenantID,
			Type:     eventType,
			Payload: map[string]any{
				"instance_id":    instance.ID.String(),
				"add_on":         instance.AddOnCode,
				"attempts":       attempts,
				"failure_code":   failureCode,
				"correlation_id": txn.CorrelationID,
			},
			DedupeKey: "billing_failure:" + txn.CorrelationID,
		})
	})
	if err != nil || eventType == "" {
		return err
	}

	if recomputed {
		if _, err := p.entitlementSvc.Recompute(ctx, tenantID); err != nil {
			return err
		}
	}
	p.notifier.Notify(ctx, tenantID, eventType, map[string]any{
		"add_on":   addOnCode,
		"attempts": attempts,
	})
	return nil
}

// Refund issues a gateway refund for a completed transaction and records it as
// a new history entry. The original charge row is never edited beyond its
// status flip.
func (p *Processor) Refund(ctx context.Context, correlationID string, amount int64, reason string) error {
	if amount <= 0 {
		return addondomain.ErrInvalidAmount
	}

	var txn billingdomain.Transaction
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := p.billingRepo.FindByCorrelationIDForUpdate(ctx, tx, correlationID)
		if err != nil {
			return err
		}
		if found == nil {
			return billingdomain.ErrTransactionNotFound
		}
		if found.Status != billingdomain.TransactionCompleted {
			return billingdomain.ErrNotBillable
		}
		txn = *found
		return nil
	})
	if err != nil {
		return err
	}

	gatewayRef := ""
	if txn.GatewayRef != nil {
		gatewayRef = *txn.GatewayRef
	}
	result, err := p.gateway.Refund(ctx, paymentdomain.RefundRequest{
		TenantID:      txn.TenantID,
		InstanceID:    txn.InstanceID,
		Amount:        amount,
		Currency:      txn.Currency,
		GatewayRef:    gatewayRef,
		CorrelationID: txn.CorrelationID,
		Reason:        reason,
	})
	if err != nil {
		return err
	}

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := p.clock.Now()
		txn.Status = billingdomain.TransactionRefunded
		txn.UpdatedAt = now
		if err := p.billingRepo.Update(ctx, tx, &txn); err != nil {
			return err
		}

		entry := &addondomain.HistoryEntry{
			ID:            p.genID.Generate(),
			InstanceID:    txn.InstanceID,
			TenantID:      txn.TenantID,
			Kind:          addondomain.HistoryKindRefund,
			Amount:        -amount,
			Currency:      txn.Currency,
			PaymentStatus: string(billingdomain.TransactionRefunded),
			TransactionID: &txn.ID,
			CreatedAt:     now,
		}
		if result.GatewayRef != "" {
			entry.GatewayRef = &result.GatewayRef
		}
		if reason != "" {
			entry.Reason = &reason
		}
		if err := p.addOnRepo.AppendHistory(ctx, tx, entry); err != nil {
			return err
		}
		return p.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: txn.TenantID,
			Type:     events.EventRefundIssued,
			Payload: map[string]any{
				"instance_id":    txn.InstanceID.String(),
				"amount":         amount,
				"currency":       txn.Currency,
				"correlation_id": txn.CorrelationID,
			},
			DedupeKey: "refund:" + txn.CorrelationID,
		})
	})
}

// chargeAmount resolves the per-period charge: effective pricing for the
// cycle, scaled by quantity, with any active discount applied.
func (p *Processor) chargeAmount(instance *addondomain.AddOnInstance, at time.Time) int64 {
	amount := instance.EffectivePricing().AmountFor(instance.BillingCycle) * int64(instance.Quantity)
	if override := instance.Override.Data(); override != nil && override.Discount != nil {
		amount = override.Discount.Apply(amount, at)
	}
	if amount < 0 {
		return 0
	}
	return amount
}

func advanceCycle(from time.Time, cycle catalogdomain.BillingCycle) time.Time {
	switch cycle {
	case catalogdomain.BillingCycleMonthly:
		return from.AddDate(0, 1, 0)
	case catalogdomain.BillingCycleYearly:
		return from.AddDate(1, 0, 0)
	default:
		return from
	}
}
