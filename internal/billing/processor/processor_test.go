package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	addonrepository "github.com/smallbiznis/bolton/internal/addon/repository"
	billingdomain "github.com/smallbiznis/bolton/internal/billing/domain"
	billingrepository "github.com/smallbiznis/bolton/internal/billing/repository"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	"github.com/smallbiznis/bolton/internal/clock"
	"github.com/smallbiznis/bolton/internal/config"
	entitlementdomain "github.com/smallbiznis/bolton/internal/entitlement/domain"
	"github.com/smallbiznis/bolton/internal/events"
	"github.com/smallbiznis/bolton/internal/notification"
	paymentdomain "github.com/smallbiznis/bolton/internal/payment/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// scriptedGateway replays a queue of charge outcomes and records every request.
type scriptedGateway struct {
	charges []func() (paymentdomain.ChargeResult, error)
	calls   []paymentdomain.ChargeRequest
	refunds []paymentdomain.RefundRequest
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	g.calls = append(g.calls, req)
	if len(g.charges) == 0 {
		return paymentdomain.ChargeResult{Status: paymentdomain.ChargeSucceeded, GatewayRef: "ch_default"}, nil
	}
	next := g.charges[0]
	g.charges = g.charges[1:]
	return next()
}

func (g *scriptedGateway) CreateRecurring(ctx context.Context, req paymentdomain.RecurringRequest) (paymentdomain.RecurringResult, error) {
	return paymentdomain.RecurringResult{}, paymentdomain.ErrRecurringUnsupported
}

func (g *scriptedGateway) Refund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.RefundResult, error) {
	g.refunds = append(g.refunds, req)
	return paymentdomain.RefundResult{GatewayRef: "re_1"}, nil
}

func (g *scriptedGateway) enqueue(status paymentdomain.ChargeStatus, failureCode string) {
	g.charges = append(g.charges, func() (paymentdomain.ChargeResult, error) {
		return paymentdomain.ChargeResult{Status: status, GatewayRef: "ch_scripted", FailureCode: failureCode}, nil
	})
}

func (g *scriptedGateway) enqueueErr(err error) {
	g.charges = append(g.charges, func() (paymentdomain.ChargeResult, error) {
		return paymentdomain.ChargeResult{}, err
	})
}

type nullEntitlementSvc struct{}

func (nullEntitlementSvc) SetBasePlan(ctx context.Context, tenantID snowflake.ID, base entitlementdomain.FeatureMap) error {
	return nil
}

func (nullEntitlementSvc) Recompute(ctx context.Context, tenantID snowflake.ID) (entitlementdomain.FeatureMap, error) {
	return nil, nil
}

func (nullEntitlementSvc) GetEffective(ctx context.Context, tenantID snowflake.ID) (entitlementdomain.FeatureMap, error) {
	return nil, nil
}

func (nullEntitlementSvc) TouchLastUsed(ctx context.Context, tenantID snowflake.ID) error {
	return nil
}

type procFixture struct {
	db      *gorm.DB
	proc    *Processor
	gateway *scriptedGateway
	clock   *clock.FakeClock
	genID   *snowflake.Node
}

func newProcFixture(t *testing.T) *procFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("strip_for_update", func(d *gorm.DB) {
		delete(d.Statement.Clauses, "FOR")
	}))

	require.NoError(t, db.AutoMigrate(
		&addondomain.AddOnInstance{},
		&addondomain.HistoryEntry{},
		&billingdomain.Transaction{},
		&events.BillingEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	gateway := &scriptedGateway{}

	proc := NewProcessor(ProcessorParam{
		DB:             db,
		Log:            zap.NewNop(),
		GenID:          node,
		Clock:          fake,
		AddOnRepo:      addonrepository.Provide(),
		BillingRepo:    billingrepository.Provide(),
		Gateway:        gateway,
		EntitlementSvc: nullEntitlementSvc{},
		Outbox:         events.NewOutbox(db, node),
		Notifier:       notification.NoOpNotifier{},
		Policy:         config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy()),
	})
	return &procFixture{db: db, proc: proc, gateway: gateway, clock: fake, genID: node}
}

func (f *procFixture) seedInstance(t *testing.T, status addondomain.InstanceStatus) *addondomain.AddOnInstance {
	t.Helper()
	now := f.clock.Now()
	instance := &addondomain.AddOnInstance{
		ID:               f.genID.Generate(),
		TenantID:         f.genID.Generate(),
		AddOnID:          f.genID.Generate(),
		AddOnCode:        "advanced-reports",
		Quantity:         1,
		Status:           status,
		BillingCycle:     catalogdomain.BillingCycleMonthly,
		NextBillingDate:  &now,
		AutoRenew:        true,
		AssignedBy:       "test",
		AssignmentMethod: addondomain.AssignmentSelfService,
		PricingSnapshot: datatypes.NewJSONType(addondomain.PricingSnapshot{
			Currency:      "USD",
			MonthlyAmount: 2900,
		}),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.db.Create(instance).Error)
	return instance
}

func (f *procFixture) reload(t *testing.T, id snowflake.ID) *addondomain.AddOnInstance {
	t.Helper()
	var instance addondomain.AddOnInstance
	require.NoError(t, f.db.Where("id = ?", id).First(&instance).Error)
	return &instance
}

func (f *procFixture) transactions(t *testing.T, instanceID snowflake.ID) []billingdomain.Transaction {
	t.Helper()
	var txns []billingdomain.Transaction
	require.NoError(t, f.db.Where("instance_id = ?", instanceID).Order("id ASC").Find(&txns).Error)
	return txns
}

func TestProcessBilling_SuccessAdvancesCycle(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusActive)
	f.gateway.enqueue(paymentdomain.ChargeSucceeded, "")

	require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))

	// 2900 + 18% tax.
	require.Len(t, f.gateway.calls, 1)
	require.Equal(t, int64(3422), f.gateway.calls[0].Amount)

	txns := f.transactions(t, instance.ID)
	require.Len(t, txns, 1)
	require.Equal(t, billingdomain.TransactionCompleted, txns[0].Status)
	require.NotNil(t, txns[0].CompletedAt)

	reloaded := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusActive, reloaded.Status)
	require.Equal(t, 0, reloaded.FailedAttempts)
	require.Equal(t, f.clock.Now().AddDate(0, 1, 0), reloaded.NextBillingDate.UTC())

	var entries []addondomain.HistoryEntry
	require.NoError(t, f.db.Where("instance_id = ?", instance.ID).Find(&entries).Error)
	require.Len(t, entries, 1)
	require.Equal(t, addondomain.HistoryKindCharge, entries[0].Kind)
	require.Equal(t, int64(3422), entries[0].Amount)
}

func TestProcessBilling_ActivatesPendingPayment(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusPendingPayment)
	f.gateway.enqueue(paymentdomain.ChargeSucceeded, "")

	require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))

	reloaded := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusActive, reloaded.Status)
	require.NotNil(t, reloaded.ActivatedAt)

	var eventType string
	require.NoError(t, f.db.Raw(
		`SELECT event_type FROM billing_events WHERE tenant_id = ? ORDER BY id DESC LIMIT 1`,
		instance.TenantID,
	).Scan(&eventType).Error)
	require.Equal(t, events.EventAddOnActivated, eventType)
}

func TestProcessBilling_FailureSchedulesDoublingBackoff(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusActive)

	f.gateway.enqueue(paymentdomain.ChargeFailed, "card_declined")
	require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))

	reloaded := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusActive, reloaded.Status)
	require.Equal(t, 1, reloaded.FailedAttempts)
	require.NotNil(t, reloaded.NextRetryAt)
	require.Equal(t, f.clock.Now().Add(2*24*time.Hour), reloaded.NextRetryAt.UTC())

	// Second decline two days later doubles the delay.
	f.clock.Advance(2 * 24 * time.Hour)
	f.gateway.enqueue(paymentdomain.ChargeFailed, "card_declined")
	require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))

	reloaded = f.reload(t, instance.ID)
	require.Equal(t, 2, reloaded.FailedAttempts)
	require.Equal(t, f.clock.Now().Add(4*24*time.Hour), reloaded.NextRetryAt.UTC())
}

func TestProcessBilling_SuspendsAtMaxAttempts(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusActive)

	for i := 0; i < 3; i++ {
		f.gateway.enqueue(paymentdomain.ChargeFailed, "card_declined")
		require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))
		f.clock.Advance(24 * time.Hour)
	}

	reloaded := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusSuspended, reloaded.Status)
	require.Equal(t, 3, reloaded.FailedAttempts)
	require.Nil(t, reloaded.NextRetryAt)
	require.NotNil(t, reloaded.SuspendReason)
	require.Equal(t, "max_payment_attempts_exceeded", *reloaded.SuspendReason)

	// Suspended instances are no longer billable.
	require.ErrorIs(t, f.proc.ProcessBilling(context.Background(), instance.ID), billingdomain.ErrNotBillable)
}

func TestProcessBilling_TrialDeclineCancels(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusTrial)
	f.gateway.enqueue(paymentdomain.ChargeFailed, "card_declined")

	require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))

	reloaded := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusCancelled, reloaded.Status)
	require.Equal(t, "trial_conversion_payment_failed", *reloaded.CancelReason)
	require.Nil(t, reloaded.NextRetryAt)
}

func TestProcessBilling_PendingPaymentDeclineCancelsAtMax(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusPendingPayment)
	require.NoError(t, f.db.Model(instance).Update("failed_attempts", 2).Error)

	f.gateway.enqueue(paymentdomain.ChargeFailed, "card_declined")
	require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))

	reloaded := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusCancelled, reloaded.Status)
	require.Equal(t, "payment_failed", *reloaded.CancelReason)
}

func TestProcessBilling_ZeroTotalSkipsGateway(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusPendingPayment)
	require.NoError(t, f.db.Model(instance).Update("config_override", datatypes.NewJSONType(&addondomain.ConfigOverride{
		Discount: &addondomain.Discount{Kind: addondomain.DiscountPercentage, Value: 100},
	})).Error)

	require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))

	require.Empty(t, f.gateway.calls)

	// A free period never produces a transaction row; the cycle still
	// advances and the first period activates the instance.
	require.Empty(t, f.transactions(t, instance.ID))

	reloaded := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusActive, reloaded.Status)
	require.NotNil(t, reloaded.ActivatedAt)
	require.Equal(t, f.clock.Now().AddDate(0, 1, 0), reloaded.NextBillingDate.UTC())
}

func TestProcessBilling_GatewayErrorCountsAsDecline(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusActive)
	gatewayErr := errors.New("connection reset")
	f.gateway.enqueueErr(gatewayErr)

	err := f.proc.ProcessBilling(context.Background(), instance.ID)
	require.ErrorIs(t, err, gatewayErr)

	// An unknown outcome drives the same retry policy as a decline; the
	// failed row keeps the correlation id a late webhook can still settle.
	txns := f.transactions(t, instance.ID)
	require.Len(t, txns, 1)
	require.Equal(t, billingdomain.TransactionFailed, txns[0].Status)
	require.Equal(t, "gateway_error", *txns[0].FailureCode)

	reloaded := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusActive, reloaded.Status)
	require.Equal(t, 1, reloaded.FailedAttempts)
	require.NotNil(t, reloaded.NextRetryAt)
	require.Equal(t, f.clock.Now().Add(2*24*time.Hour), reloaded.NextRetryAt.UTC())
}

func TestProcessBilling_PendingGatewayResultDefersOutcome(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusActive)
	f.gateway.enqueue(paymentdomain.ChargePending, "")

	require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))

	txns := f.transactions(t, instance.ID)
	require.Len(t, txns, 1)
	require.Equal(t, billingdomain.TransactionPending, txns[0].Status)

	// The webhook later resolves the same correlation id.
	require.NoError(t, f.proc.FinalizeSuccess(context.Background(), txns[0].CorrelationID, "ch_webhook"))
	reloaded := f.reload(t, instance.ID)
	require.Equal(t, f.clock.Now().AddDate(0, 1, 0), reloaded.NextBillingDate.UTC())
}

func TestFinalizeSuccess_Idempotent(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusActive)
	f.gateway.enqueue(paymentdomain.ChargeSucceeded, "")

	require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))
	txns := f.transactions(t, instance.ID)
	require.Len(t, txns, 1)

	// Replaying the same correlation id must not double-apply side effects.
	require.NoError(t, f.proc.FinalizeSuccess(context.Background(), txns[0].CorrelationID, "ch_replay"))

	var entries []addondomain.HistoryEntry
	require.NoError(t, f.db.Where("instance_id = ?", instance.ID).Find(&entries).Error)
	require.Len(t, entries, 1)
}

func TestFinalizeSuccess_UnknownCorrelation(t *testing.T) {
	f := newProcFixture(t)
	err := f.proc.FinalizeSuccess(context.Background(), "no-such-correlation", "")
	require.ErrorIs(t, err, billingdomain.ErrTransactionNotFound)
}

func TestRefund(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusActive)
	f.gateway.enqueue(paymentdomain.ChargeSucceeded, "")
	require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))

	txns := f.transactions(t, instance.ID)
	require.Len(t, txns, 1)

	require.NoError(t, f.proc.Refund(context.Background(), txns[0].CorrelationID, 3422, "service outage"))
	require.Len(t, f.gateway.refunds, 1)
	require.Equal(t, int64(3422), f.gateway.refunds[0].Amount)

	refunded := f.transactions(t, instance.ID)
	require.Equal(t, billingdomain.TransactionRefunded, refunded[0].Status)

	var entries []addondomain.HistoryEntry
	require.NoError(t, f.db.Where("instance_id = ? AND kind = ?", instance.ID, addondomain.HistoryKindRefund).Find(&entries).Error)
	require.Len(t, entries, 1)
	require.Equal(t, int64(-3422), entries[0].Amount)
}

func TestRefund_RejectsNonCompleted(t *testing.T) {
	f := newProcFixture(t)
	instance := f.seedInstance(t, addondomain.StatusActive)
	f.gateway.enqueue(paymentdomain.ChargePending, "")
	require.NoError(t, f.proc.ProcessBilling(context.Background(), instance.ID))

	txns := f.transactions(t, instance.ID)
	require.Len(t, txns, 1)

	err := f.proc.Refund(context.Background(), txns[0].CorrelationID, 100, "test")
	require.ErrorIs(t, err, billingdomain.ErrNotBillable)
	require.Empty(t, f.gateway.refunds)
}
