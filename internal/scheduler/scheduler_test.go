package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	addonrepository "github.com/smallbiznis/bolton/internal/addon/repository"
	addonservice "github.com/smallbiznis/bolton/internal/addon/service"
	billingdomain "github.com/smallbiznis/bolton/internal/billing/domain"
	"github.com/smallbiznis/bolton/internal/billing/processor"
	billingrepository "github.com/smallbiznis/bolton/internal/billing/repository"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/bolton/internal/catalog/repository"
	"github.com/smallbiznis/bolton/internal/clock"
	"github.com/smallbiznis/bolton/internal/config"
	entitlementdomain "github.com/smallbiznis/bolton/internal/entitlement/domain"
	"github.com/smallbiznis/bolton/internal/events"
	obsmetrics "github.com/smallbiznis/bolton/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bolton/internal/payment/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeGateway struct {
	mu       sync.Mutex
	declines int
	errs     int
	charges  []paymentdomain.ChargeRequest
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, req)
	if g.errs > 0 {
		g.errs--
		return paymentdomain.ChargeResult{}, errors.New("gateway unreachable")
	}
	if g.declines > 0 {
		g.declines--
		return paymentdomain.ChargeResult{Status: paymentdomain.ChargeFailed, FailureCode: "card_declined"}, nil
	}
	return paymentdomain.ChargeResult{Status: paymentdomain.ChargeSucceeded, GatewayRef: "ch_fake"}, nil
}

func (g *fakeGateway) CreateRecurring(ctx context.Context, req paymentdomain.RecurringRequest) (paymentdomain.RecurringResult, error) {
	return paymentdomain.RecurringResult{}, paymentdomain.ErrRecurringUnsupported
}

func (g *fakeGateway) Refund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.RefundResult, error) {
	return paymentdomain.RefundResult{GatewayRef: "re_fake"}, nil
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *captureNotifier) Notify(ctx context.Context, tenantID snowflake.ID, eventType string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *captureNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, recorded := range n.events {
		if recorded == eventType {
			total++
		}
	}
	return total
}

type noopEntitlementSvc struct{}

func (noopEntitlementSvc) SetBasePlan(ctx context.Context, tenantID snowflake.ID, base entitlementdomain.FeatureMap) error {
	return nil
}

func (noopEntitlementSvc) Recompute(ctx context.Context, tenantID snowflake.ID) (entitlementdomain.FeatureMap, error) {
	return nil, nil
}

func (noopEntitlementSvc) GetEffective(ctx context.Context, tenantID snowflake.ID) (entitlementdomain.FeatureMap, error) {
	return nil, nil
}

func (noopEntitlementSvc) TouchLastUsed(ctx context.Context, tenantID snowflake.ID) error {
	return nil
}

type schedFixture struct {
	db       *gorm.DB
	sched    *Scheduler
	clock    *clock.FakeClock
	gateway  *fakeGateway
	notifier *captureNotifier
	genID    *snowflake.Node
}

func newSchedFixture(t *testing.T, cfg Config) *schedFixture {
	t.Helper()
	obsmetrics.ResetSchedulerMetricsForTest()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	// SQLite understands neither clause-built nor raw row locking.
	stripForUpdate := func(d *gorm.DB) {
		delete(d.Statement.Clauses, "FOR")
		if d.Statement.SQL.Len() > 0 {
			sql := strings.ReplaceAll(d.Statement.SQL.String(), "FOR UPDATE SKIP LOCKED", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(sql)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("strip_for_update", stripForUpdate))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("strip_for_update", stripForUpdate))

	require.NoError(t, db.AutoMigrate(
		&catalogdomain.AddOn{},
		&addondomain.AddOnInstance{},
		&addondomain.HistoryEntry{},
		&billingdomain.Transaction{},
		&events.BillingEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	gateway := &fakeGateway{}
	notifier := &captureNotifier{}
	outbox := events.NewOutbox(db, node)
	policy := config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy())
	addOnRepo := addonrepository.Provide()

	addOnSvc := addonservice.NewService(addonservice.ServiceParam{
		DB:             db,
		Log:            zap.NewNop(),
		GenID:          node,
		Clock:          fake,
		Repo:           addOnRepo,
		CatalogRepo:    catalogrepository.Provide(),
		EntitlementSvc: noopEntitlementSvc{},
		Outbox:         outbox,
		Notifier:       notifier,
		Policy:         policy,
	})
	proc := processor.NewProcessor(processor.ProcessorParam{
		DB:             db,
		Log:            zap.NewNop(),
		GenID:          node,
		Clock:          fake,
		AddOnRepo:      addOnRepo,
		BillingRepo:    billingrepository.Provide(),
		Gateway:        gateway,
		EntitlementSvc: noopEntitlementSvc{},
		Outbox:         outbox,
		Notifier:       notifier,
		Policy:         policy,
	})

	sched, err := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     fake,
		AddOnRepo: addOnRepo,
		AddOnSvc:  addOnSvc,
		Processor: proc,
		Outbox:    outbox,
		Notifier:  notifier,
		Policy:    policy,
		Config:    cfg,
	})
	require.NoError(t, err)

	return &schedFixture{db: db, sched: sched, clock: fake, gateway: gateway, notifier: notifier, genID: node}
}

func (f *schedFixture) seedInstance(t *testing.T, mutate func(*addondomain.AddOnInstance)) *addondomain.AddOnInstance {
	t.Helper()
	now := f.clock.Now()
	instance := &addondomain.AddOnInstance{
		ID:               f.genID.Generate(),
		TenantID:         f.genID.Generate(),
		AddOnID:          f.genID.Generate(),
		AddOnCode:        "advanced-reports",
		Quantity:         1,
		Status:           addondomain.StatusActive,
		BillingCycle:     catalogdomain.BillingCycleMonthly,
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
	if mutate != nil {
		mutate(instance)
	}
	require.NoError(t, f.db.Create(instance).Error)
	return instance
}

func (f *schedFixture) reload(t *testing.T, id snowflake.ID) *addondomain.AddOnInstance {
	t.Helper()
	var instance addondomain.AddOnInstance
	require.NoError(t, f.db.Unscoped().Where("id = ?", id).First(&instance).Error)
	return &instance
}

func TestScheduler_RenewalFiresWhenDue(t *testing.T) {
	f := newSchedFixture(t, Config{})
	due := f.clock.Now().AddDate(0, 1, 0)
	instance := f.seedInstance(t, func(i *addondomain.AddOnInstance) {
		i.NextBillingDate = &due
	})

	// Not due yet.
	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 0, f.gateway.chargeCount())

	f.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 1, f.gateway.chargeCount())

	reloaded := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusActive, reloaded.Status)
	require.True(t, reloaded.NextBillingDate.After(f.clock.Now()))

	// Already advanced; the next tick has nothing to charge.
	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 1, f.gateway.chargeCount())
}

func TestScheduler_TrialCancelsWithoutAutoRenew(t *testing.T) {
	f := newSchedFixture(t, Config{})
	trialEnds := f.clock.Now().AddDate(0, 0, 14)
	instance := f.seedInstance(t, func(i *addondomain.AddOnInstance) {
		i.Status = addondomain.StatusTrial
		i.AutoRenew = false
		i.TrialStartAt = &i.CreatedAt
		i.TrialEndsAt = &trialEnds
		i.TrialConsumed = true
	})

	f.clock.Advance(15 * 24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(context.Background()))

	reloaded := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusCancelled, reloaded.Status)
	require.Equal(t, "trial_expired", *reloaded.CancelReason)
	require.NotNil(t, reloaded.CancelledAt)
	require.Equal(t, 0, f.gateway.chargeCount())
	require.Equal(t, 1, f.notifier.count(events.EventTrialExpired))
}

func TestScheduler_TrialConvertsWithAutoRenew(t *testing.T) {
	f := newSchedFixture(t, Config{})
	trialEnds := f.clock.Now().AddDate(0, 0, 14)
	instance := f.seedInstance(t, func(i *addondomain.AddOnInstance) {
		i.Status = addondomain.StatusTrial
		i.AutoRenew = true
		i.TrialStartAt = &i.CreatedAt
		i.TrialEndsAt = &trialEnds
		i.TrialConsumed = true
	})

	f.clock.Advance(15 * 24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(context.Background()))

	reloaded := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusActive, reloaded.Status)
	require.Equal(t, 1, f.gateway.chargeCount())
	require.Equal(t, 1, f.notifier.count(events.EventTrialConverted))
}

func TestScheduler_RetryBackoffOverSimulatedTime(t *testing.T) {
	f := newSchedFixture(t, Config{})
	due := f.clock.Now()
	instance := f.seedInstance(t, func(i *addondomain.AddOnInstance) {
		i.NextBillingDate = &due
	})
	f.gateway.declines = 3

	// First attempt declines; retry lands two days out.
	require.NoError(t, f.sched.RunOnce(context.Background()))
	reloaded := f.reload(t, instance.ID)
	require.Equal(t, 1, reloaded.FailedAttempts)
	require.Equal(t, f.clock.Now().Add(2*24*time.Hour), reloaded.NextRetryAt.UTC())

	// One day later: renewal claim excludes retrying rows, retry not yet due.
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 1, f.gateway.chargeCount())

	// Retry due: second decline doubles the delay.
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(context.Background()))
	reloaded = f.reload(t, instance.ID)
	require.Equal(t, 2, reloaded.FailedAttempts)
	require.Equal(t, f.clock.Now().Add(4*24*time.Hour), reloaded.NextRetryAt.UTC())

	// Third decline hits the cap and suspends.
	f.clock.Advance(4 * 24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(context.Background()))
	reloaded = f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusSuspended, reloaded.Status)
	require.Equal(t, 3, reloaded.FailedAttempts)
	require.Nil(t, reloaded.NextRetryAt)
	require.Equal(t, 3, f.gateway.chargeCount())

	// Suspended instances leave the claim sets entirely.
	f.clock.Advance(30 * 24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 3, f.gateway.chargeCount())
}

func TestScheduler_GatewayErrorBacksOffAcrossSweeps(t *testing.T) {
	f := newSchedFixture(t, Config{})
	due := f.clock.Now()
	instance := f.seedInstance(t, func(i *addondomain.AddOnInstance) {
		i.NextBillingDate = &due
	})
	f.gateway.errs = 1

	// The errored attempt counts as a failure and enters the retry cycle.
	require.Error(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 1, f.gateway.chargeCount())
	reloaded := f.reload(t, instance.ID)
	require.Equal(t, 1, reloaded.FailedAttempts)
	require.NotNil(t, reloaded.NextRetryAt)

	// Inside the backoff window the sweep must not charge again, even though
	// next_billing_date is still due.
	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 1, f.gateway.chargeCount())

	f.clock.Advance(2 * 24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 2, f.gateway.chargeCount())

	recovered := f.reload(t, instance.ID)
	require.Equal(t, addondomain.StatusActive, recovered.Status)
	require.Equal(t, 0, recovered.FailedAttempts)

	// One failed and one completed row, each with its own correlation id.
	var txns []billingdomain.Transaction
	require.NoError(t, f.db.Where("instance_id = ?", instance.ID).Order("id ASC").Find(&txns).Error)
	require.Len(t, txns, 2)
	require.Equal(t, billingdomain.TransactionFailed, txns[0].Status)
	require.Equal(t, billingdomain.TransactionCompleted, txns[1].Status)
}

func TestScheduler_LowBalanceSweepFlagsOnce(t *testing.T) {
	f := newSchedFixture(t, Config{})
	instance := f.seedInstance(t, func(i *addondomain.AddOnInstance) {
		i.BillingCycle = catalogdomain.BillingCycleUsageBased
		i.NextBillingDate = nil
		i.RemainingCredits = 5
		i.AlertThreshold = 10
	})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	reloaded := f.reload(t, instance.ID)
	require.True(t, reloaded.LowBalanceAlerted)
	require.Equal(t, 1, f.notifier.count(events.EventLowBalance))

	// Latched; the next sweep claims nothing.
	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 1, f.notifier.count(events.EventLowBalance))
}

func TestScheduler_ArchiveExpiresLapsedAndPurgesOld(t *testing.T) {
	f := newSchedFixture(t, Config{})
	now := f.clock.Now()

	lapsedAt := now.Add(-time.Hour)
	lapsed := f.seedInstance(t, func(i *addondomain.AddOnInstance) {
		i.NextBillingDate = nil
		i.ExpiresAt = &lapsedAt
	})

	old := now.AddDate(0, 0, -120)
	archived := f.seedInstance(t, func(i *addondomain.AddOnInstance) {
		i.Status = addondomain.StatusCancelled
		i.NextBillingDate = nil
		i.CancelledAt = &old
		i.UpdatedAt = old
	})

	require.NoError(t, f.sched.RunOnce(context.Background()))

	require.Equal(t, addondomain.StatusExpired, f.reload(t, lapsed.ID).Status)

	purged := f.reload(t, archived.ID)
	require.True(t, purged.DeletedAt.Valid)

	var eventType string
	require.NoError(t, f.db.Raw(
		`SELECT event_type FROM billing_events WHERE tenant_id = ? ORDER BY id DESC LIMIT 1`,
		archived.TenantID,
	).Scan(&eventType).Error)
	require.Equal(t, events.EventArchived, eventType)
}

func TestScheduler_RecentTerminalRowsAreKept(t *testing.T) {
	f := newSchedFixture(t, Config{})
	now := f.clock.Now()
	recent := f.seedInstance(t, func(i *addondomain.AddOnInstance) {
		i.Status = addondomain.StatusCancelled
		i.NextBillingDate = nil
		i.CancelledAt = &now
	})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.False(t, f.reload(t, recent.ID).DeletedAt.Valid)
}

func TestScheduler_EnabledJobsFilter(t *testing.T) {
	f := newSchedFixture(t, Config{EnabledJobs: []string{JobArchive}})
	due := f.clock.Now().Add(-time.Hour)
	f.seedInstance(t, func(i *addondomain.AddOnInstance) {
		i.NextBillingDate = &due
	})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 0, f.gateway.chargeCount())
}

func TestScheduler_SingleFlightSkipsOverlappingTick(t *testing.T) {
	f := newSchedFixture(t, Config{})

	// Simulate a previous run still in flight.
	f.sched.inflight[JobProcessRenewals].Store(true)
	defer f.sched.inflight[JobProcessRenewals].Store(false)

	called := false
	err := f.sched.runJob(context.Background(), JobProcessRenewals, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, called)
}

func TestScheduler_BatchDrainsAcrossClaims(t *testing.T) {
	f := newSchedFixture(t, Config{MaxRenewalBatch: 2})
	due := f.clock.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		f.seedInstance(t, func(inst *addondomain.AddOnInstance) {
			inst.NextBillingDate = &due
		})
	}

	require.NoError(t, f.sched.RunOnce(context.Background()))
	require.Equal(t, 5, f.gateway.chargeCount())
}

func TestNew_RejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
