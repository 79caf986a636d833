package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	"github.com/smallbiznis/bolton/internal/clock"
	"github.com/smallbiznis/bolton/internal/config"
	entitlementdomain "github.com/smallbiznis/bolton/internal/entitlement/domain"
	"github.com/smallbiznis/bolton/internal/events"
	"github.com/smallbiznis/bolton/internal/notification"
	"github.com/smallbiznis/bolton/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Repo           addondomain.Repository
	CatalogRepo    catalogdomain.Repository
	EntitlementSvc entitlementdomain.Service
	Outbox         *events.Outbox
	Notifier       notification.Notifier
	Policy         *config.BillingPolicyHolder
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	repo           addondomain.Repository
	catalogRepo    catalogdomain.Repository
	entitlementSvc entitlementdomain.Service
	outbox         *events.Outbox
	notifier       notification.Notifier
	policy         *config.BillingPolicyHolder
}

func NewService(p ServiceParam) addondomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("addon.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		repo:           p.Repo,
		catalogRepo:    p.CatalogRepo,
		entitlementSvc: p.EntitlementSvc,
		outbox:         p.Outbox,
		notifier:       p.Notifier,
		policy:         p.Policy,
	}
}

func (s *Service) Purchase(ctx context.Context, req addondomain.PurchaseRequest) (*addondomain.AddOnInstance, error) {
	tenantID, err := parseID(req.TenantID, addondomain.ErrInvalidTenant)
	if err != nil {
		return nil, err
	}
	if req.Quantity < 0 {
		return nil, addondomain.ErrInvalidQuantity
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}

	addOn, err := s.lookupAddOn(ctx, req.AddOnCode)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	instance := &addondomain.AddOnInstance{
		ID:               s.genID.Generate(),
		TenantID:         tenantID,
		AddOnID:          addOn.ID,
		AddOnCode:        addOn.Code,
		Quantity:         quantity,
		BillingCycle:     addOn.DefaultCycle,
		AssignedBy:       strings.TrimSpace(req.AssignedBy),
		AssignmentMethod: req.AssignmentMethod,
		AutoRenew:        req.AutoRenew,
		Metadata:         datatypes.JSONMap(req.Metadata),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	variant := addOn.VariantFor(req.Variant, req.Region)
	if variant == nil {
		return nil, addondomain.ErrInvalidBillingCycle
	}
	instance.PricingSnapshot = datatypes.NewJSONType(addondomain.PricingSnapshot{
		Variant:       variant.Variant,
		Region:        variant.Region,
		Currency:      variant.Currency,
		MonthlyAmount: variant.MonthlyAmount,
		YearlyAmount:  variant.YearlyAmount,
		OneTimeAmount: variant.OneTimeAmount,
	})
	if req.Override != nil {
		instance.Override = datatypes.NewJSONType(req.Override)
	}

	// Self-service purchases wait for the first successful charge; assignments
	// by staff or promotions grant capability immediately.
	switch req.AssignmentMethod {
	case addondomain.AssignmentSelfService:
		instance.Status = addondomain.StatusPendingPayment
		instance.NextBillingDate = &now
	case addondomain.AssignmentAdmin, addondomain.AssignmentSales, addondomain.AssignmentPromotion:
		instance.Status = addondomain.StatusActive
		instance.ActivatedAt = &now
		if addOn.DefaultCycle.Recurring() {
			next := advanceCycle(now, addOn.DefaultCycle)
			instance.NextBillingDate = &next
		}
	default:
		return nil, addondomain.ErrInvalidInstance
	}

	s.applyUsageUnit(instance, addOn)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByTenantAndAddOn(ctx, tx, tenantID, addOn.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return addondomain.ErrAlreadyAssigned
		}
		if err := s.repo.Insert(ctx, tx, instance); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return addondomain.ErrAlreadyAssigned
			}
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  tenantID,
			Type:      events.EventAddOnPurchased,
			Payload:   map[string]any{"instance_id": instance.ID.String(), "add_on": addOn.Code, "method": string(req.AssignmentMethod)},
			DedupeKey: "purchase:" + instance.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	if instance.Status.Entitled() {
		if _, err := s.entitlementSvc.Recompute(ctx, tenantID); err != nil {
			return nil, err
		}
	}
	s.notifier.Notify(ctx, tenantID, events.EventAddOnPurchased, map[string]any{
		"add_on": addOn.Code,
		"status": string(instance.Status),
	})
	return instance, nil
}

func (s *Service) StartTrial(ctx context.Context, req addondomain.StartTrialRequest) (*addondomain.AddOnInstance, error) {
	tenantID, err := parseID(req.TenantID, addondomain.ErrInvalidTenant)
	if err != nil {
		return nil, err
	}
	addOn, err := s.lookupAddOn(ctx, req.AddOnCode)
	if err != nil {
		return nil, err
	}
	trialDays := addOn.TrialDays
	if trialDays <= 0 {
		return nil, addondomain.ErrTrialNotOffered
	}

	now := s.clock.Now()
	trialEnds := now.AddDate(0, 0, trialDays)
	variant := addOn.VariantFor("", "")

	instance := &addondomain.AddOnInstance{
		ID:               s.genID.Generate(),
		TenantID:         tenantID,
		AddOnID:          addOn.ID,
		AddOnCode:        addOn.Code,
		Quantity:         1,
		Status:           addondomain.StatusTrial,
		BillingCycle:     addOn.DefaultCycle,
		TrialStartAt:     &now,
		TrialEndsAt:      &trialEnds,
		TrialConsumed:    true,
		TrialDays:        trialDays,
		AutoRenew:        req.AutoRenew,
		AssignedBy:       strings.TrimSpace(req.AssignedBy),
		AssignmentMethod: addondomain.AssignmentTrial,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if variant != nil {
		instance.PricingSnapshot = datatypes.NewJSONType(addondomain.PricingSnapshot{
			Variant:       variant.Variant,
			Region:        variant.Region,
			Currency:      variant.Currency,
			MonthlyAmount: variant.MonthlyAmount,
			YearlyAmount:  variant.YearlyAmount,
			OneTimeAmount: variant.OneTimeAmount,
		})
	}
	s.applyUsageUnit(instance, addOn)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByTenantAndAddOn(ctx, tx, tenantID, addOn.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.TrialConsumed {
				return addondomain.ErrTrialConsumed
			}
			return addondomain.ErrAlreadyAssigned
		}
		if err := s.repo.Insert(ctx, tx, instance); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return addondomain.ErrAlreadyAssigned
			}
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID:  tenantID,
			Type:      events.EventTrialStarted,
			Payload:   map[string]any{"instance_id": instance.ID.String(), "add_on": addOn.Code, "trial_ends_at": trialEnds.Format(time.RFC3339)},
			DedupeKey: "trial:" + instance.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.entitlementSvc.Recompute(ctx, tenantID); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, tenantID, events.EventTrialStarted, map[string]any{
		"add_on":        addOn.Code,
		"trial_ends_at": trialEnds.Format(time.RFC3339),
	})
	return instance, nil
}

func (s *Service) Suspend(ctx context.Context, instanceID string, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return addondomain.ErrInvalidReason
	}
	return s.transition(ctx, instanceID, addondomain.StatusSuspended, events.EventSuspended, func(instance *addondomain.AddOnInstance, now time.Time) {
		instance.SuspendedAt = &now
		instance.SuspendReason = &reason
	})
}

// Reactivate is a manual recovery from suspension only. The trial and
// pending_payment edges to active belong to the billing processor, so a
// reactivate against either is an invalid transition even though the edge
// exists in the table.
func (s *Service) Reactivate(ctx context.Context, instanceID string) error {
	return s.guardedTransition(ctx, instanceID, addondomain.StatusActive, events.EventReactivated, func(instance *addondomain.AddOnInstance) error {
		if instance.Status != addondomain.StatusSuspended {
			return addondomain.ErrInvalidTransition
		}
		return nil
	}, func(instance *addondomain.AddOnInstance, now time.Time) {
		instance.SuspendedAt = nil
		instance.SuspendReason = nil
		instance.FailedAttempts = 0
		instance.LastFailedAt = nil
		instance.NextRetryAt = nil
		if instance.BillingCycle.Recurring() && (instance.NextBillingDate == nil || instance.NextBillingDate.Before(now)) {
			instance.NextBillingDate = &now
		}
	})
}

// Cancel is always explicit: it requires a reason and is never triggered by
// metering exhaustion alone.
func (s *Service) Cancel(ctx context.Context, req addondomain.CancelRequest) error {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return addondomain.ErrInvalidReason
	}
	return s.transition(ctx, req.InstanceID, addondomain.StatusCancelled, events.EventCancelled, func(instance *addondomain.AddOnInstance, now time.Time) {
		instance.CancelledAt = &now
		instance.CancelReason = &reason
		instance.RefundAmount = req.RefundAmount
	})
}

func (s *Service) Expire(ctx context.Context, instanceID string) error {
	return s.transition(ctx, instanceID, addondomain.StatusExpired, events.EventExpired, func(instance *addondomain.AddOnInstance, now time.Time) {
		if instance.ExpiresAt == nil {
			instance.ExpiresAt = &now
		}
	})
}

func (s *Service) GetByID(ctx context.Context, instanceID string) (addondomain.AddOnInstance, error) {
	id, err := parseID(instanceID, addondomain.ErrInvalidInstance)
	if err != nil {
		return addondomain.AddOnInstance{}, err
	}
	instance, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return addondomain.AddOnInstance{}, err
	}
	if instance == nil {
		return addondomain.AddOnInstance{}, addondomain.ErrInstanceNotFound
	}
	return *instance, nil
}

func (s *Service) ListByTenant(ctx context.Context, tenantID snowflake.ID) ([]addondomain.AddOnInstance, error) {
	if tenantID == 0 {
		return nil, addondomain.ErrInvalidTenant
	}
	return s.repo.ListByTenant(ctx, s.db, tenantID)
}

// transition applies one guarded status change, appends the outbox event in
// the same transaction, then recomputes entitlements and notifies. A guard
// violation returns ErrInvalidTransition with no mutation.
func (s *Service) transition(ctx context.Context, instanceID string, target addondomain.InstanceStatus, eventType string, mutate func(*addondomain.AddOnInstance, time.Time)) error {
	return s.guardedTransition(ctx, instanceID, target, eventType, nil, mutate)
}

// guardedTransition additionally checks an operation-specific precondition
// beyond the edge table, against the loaded row inside the transaction.
func (s *Service) guardedTransition(ctx context.Context, instanceID string, target addondomain.InstanceStatus, eventType string, guard func(*addondomain.AddOnInstance) error, mutate func(*addondomain.AddOnInstance, time.Time)) error {
	id, err := parseID(instanceID, addondomain.ErrInvalidInstance)
	if err != nil {
		return err
	}

	var tenantID snowflake.ID
	var addOnCode string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instance, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if instance == nil {
			return addondomain.ErrInstanceNotFound
		}
		if guard != nil {
			if err := guard(instance); err != nil {
				return err
			}
		}
		from := instance.Status
		if err := instance.Transition(target); err != nil {
			return err
		}
		now := s.clock.Now()
		if mutate != nil {
			mutate(instance, now)
		}
		instance.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, instance); err != nil {
			return err
		}
		tenantID = instance.TenantID
		addOnCode = instance.AddOnCode
		return s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: instance.TenantID,
			Type:     eventType,
			Payload: map[string]any{
				"instance_id": instance.ID.String(),
				"add_on":      instance.AddOnCode,
				"from":        string(from),
				"to":          string(target),
			},
			DedupeKey: eventType + ":" + instance.ID.String() + ":" + now.Format(time.RFC3339),
		})
	})
	if err != nil {
		return err
	}

	if _, err := s.entitlementSvc.Recompute(ctx, tenantID); err != nil {
		return err
	}
	s.notifier.Notify(ctx, tenantID, eventType, map[string]any{"add_on": addOnCode})
	return nil
}

func (s *Service) lookupAddOn(ctx context.Context, code string) (*catalogdomain.AddOn, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, catalogdomain.ErrInvalidCode
	}
	addOn, err := s.catalogRepo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if addOn == nil {
		return nil, catalogdomain.ErrNotFound
	}
	if !addOn.Active {
		return nil, catalogdomain.ErrInactive
	}
	return addOn, nil
}

func (s *Service) applyUsageUnit(instance *addondomain.AddOnInstance, addOn *catalogdomain.AddOn) {
	if instance.BillingCycle != catalogdomain.BillingCycleUsageBased {
		return
	}
	unit := addOn.UsageUnit.Data()
	if unit == nil {
		return
	}
	instance.RemainingCredits = unit.CreditsPerPurchase * int64(instance.Quantity)
	instance.ResetCadence = unit.ResetCadence
	instance.AlertThreshold = unit.LowBalanceDefault
	if instance.AlertThreshold <= 0 {
		instance.AlertThreshold = s.policy.Get().DefaultLowBalance
	}
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

func parseID(raw string, onErr error) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, onErr
	}
	return parsed, nil
}
