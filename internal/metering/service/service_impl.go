package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	"github.com/smallbiznis/bolton/internal/clock"
	"github.com/smallbiznis/bolton/internal/config"
	entitlementdomain "github.com/smallbiznis/bolton/internal/entitlement/domain"
	"github.com/smallbiznis/bolton/internal/events"
	meteringdomain "github.com/smallbiznis/bolton/internal/metering/domain"
	"github.com/smallbiznis/bolton/internal/notification"
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
	entitlementSvc entitlementdomain.Service
	outbox         *events.Outbox
	notifier       notification.Notifier
	policy         *config.BillingPolicyHolder
}

func NewService(p ServiceParam) meteringdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("metering.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		repo:           p.Repo,
		entitlementSvc: p.EntitlementSvc,
		outbox:         p.Outbox,
		notifier:       p.Notifier,
		policy:         p.Policy,
	}
}

// CanConsume is advisory only. It never reserves credits; callers that need
// the deduction must go through Consume, whose guard is authoritative.
func (s *Service) CanConsume(ctx context.Context, instanceID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, addondomain.ErrInvalidAmount
	}
	id, err := snowflake.ParseString(instanceID)
	if err != nil {
		return false, addondomain.ErrInvalidInstance
	}
	instance, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return false, err
	}
	if instance == nil {
		return false, addondomain.ErrInstanceNotFound
	}
	if instance.BillingCycle != catalogdomain.BillingCycleUsageBased {
		return false, addondomain.ErrNotUsageBased
	}
	if !instance.Status.Entitled() {
		return false, nil
	}
	now := s.clock.Now()
	if instance.ExpiresAt != nil && !instance.ExpiresAt.After(now) {
		return false, nil
	}
	return instance.RemainingCredits >= amount, nil
}

func (s *Service) Consume(ctx context.Context, req meteringdomain.ConsumeRequest) (meteringdomain.ConsumeResult, error) {
	if req.Amount <= 0 {
		return meteringdomain.ConsumeResult{}, addondomain.ErrInvalidAmount
	}
	id, err := snowflake.ParseString(req.InstanceID)
	if err != nil {
		return meteringdomain.ConsumeResult{}, addondomain.ErrInvalidInstance
	}

	var (
		result     meteringdomain.ConsumeResult
		tenantID   snowflake.ID
		addOnCode  string
		alertFired bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		ok, err := s.repo.ConsumeCredits(ctx, tx, id, req.Amount, now)
		if err != nil {
			return err
		}
		if !ok {
			return s.classifyRejection(ctx, tx, id, req.Amount, now)
		}

		instance, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if instance == nil {
			return addondomain.ErrInstanceNotFound
		}

		s.recordDailyUsage(instance, req.Amount, now)

		// The alert flag latches: it fires once when the balance first crosses
		// the threshold and stays set until a top-up clears it.
		if instance.AlertThreshold > 0 &&
			instance.RemainingCredits <= instance.AlertThreshold &&
			!instance.LowBalanceAlerted {
			instance.LowBalanceAlerted = true
			instance.LowBalanceAlertAt = &now
			alertFired = true
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				TenantID: instance.TenantID,
				Type:     events.EventLowBalance,
				Payload: map[string]any{
					"instance_id": instance.ID.String(),
					"add_on":      instance.AddOnCode,
					"remaining":   instance.RemainingCredits,
					"threshold":   instance.AlertThreshold,
				},
				DedupeKey: "low_balance:" + instance.ID.String() + ":" + now.Format(time.RFC3339),
			}); err != nil {
				return err
			}
		}

		instance.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, instance); err != nil {
			return err
		}

		result = meteringdomain.ConsumeResult{
			Remaining: instance.RemainingCredits,
			TotalUsed: instance.TotalUsed,
		}
		tenantID = instance.TenantID
		addOnCode = instance.AddOnCode
		return nil
	})
	if err != nil {
		return meteringdomain.ConsumeResult{}, err
	}

	if alertFired {
		s.notifier.Notify(ctx, tenantID, events.EventLowBalance, map[string]any{
			"add_on":    addOnCode,
			"remaining": result.Remaining,
		})
	}
	if err := s.entitlementSvc.TouchLastUsed(ctx, tenantID); err != nil {
		s.log.Warn("last-used update failed", zap.Error(err), zap.String("tenant_id", tenantID.String()))
	}
	return result, nil
}

func (s *Service) AddCredits(ctx context.Context, req meteringdomain.AddCreditsRequest) (meteringdomain.ConsumeResult, error) {
	if req.Amount <= 0 {
		return meteringdomain.ConsumeResult{}, addondomain.ErrInvalidAmount
	}
	id, err := snowflake.ParseString(req.InstanceID)
	if err != nil {
		return meteringdomain.ConsumeResult{}, addondomain.ErrInvalidInstance
	}

	var (
		result    meteringdomain.ConsumeResult
		tenantID  snowflake.ID
		addOnCode string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		ok, err := s.repo.AddCredits(ctx, tx, id, req.Amount, now)
		if err != nil {
			return err
		}
		if !ok {
			instance, err := s.repo.FindByID(ctx, tx, id)
			if err != nil {
				return err
			}
			if instance == nil {
				return addondomain.ErrInstanceNotFound
			}
			return addondomain.ErrNotUsageBased
		}

		instance, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if instance == nil {
			return addondomain.ErrInstanceNotFound
		}

		currency := instance.EffectivePricing().Currency
		if currency == "" {
			currency = s.policy.Get().DefaultCurrency
		}
		reason := req.Reason
		entry := &addondomain.HistoryEntry{
			ID:            s.genID.Generate(),
			InstanceID:    instance.ID,
			TenantID:      instance.TenantID,
			Kind:          addondomain.HistoryKindCreditGrant,
			Amount:        0, // credit top-ups carry no charge
			Currency:      currency,
			PaymentStatus: "not_applicable",
			Metadata: datatypes.JSONMap{
				"credits":    req.Amount,
				"granted_by": req.GrantedBy,
			},
			CreatedAt: now,
		}
		if reason != "" {
			entry.Reason = &reason
		}
		if err := s.repo.AppendHistory(ctx, tx, entry); err != nil {
			return err
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			TenantID: instance.TenantID,
			Type:     events.EventCreditsAdded,
			Payload: map[string]any{
				"instance_id": instance.ID.String(),
				"add_on":      instance.AddOnCode,
				"credits":     req.Amount,
				"remaining":   instance.RemainingCredits,
			},
			DedupeKey: "credits:" + entry.ID.String(),
		}); err != nil {
			return err
		}

		result = meteringdomain.ConsumeResult{
			Remaining: instance.RemainingCredits,
			TotalUsed: instance.TotalUsed,
		}
		tenantID = instance.TenantID
		addOnCode = instance.AddOnCode
		return nil
	})
	if err != nil {
		return meteringdomain.ConsumeResult{}, err
	}

	s.notifier.Notify(ctx, tenantID, events.EventCreditsAdded, map[string]any{
		"add_on":  addOnCode,
		"credits": req.Amount,
	})
	return result, nil
}

// classifyRejection turns a guard rejection into the most specific error the
// row's current state supports.
func (s *Service) classifyRejection(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount int64, now time.Time) error {
	instance, err := s.repo.FindByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if instance == nil {
		return addondomain.ErrInstanceNotFound
	}
	if instance.BillingCycle != catalogdomain.BillingCycleUsageBased {
		return addondomain.ErrNotUsageBased
	}
	if !instance.Status.Entitled() {
		return addondomain.ErrInvalidInstance
	}
	if instance.ExpiresAt != nil && !instance.ExpiresAt.After(now) {
		return addondomain.ErrInvalidInstance
	}
	if instance.RemainingCredits < amount {
		return addondomain.ErrInsufficientCredits
	}
	// Guard state changed between the decrement and this read; treat it as a
	// balance race.
	return addondomain.ErrInsufficientCredits
}

// recordDailyUsage upserts today's entry in the rolling window and drops
// entries older than the configured window.
func (s *Service) recordDailyUsage(instance *addondomain.AddOnInstance, amount int64, now time.Time) {
	today := now.UTC().Format("2006-01-02")
	windowDays := s.policy.Get().UsageWindowDays
	cutoff := now.UTC().AddDate(0, 0, -windowDays).Format("2006-01-02")

	window := instance.DailyUsage.Data()
	kept := window[:0]
	updated := false
	for _, entry := range window {
		if entry.Date < cutoff {
			continue
		}
		if entry.Date == today {
			entry.Used += amount
			entry.Remaining = instance.RemainingCredits
			updated = true
		}
		kept = append(kept, entry)
	}
	if !updated {
		kept = append(kept, addondomain.DailyUsage{
			Date:      today,
			Used:      amount,
			Remaining: instance.RemainingCredits,
		})
	}
	instance.DailyUsage = datatypes.NewJSONType(kept)
}
