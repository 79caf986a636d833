package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	"github.com/smallbiznis/bolton/internal/clock"
	"github.com/smallbiznis/bolton/internal/entitlement/aggregator"
	entitlementdomain "github.com/smallbiznis/bolton/internal/entitlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	AddOnRepo   addondomain.Repository
	CatalogRepo catalogdomain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	addOnRepo   addondomain.Repository
	catalogRepo catalogdomain.Repository
}

func NewService(p ServiceParam) entitlementdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("entitlement.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		addOnRepo:   p.AddOnRepo,
		catalogRepo: p.CatalogRepo,
	}
}

func (s *Service) SetBasePlan(ctx context.Context, tenantID snowflake.ID, base entitlementdomain.FeatureMap) error {
	if tenantID == 0 {
		return entitlementdomain.ErrInvalidTenant
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.findForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if record == nil {
			record = &entitlementdomain.TenantEntitlement{
				ID:         s.genID.Generate(),
				TenantID:   tenantID,
				ComputedAt: now,
				CreatedAt:  now,
			}
			record.BaseFeatures = datatypes.NewJSONType(base)
			record.Effective = datatypes.NewJSONType(base)
			return tx.WithContext(ctx).Create(record).Error
		}
		record.BaseFeatures = datatypes.NewJSONType(base)
		record.UpdatedAt = now
		return tx.WithContext(ctx).Save(record).Error
	})
	if err != nil {
		return err
	}

	_, err = s.Recompute(ctx, tenantID)
	return err
}

// Recompute rebuilds the denormalized snapshot from the current entitled
// instance set and persists it. Callers invoke it explicitly after every
// activation, suspension, cancellation, or expiry.
func (s *Service) Recompute(ctx context.Context, tenantID snowflake.ID) (entitlementdomain.FeatureMap, error) {
	if tenantID == 0 {
		return nil, entitlementdomain.ErrInvalidTenant
	}

	var effective entitlementdomain.FeatureMap
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.findForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		isNew := record == nil
		if isNew {
			record = &entitlementdomain.TenantEntitlement{
				ID:        s.genID.Generate(),
				TenantID:  tenantID,
				CreatedAt: now,
			}
		}

		instances, err := s.addOnRepo.ListEntitledByTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}

		addOnIDs := make([]snowflake.ID, 0, len(instances))
		for _, instance := range instances {
			addOnIDs = append(addOnIDs, instance.AddOnID)
		}
		addOns, err := s.catalogRepo.ListByIDs(ctx, tx, addOnIDs)
		if err != nil {
			return err
		}
		byID := make(map[snowflake.ID]*catalogdomain.AddOn, len(addOns))
		for i := range addOns {
			byID[addOns[i].ID] = &addOns[i]
		}

		contributions := make([]aggregator.Contribution, 0, len(instances))
		for i := range instances {
			contributions = append(contributions, aggregator.ContributionFor(&instances[i], byID[instances[i].AddOnID]))
		}

		effective = aggregator.Aggregate(record.BaseFeatures.Data(), contributions)

		record.Effective = datatypes.NewJSONType(effective)
		record.Version++
		record.ComputedAt = now
		record.UpdatedAt = now
		if isNew {
			return tx.WithContext(ctx).Create(record).Error
		}
		return tx.WithContext(ctx).Save(record).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("entitlements recomputed", zap.String("tenant_id", tenantID.String()))
	return effective, nil
}

// GetEffective reads the snapshot only; it never re-derives aggregation.
func (s *Service) GetEffective(ctx context.Context, tenantID snowflake.ID) (entitlementdomain.FeatureMap, error) {
	if tenantID == 0 {
		return nil, entitlementdomain.ErrInvalidTenant
	}
	var record entitlementdomain.TenantEntitlement
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, entitlementdomain.ErrNotFound
		}
		return nil, err
	}
	return record.Effective.Data(), nil
}

func (s *Service) TouchLastUsed(ctx context.Context, tenantID snowflake.ID) error {
	if tenantID == 0 {
		return entitlementdomain.ErrInvalidTenant
	}
	now := s.clock.Now()
	return s.db.WithContext(ctx).Exec(
		`UPDATE tenant_entitlements SET last_used_at = ?, updated_at = ? WHERE tenant_id = ?`,
		now, now, tenantID,
	).Error
}

func (s *Service) findForUpdate(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (*entitlementdomain.TenantEntitlement, error) {
	var record entitlementdomain.TenantEntitlement
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ?", tenantID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
