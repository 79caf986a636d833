package migration

import (
	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	billingdomain "github.com/smallbiznis/bolton/internal/billing/domain"
	catalogdomain "github.com/smallbiznis/bolton/internal/catalog/domain"
	"github.com/smallbiznis/bolton/internal/config"
	entitlementdomain "github.com/smallbiznis/bolton/internal/entitlement/domain"
	"github.com/smallbiznis/bolton/internal/events"
	paymentdomain "github.com/smallbiznis/bolton/internal/payment/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// MySQL and SQLite (dev/test) derive the schema from the models.
		return conn.AutoMigrate(
			&catalogdomain.AddOn{},
			&addondomain.AddOnInstance{},
			&addondomain.HistoryEntry{},
			&entitlementdomain.TenantEntitlement{},
			&billingdomain.Transaction{},
			&paymentdomain.EventRecord{},
			&events.BillingEvent{},
		)
	}),
)
