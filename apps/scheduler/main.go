// Scheduler-only deployment: runs the billing duties without the rest of the
// engine's entrypoints. Useful when the duties are scaled independently.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bolton/internal/addon"
	"github.com/smallbiznis/bolton/internal/billing"
	"github.com/smallbiznis/bolton/internal/catalog"
	"github.com/smallbiznis/bolton/internal/clock"
	"github.com/smallbiznis/bolton/internal/config"
	"github.com/smallbiznis/bolton/internal/entitlement"
	"github.com/smallbiznis/bolton/internal/events"
	"github.com/smallbiznis/bolton/internal/logger"
	"github.com/smallbiznis/bolton/internal/migration"
	"github.com/smallbiznis/bolton/internal/notification"
	"github.com/smallbiznis/bolton/internal/payment"
	"github.com/smallbiznis/bolton/internal/providers"
	"github.com/smallbiznis/bolton/internal/scheduler"
	"github.com/smallbiznis/bolton/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		events.Module,
		providers.Module,
		notification.Module,
		catalog.Module,
		entitlement.Module,
		addon.Module,
		payment.Module,
		billing.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
