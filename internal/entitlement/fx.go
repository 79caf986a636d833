package entitlement

import (
	"github.com/smallbiznis/bolton/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(service.NewService),
)
