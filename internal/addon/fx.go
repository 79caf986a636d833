package addon

import (
	"github.com/smallbiznis/bolton/internal/addon/repository"
	"github.com/smallbiznis/bolton/internal/addon/service"
	"go.uber.org/fx"
)

var Module = fx.Module("addon",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
