package billing

import (
	"github.com/smallbiznis/bolton/internal/billing/processor"
	"github.com/smallbiznis/bolton/internal/billing/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(repository.Provide),
	fx.Provide(processor.NewProcessor),
)
